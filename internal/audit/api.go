package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// APIHandler serves the audit trail over HTTP
type APIHandler struct {
	log    *Log
	logger *zap.Logger
}

// NewAPIHandler creates a new audit API handler
func NewAPIHandler(log *Log, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{log: log, logger: logger}
}

// RegisterRoutes registers the audit routes on r
func (h *APIHandler) RegisterRoutes(r chi.Router) {
	r.Route("/audit", func(r chi.Router) {
		r.Get("/events", h.SearchEvents)
		r.Get("/events/{id}", h.GetEvent)
	})
}

// SearchEvents filters events by actor, action, target, result, since and
// limit query parameters
func (h *APIHandler) SearchEvents(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := Query{
		Actor:  params.Get("actor"),
		Action: EventType(params.Get("action")),
		Target: params.Get("target"),
		Result: Result(params.Get("result")),
	}

	if since := params.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid since: expected RFC3339")
			return
		}
		q.Since = &t
	}
	if limit := params.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = n
	}

	events := h.log.Query(q)
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// GetEvent returns one event
func (h *APIHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid event ID")
		return
	}

	event, ok := h.log.Get(id)
	if !ok {
		h.respondError(w, http.StatusNotFound, "event not found")
		return
	}
	h.respondJSON(w, http.StatusOK, event)
}

func (h *APIHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *APIHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
