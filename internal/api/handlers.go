package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/FairForge/bulwark/internal/audit"
	"github.com/FairForge/bulwark/internal/controlplane"
	"github.com/FairForge/bulwark/internal/errs"
	"github.com/FairForge/bulwark/internal/incident"
	"github.com/FairForge/bulwark/internal/logging"
	"github.com/FairForge/bulwark/internal/slo"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// StatusHandler serves the control plane under /api
type StatusHandler struct {
	cp     *controlplane.ControlPlane
	auth   *Authenticator
	logger *zap.Logger
}

// NewStatusHandler creates the handler. A nil authenticator disables the
// admin and audit routes.
func NewStatusHandler(cp *controlplane.ControlPlane, auth *Authenticator, logger *zap.Logger) *StatusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandler{cp: cp, auth: auth, logger: logger}
}

// Routes builds the chi router. Paths are relative to /api.
func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestContext)
	r.Use(middleware.Recoverer)
	r.Use(h.metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/dashboard", h.GetDashboard)
		r.Get("/reliability", h.GetReliability)
		r.Get("/scheduler", h.GetScheduler)

		r.Get("/slos", h.ListSLOs)
		r.Get("/slos/{name}", h.GetSLO)
		r.Get("/slos/{name}/violations", h.ListViolations)
		r.Get("/budgets/alerts", h.ListBudgetAlerts)
		r.Post("/measurements", h.RecordMeasurement)

		r.Get("/breakers", h.ListBreakers)
		r.Get("/breakers/{name}", h.GetBreaker)
		r.Get("/breakers/{name}/transitions", h.ListTransitions)

		r.Get("/services", h.ListServices)
		r.Get("/services/{service}/instances", h.ListInstances)
		r.Get("/failovers", h.ListFailovers)

		r.Get("/recovery/plans", h.ListPlans)
		r.Get("/recovery/executions", h.ListExecutions)

		r.Get("/incidents", h.ListIncidents)
		r.Get("/incidents/{id}", h.GetIncident)

		r.Get("/runbooks", h.ListRunbooks)
		r.Get("/runbooks/{id}", h.GetRunbook)

		if h.auth == nil {
			return
		}
		r.Group(func(r chi.Router) {
			r.Use(audit.DeniedMiddleware(h.cp.Audit, nil))
			r.Use(h.auth.Middleware)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/breakers/{name}/open", h.OpenCircuit)
				r.Post("/breakers/{name}/close", h.CloseCircuit)
				r.Post("/incidents", h.TriggerIncident)
				r.Post("/incidents/{id}/resolve", h.ResolveIncident)
				r.Post("/runbooks/{id}/steps/{step}", h.ExecuteStep)
				audit.NewAPIHandler(h.cp.Audit, h.logger).RegisterRoutes(r)
			})
		})
	})
	return r
}

func (h *StatusHandler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *StatusHandler) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = "/api" + p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.cp.Metrics.RecordRequest(r.Method, route, status, time.Since(start))
	})
}

// GetDashboard returns the reliability dashboard
func (h *StatusHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.cp.Dashboard())
}

// GetReliability returns the derived overall status
func (h *StatusHandler) GetReliability(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.cp.Reliability())
}

// GetScheduler returns per-task counters
func (h *StatusHandler) GetScheduler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": h.cp.Scheduler.Stats()})
}

// ListSLOs returns every SLO status
func (h *StatusHandler) ListSLOs(w http.ResponseWriter, r *http.Request) {
	statuses := h.cp.SLOStatuses()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"slos": statuses, "count": len(statuses)})
}

// GetSLO returns one SLO status
func (h *StatusHandler) GetSLO(w http.ResponseWriter, r *http.Request) {
	s, err := h.cp.SLOStatus(chi.URLParam(r, "name"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, s)
}

// ListViolations returns the open and recent violations of one SLO
func (h *StatusHandler) ListViolations(w http.ResponseWriter, r *http.Request) {
	vs, err := h.cp.SLOs.Violations(chi.URLParam(r, "name"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"violations": vs, "count": len(vs)})
}

// ListBudgetAlerts returns retained budget alerts
func (h *StatusHandler) ListBudgetAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.cp.Budgets.AlertHistory()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

type measurementRequest struct {
	SLO        string   `json:"slo"`
	Success    int64    `json:"success"`
	Total      int64    `json:"total"`
	LatencyMs  *float64 `json:"latency_ms,omitempty"`
	Multiplier *float64 `json:"multiplier,omitempty"`
}

// RecordMeasurement ingests one measurement
func (h *StatusHandler) RecordMeasurement(w http.ResponseWriter, r *http.Request) {
	var req measurementRequest
	if !h.decode(w, r, &req) {
		return
	}

	var opts []slo.MeasurementOption
	if req.LatencyMs != nil {
		opts = append(opts, slo.WithLatency(time.Duration(*req.LatencyMs*float64(time.Millisecond))))
	}
	if req.Multiplier != nil {
		opts = append(opts, slo.WithMultiplier(*req.Multiplier))
	}
	if err := h.cp.RecordMeasurement(req.SLO, req.Success, req.Total, opts...); err != nil {
		h.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListBreakers returns every breaker status
func (h *StatusHandler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	statuses := h.cp.BreakerStatuses()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"breakers": statuses, "count": len(statuses)})
}

// GetBreaker returns one breaker status
func (h *StatusHandler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	s, err := h.cp.BreakerStatus(chi.URLParam(r, "name"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, s)
}

// ListTransitions returns the retained transitions of one breaker
func (h *StatusHandler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	ts, err := h.cp.Breakers.Transitions(chi.URLParam(r, "name"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"transitions": ts, "count": len(ts)})
}

// ListServices returns service names with their active instance
func (h *StatusHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	type service struct {
		Name      string `json:"name"`
		Instances int    `json:"instances"`
		Active    string `json:"active,omitempty"`
	}
	names := h.cp.HA.Services()
	out := make([]service, 0, len(names))
	for _, name := range names {
		s := service{Name: name, Instances: len(h.cp.HA.Instances(name))}
		if active, err := h.cp.HA.ActiveInstance(name); err == nil {
			s.Active = active
		}
		out = append(out, s)
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"services": out, "count": len(out)})
}

// ListInstances returns the instances of one service
func (h *StatusHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	insts := h.cp.HA.Instances(service)
	if len(insts) == 0 {
		h.respondError(w, http.StatusNotFound, "service not found")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"instances": insts, "count": len(insts)})
}

// ListFailovers returns retained failover events
func (h *StatusHandler) ListFailovers(w http.ResponseWriter, r *http.Request) {
	evs := h.cp.HA.FailoverHistory()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"failovers": evs, "count": len(evs)})
}

// ListPlans returns registered recovery plans with their counters
func (h *StatusHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans := h.cp.Recovery.Plans()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"plans": plans,
		"stats": h.cp.Recovery.Stats(),
		"count": len(plans),
	})
}

// ListExecutions returns active executions and retained history
func (h *StatusHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"active":  h.cp.Recovery.Active(),
		"history": h.cp.Recovery.History(),
	})
}

// ListIncidents returns open incidents, or resolved ones with ?state=resolved
func (h *StatusHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	var incs []incident.Incident
	switch state := r.URL.Query().Get("state"); state {
	case "", "open":
		incs = h.cp.Incidents.Open()
	case "resolved":
		incs = h.cp.Incidents.History()
	default:
		h.respondError(w, http.StatusBadRequest, "invalid state: expected open or resolved")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incs,
		"count":     len(incs),
		"stats":     h.cp.Incidents.Stats(),
	})
}

// GetIncident returns one open or retained incident
func (h *StatusHandler) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.cp.Incidents.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, inc)
}

// ListRunbooks lists the current runbooks. With ?type= (and optionally
// ?severity=) only applicable runbooks are returned, best match first.
func (h *StatusHandler) ListRunbooks(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	repo := h.cp.Runbooks.Current()

	if incidentType := params.Get("type"); incidentType != "" {
		sev := incident.SeverityUnset
		if s := params.Get("severity"); s != "" {
			parsed, err := incident.ParseSeverity(s)
			if err != nil {
				h.respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			sev = parsed
		}
		rbs := h.cp.Runbooks.FindApplicable(incidentType, sev, nil)
		h.respondJSON(w, http.StatusOK, map[string]interface{}{"runbooks": rbs, "count": len(rbs), "revision": repo.Revision()})
		return
	}

	rbs := repo.List()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runbooks": rbs, "count": len(rbs), "revision": repo.Revision()})
}

// GetRunbook returns one runbook
func (h *StatusHandler) GetRunbook(w http.ResponseWriter, r *http.Request) {
	rb, ok := h.cp.Runbooks.Current().Get(chi.URLParam(r, "id"))
	if !ok {
		h.respondError(w, http.StatusNotFound, "runbook not found")
		return
	}
	h.respondJSON(w, http.StatusOK, rb)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// OpenCircuit forces a breaker OPEN
func (h *StatusHandler) OpenCircuit(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.cp.OpenCircuit(name, logging.ActorFrom(r.Context()), req.Reason); err != nil {
		h.respondErr(w, r, err)
		return
	}
	s, _ := h.cp.BreakerStatus(name)
	h.respondJSON(w, http.StatusOK, s)
}

// CloseCircuit forces a breaker CLOSED
func (h *StatusHandler) CloseCircuit(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.cp.CloseCircuit(name, logging.ActorFrom(r.Context()), req.Reason); err != nil {
		h.respondErr(w, r, err)
		return
	}
	s, _ := h.cp.BreakerStatus(name)
	h.respondJSON(w, http.StatusOK, s)
}

type incidentRequest struct {
	Title          string            `json:"title"`
	Type           string            `json:"type"`
	Trigger        string            `json:"trigger"`
	Source         string            `json:"source"`
	Services       []string          `json:"services"`
	ErrorRate      float64           `json:"error_rate"`
	CustomerImpact bool              `json:"customer_impact"`
	RevenueImpact  bool              `json:"revenue_impact"`
	Severity       string            `json:"severity"`
	Context        map[string]string `json:"context"`
}

// TriggerIncident opens an incident
func (h *StatusHandler) TriggerIncident(w http.ResponseWriter, r *http.Request) {
	var req incidentRequest
	if !h.decode(w, r, &req) {
		return
	}
	sig := incident.Signal{
		Title:          req.Title,
		Type:           req.Type,
		Trigger:        req.Trigger,
		Source:         req.Source,
		Services:       req.Services,
		ErrorRate:      req.ErrorRate,
		CustomerImpact: req.CustomerImpact,
		RevenueImpact:  req.RevenueImpact,
		Context:        req.Context,
	}
	if req.Severity != "" {
		sev, err := incident.ParseSeverity(req.Severity)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		sig.Severity = sev
	}

	inc, err := h.cp.TriggerIncident(r.Context(), logging.ActorFrom(r.Context()), sig)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, inc)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveIncident resolves an incident
func (h *StatusHandler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	inc, err := h.cp.ResolveIncident(r.Context(), chi.URLParam(r, "id"), logging.ActorFrom(r.Context()), req.Resolution)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, inc)
}

type stepRequest struct {
	IncidentID string `json:"incident_id"`
}

// ExecuteStep returns the instruction for one runbook step
func (h *StatusHandler) ExecuteStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !h.decode(w, r, &req) {
		return
	}
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid step")
		return
	}
	res, err := h.cp.Runbooks.ExecuteStep(chi.URLParam(r, "id"), step, req.IncidentID, logging.ActorFrom(r.Context()))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *StatusHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	var ce errs.ConfigurationError
	switch {
	case errors.As(err, &ce) && ce.Reason == "":
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusBadRequest
	case errs.IsNotFound(err), errors.Is(err, incident.ErrIncidentNotFound):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, slo.ErrInvalidMeasurement),
		errors.Is(err, incident.ErrInvalidSignal),
		errors.Is(err, controlplane.ErrActorRequired),
		errors.Is(err, controlplane.ErrReasonRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *StatusHandler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context(), h.logger).Error("request failed", zap.Error(err))
	}
	h.respondError(w, status, err.Error())
}

func (h *StatusHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, h.logger, status, data)
}

func (h *StatusHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
