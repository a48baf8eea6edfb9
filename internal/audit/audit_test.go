package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/FairForge/bulwark/internal/breaker"
	"github.com/FairForge/bulwark/internal/clock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var _ breaker.Auditor = (*Log)(nil)

func TestLog_Record(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	clk := clock.NewFake(epoch)
	l := NewLog(WithClock(clk), WithLogger(zap.New(core)))

	l.Record("alice", "breaker.open", "payments", "vendor outage")

	events := l.Query(Query{})
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, epoch, e.Timestamp)
	assert.Equal(t, "alice", e.Actor)
	assert.Equal(t, EventTypeBreakerOpen, e.Action)
	assert.Equal(t, ResultSuccess, e.Result)
	assert.Equal(t, SeverityCritical, e.Severity)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "audit", entry.Message)
	assert.Equal(t, "vendor outage", entry.ContextMap()["reason"])
}

func TestLog_Query(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := NewLog(WithClock(clk))

	l.Record("alice", "breaker.open", "payments", "outage")
	clk.Advance(time.Minute)
	l.Record("bob", "breaker.close", "payments", "recovered")
	clk.Advance(time.Minute)
	l.LogEvent(Event{Actor: "carol", Action: EventTypeIncidentResolve, Target: "inc-1", Result: ResultFailure})

	t.Run("newest first", func(t *testing.T) {
		events := l.Query(Query{})
		require.Len(t, events, 3)
		assert.Equal(t, "carol", events[0].Actor)
		assert.Equal(t, "alice", events[2].Actor)
	})

	t.Run("filters", func(t *testing.T) {
		assert.Len(t, l.Query(Query{Target: "payments"}), 2)
		assert.Len(t, l.Query(Query{Actor: "bob"}), 1)
		assert.Len(t, l.Query(Query{Action: EventTypeBreakerOpen}), 1)
		assert.Len(t, l.Query(Query{Result: ResultFailure}), 1)

		since := epoch.Add(time.Minute)
		assert.Len(t, l.Query(Query{Since: &since}), 2)
		until := epoch.Add(time.Minute)
		assert.Len(t, l.Query(Query{Until: &until}), 1)
	})

	t.Run("limit", func(t *testing.T) {
		events := l.Query(Query{Limit: 2})
		require.Len(t, events, 2)
		assert.Equal(t, "carol", events[0].Actor)
	})

	t.Run("failure severity", func(t *testing.T) {
		assert.Equal(t, SeverityWarning, l.Query(Query{Actor: "carol"})[0].Severity)
	})
}

func TestLog_Bounded(t *testing.T) {
	l := NewLog(WithCapacity(3))
	for i := 0; i < 5; i++ {
		l.Record("ops", "breaker.open", fmt.Sprintf("b%d", i), "")
	}
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, "b4", l.Query(Query{})[0].Target)
	assert.Equal(t, "b2", l.Query(Query{})[2].Target)
}

func TestAPIHandler(t *testing.T) {
	l := NewLog(WithClock(clock.NewFake(epoch)))
	e := l.LogEvent(Event{Actor: "alice", Action: EventTypeIncidentTrigger, Target: "inc-9"})
	l.Record("bob", "breaker.close", "search", "")

	r := chi.NewRouter()
	NewAPIHandler(l, nil).RegisterRoutes(r)

	t.Run("search", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/audit/events?actor=alice", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Events []Event `json:"events"`
			Count  int     `json:"count"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, 1, body.Count)
		assert.Equal(t, "inc-9", body.Events[0].Target)
	})

	t.Run("bad since", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/audit/events?since=yesterday", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("get by id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/audit/events/"+e.ID.String(), nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var got Event
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Equal(t, e.ID, got.ID)
	})

	t.Run("unknown id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/audit/events/"+uuid.NewString(), nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/audit/events/nope", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDeniedMiddleware(t *testing.T) {
	l := NewLog()
	deny := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	h := DeniedMiddleware(l, func(r *http.Request) string { return r.Header.Get("X-Actor") })(deny)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/circuits/payments/open", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/circuits/payments/open", nil)
	req.Header.Set("Authorization", "Bearer x")
	h.ServeHTTP(httptest.NewRecorder(), req)

	events := l.Query(Query{})
	require.Len(t, events, 1)
	assert.Equal(t, "anonymous", events[0].Actor)
	assert.Equal(t, EventTypeAccessDenied, events[0].Action)
	assert.Equal(t, ResultDenied, events[0].Result)
	assert.Equal(t, "POST /api/v1/admin/circuits/payments/open", events[0].Target)
}
