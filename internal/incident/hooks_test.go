package incident

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/FairForge/bulwark/internal/recovery"
	"github.com/FairForge/bulwark/internal/slo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recoverFunc func(ctx context.Context, incidentID, trigger string, rc map[string]string) (*recovery.Execution, error)

func (f recoverFunc) TriggerRecovery(ctx context.Context, incidentID, trigger string, rc map[string]string) (*recovery.Execution, error) {
	return f(ctx, incidentID, trigger, rc)
}

type eventLog struct {
	mu    sync.Mutex
	types []EventType
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, ev.Type)
}

func (l *eventLog) all() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]EventType(nil), l.types...)
}

func TestAutomatedRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("success resolves the incident", func(t *testing.T) {
		var gotTrigger string
		var gotRC map[string]string
		rec := recoverFunc(func(_ context.Context, id, trigger string, rc map[string]string) (*recovery.Execution, error) {
			gotTrigger, gotRC = trigger, rc
			return &recovery.Execution{Plan: "db-failover", IncidentID: id, Attempts: 2, Success: true}, nil
		})
		o, _, _ := newTestOrchestrator(t, WithRecoverer(rec))

		inc, err := o.TriggerIncident(ctx, Signal{
			Title:   "db down",
			Trigger: "database_connection_failure",
			Context: map[string]string{"db": "orders"},
		})
		require.NoError(t, err)
		o.Wait()

		assert.Equal(t, "database_connection_failure", gotTrigger)
		assert.Equal(t, "orders", gotRC["db"])

		got, err := o.Get(inc.ID)
		require.NoError(t, err)
		assert.Equal(t, StateResolved, got.State)
		assert.Equal(t, "recovery", got.ResolvedBy)
		assert.Contains(t, actions(got), "recovery_succeeded")
	})

	t.Run("exhaustion marks escalation required and escalates", func(t *testing.T) {
		rec := recoverFunc(func(_ context.Context, id, _ string, _ map[string]string) (*recovery.Execution, error) {
			exec := &recovery.Execution{Plan: "db-failover", IncidentID: id, Attempts: 3, RolledBack: true}
			return exec, &recovery.ActionFailure{Plan: "db-failover", Action: recovery.ActionRestartPool, Attempt: 3}
		})
		o, _, notes := newTestOrchestrator(t, WithRecoverer(rec))
		events := &eventLog{}
		o.Subscribe(events.record)

		inc, err := o.TriggerIncident(ctx, Signal{Title: "db down", Trigger: "database_connection_failure"})
		require.NoError(t, err)
		o.Wait()

		got, err := o.Get(inc.ID)
		require.NoError(t, err)
		assert.True(t, got.EscalationRequired)
		assert.Equal(t, StateEscalated, got.State)
		assert.Equal(t, 1, got.EscalationLevel)
		assert.Equal(t, []EventType{EventOpened, EventRecoveryFailed, EventEscalated}, events.all())
		assert.Equal(t, []string{"slack", "pager"}, notes.Channels())

		acts := actions(got)
		assert.Less(t, indexOf(acts, "recovery_failed"), indexOf(acts, "escalated"))
	})

	t.Run("missing plan leaves the incident open", func(t *testing.T) {
		rec := recoverFunc(func(context.Context, string, string, map[string]string) (*recovery.Execution, error) {
			return nil, recovery.ErrNoPlan
		})
		o, _, _ := newTestOrchestrator(t, WithRecoverer(rec))

		inc, err := o.TriggerIncident(ctx, Signal{Title: "disk", Trigger: "disk_full"})
		require.NoError(t, err)
		o.Wait()

		got, err := o.Get(inc.ID)
		require.NoError(t, err)
		assert.Equal(t, StateOpen, got.State)
		assert.False(t, got.EscalationRequired)
		assert.Contains(t, actions(got), "recovery_unavailable")
	})

	t.Run("shutdown cancels in-flight recovery", func(t *testing.T) {
		rec := recoverFunc(func(ctx context.Context, _ string, _ string, _ map[string]string) (*recovery.Execution, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		o, _, _ := newTestOrchestrator(t, WithRecoverer(rec))

		inc, err := o.TriggerIncident(ctx, Signal{Title: "hang", Trigger: "slow"})
		require.NoError(t, err)

		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, o.Shutdown(sctx))

		got, err := o.Get(inc.ID)
		require.NoError(t, err)
		assert.Contains(t, actions(got), "recovery_skipped")
	})
}

func TestRecoveryAfterShutdown(t *testing.T) {
	ctx := context.Background()
	var calls int
	rec := recoverFunc(func(context.Context, string, string, map[string]string) (*recovery.Execution, error) {
		calls++
		return &recovery.Execution{Plan: "db-failover", Success: true}, nil
	})
	o, _, _ := newTestOrchestrator(t, WithRecoverer(rec))

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(sctx))

	inc, err := o.TriggerIncident(ctx, Signal{Title: "db down", Trigger: "database_connection_failure"})
	require.NoError(t, err)
	o.Wait()

	assert.Zero(t, calls)
	got, err := o.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, got.State)
	last := got.Timeline[len(got.Timeline)-1]
	assert.Equal(t, "recovery_skipped", last.Action)
	assert.Equal(t, "shutting down", last.Details)
}

func indexOf(items []string, want string) int {
	for i, s := range items {
		if s == want {
			return i
		}
	}
	return -1
}

func internalSLO() slo.Definition {
	return slo.Definition{
		Name:   "batch-success",
		Target: 99,
		Window: 5 * time.Minute,
		Thresholds: slo.Thresholds{
			Catastrophic: 75,
			Critical:     90,
			Major:        95,
			Warning:      98,
		},
		Aggregation: slo.AggregationAverage,
		Criticality: slo.CriticalityInternal,
		Services:    []string{"batch"},
	}
}

func TestHandleViolation(t *testing.T) {
	o, fake, _ := newTestOrchestrator(t)
	reg := slo.NewRegistry(slo.WithClock(fake))
	require.NoError(t, reg.Register(internalSLO()))
	reg.Subscribe(o.HandleViolation)

	// warning opens a P4 incident
	require.NoError(t, reg.RecordMeasurement("batch-success", 97, 100))
	inc, ok := o.FindBySource(ViolationSource("batch-success"))
	require.True(t, ok)
	assert.Equal(t, SeverityP4, inc.Severity)
	assert.Equal(t, "slo_violation", inc.Type)
	assert.Equal(t, []string{"batch"}, inc.Services)

	// catastrophic escalation raises it to P1
	require.NoError(t, reg.RecordMeasurement("batch-success", 0, 100))
	inc, ok = o.FindBySource(ViolationSource("batch-success"))
	require.True(t, ok)
	assert.Equal(t, SeverityP1, inc.Severity)
	assert.Len(t, o.Open(), 1)

	// recovery resolves it
	fake.Advance(5*time.Minute + time.Second)
	require.NoError(t, reg.RecordMeasurement("batch-success", 100, 100))
	_, ok = o.FindBySource(ViolationSource("batch-success"))
	assert.False(t, ok)

	got, err := o.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, got.State)
	assert.Equal(t, "slo", got.ResolvedBy)
	assert.Equal(t, 5*time.Minute+time.Second, got.TimeToResolve())
}

func TestSeverityForViolation(t *testing.T) {
	assert.Equal(t, SeverityP1, SeverityForViolation(slo.SeverityCatastrophic))
	assert.Equal(t, SeverityP2, SeverityForViolation(slo.SeverityCritical))
	assert.Equal(t, SeverityP3, SeverityForViolation(slo.SeverityMajor))
	assert.Equal(t, SeverityP4, SeverityForViolation(slo.SeverityWarning))
}
