package incident

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/FairForge/bulwark/internal/clock"
	"github.com/FairForge/bulwark/internal/errs"
	"github.com/FairForge/bulwark/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *clock.Fake, *notify.Recorder) {
	t.Helper()
	fake := clock.NewFake(epoch)
	rec := &notify.Recorder{}
	base := []Option{WithClock(fake), WithNotifier(rec)}
	o, err := NewOrchestrator(append(base, opts...)...)
	require.NoError(t, err)
	return o, fake, rec
}

func actions(inc Incident) []string {
	out := make([]string, len(inc.Timeline))
	for i, e := range inc.Timeline {
		out[i] = e.Action
	}
	return out
}

func TestNewOrchestrator_InvalidProcedure(t *testing.T) {
	_, err := NewOrchestrator(WithProcedure(Procedure{}))
	assert.Error(t, err)
}

func TestTriggerIncident(t *testing.T) {
	ctx := context.Background()

	t.Run("opens and notifies", func(t *testing.T) {
		c := DefaultClassifier()
		c.RevenueCritical = []string{"payments"}
		o, _, rec := newTestOrchestrator(t, WithClassifier(c))

		inc, err := o.TriggerIncident(ctx, Signal{
			Title:    "payments API failing",
			Type:     "api_errors",
			Services: []string{"payments"},
			Actor:    "alice",
		})
		require.NoError(t, err)

		assert.NotEmpty(t, inc.ID)
		assert.Equal(t, SeverityP1, inc.Severity)
		assert.Equal(t, StateOpen, inc.State)
		assert.True(t, inc.RevenueImpact)
		assert.Equal(t, epoch, inc.CreatedAt)
		assert.Equal(t, []string{"created"}, actions(inc))
		assert.Equal(t, "alice", inc.Timeline[0].Actor)

		msgs := rec.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "slack", msgs[0].Channel)
		assert.Equal(t, "P1", msgs[0].Severity)
		assert.Equal(t, inc.ID, msgs[0].Metadata["incident_id"])
		assert.Len(t, o.Open(), 1)
	})

	t.Run("rejects empty signal", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)
		_, err := o.TriggerIncident(ctx, Signal{})
		assert.ErrorIs(t, err, ErrInvalidSignal)
	})

	t.Run("title defaults to type", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)
		inc, err := o.TriggerIncident(ctx, Signal{Type: "disk_full"})
		require.NoError(t, err)
		assert.Equal(t, "disk_full", inc.Title)
	})

	t.Run("same source raises instead of duplicating", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)
		first, err := o.TriggerIncident(ctx, Signal{Title: "errors", Source: "probe:api", ErrorRate: 6})
		require.NoError(t, err)
		assert.Equal(t, SeverityP3, first.Severity)

		second, err := o.TriggerIncident(ctx, Signal{Title: "errors", Source: "probe:api", ErrorRate: 60})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, SeverityP1, second.Severity)
		assert.Len(t, o.Open(), 1)

		found, ok := o.FindBySource("probe:api")
		require.True(t, ok)
		assert.Equal(t, first.ID, found.ID)
	})
}

func TestRaiseSeverity(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	inc, err := o.TriggerIncident(ctx, Signal{Title: "x", Severity: SeverityP2})
	require.NoError(t, err)

	t.Run("lower severity is ignored", func(t *testing.T) {
		got, err := o.RaiseSeverity(ctx, inc.ID, SeverityP3, "bob", "looks minor")
		require.NoError(t, err)
		assert.Equal(t, SeverityP2, got.Severity)
		assert.Equal(t, []string{"created"}, actions(got))
	})

	t.Run("higher severity applies", func(t *testing.T) {
		got, err := o.RaiseSeverity(ctx, inc.ID, SeverityP1, "bob", "revenue loss")
		require.NoError(t, err)
		assert.Equal(t, SeverityP1, got.Severity)
		assert.Equal(t, []string{"created", "severity_raised"}, actions(got))
	})

	t.Run("unknown incident", func(t *testing.T) {
		_, err := o.RaiseSeverity(ctx, "nope", SeverityP1, "bob", "")
		var nf *NotFoundError
		assert.ErrorAs(t, err, &nf)
		assert.Equal(t, "nope", nf.ID)
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("fires levels as the incident ages", func(t *testing.T) {
		o, fake, rec := newTestOrchestrator(t)
		inc, err := o.TriggerIncident(ctx, Signal{Title: "db slow"})
		require.NoError(t, err)

		fake.Advance(4 * time.Minute)
		assert.Equal(t, 0, o.Sweep(ctx))

		fake.Advance(time.Minute)
		assert.Equal(t, 1, o.Sweep(ctx))

		got, err := o.Get(inc.ID)
		require.NoError(t, err)
		assert.Equal(t, StateEscalated, got.State)
		assert.Equal(t, 1, got.EscalationLevel)
		assert.Equal(t, []string{"slack", "pager"}, rec.Channels())

		fake.Advance(35 * time.Minute)
		assert.Equal(t, 2, o.Sweep(ctx))
		assert.Equal(t, 0, o.Sweep(ctx))
		assert.Equal(t, []string{"slack", "pager", "pager", "slack", "pager", "email"}, rec.Channels())

		err = o.Escalate(ctx, inc.ID, "bob", "more help")
		assert.ErrorIs(t, err, ErrEscalationExhausted)
	})

	t.Run("resolved incidents do not escalate", func(t *testing.T) {
		o, fake, _ := newTestOrchestrator(t)
		inc, err := o.TriggerIncident(ctx, Signal{Title: "db slow"})
		require.NoError(t, err)
		_, err = o.Resolve(ctx, inc.ID, "bob", "fixed")
		require.NoError(t, err)

		fake.Advance(time.Hour)
		assert.Equal(t, 0, o.Sweep(ctx))
	})

	t.Run("delivery failures do not block other channels", func(t *testing.T) {
		rec := &notify.Recorder{Fail: map[string]error{"pager": errors.New("pager down")}}
		o, fake, _ := newTestOrchestrator(t, WithNotifier(rec))
		inc, err := o.TriggerIncident(ctx, Signal{Title: "db slow"})
		require.NoError(t, err)

		fake.Advance(15 * time.Minute)
		assert.Equal(t, 2, o.Sweep(ctx))

		err = o.Escalate(ctx, inc.ID, "bob", "manual")
		var df *DeliveryFailure
		require.ErrorAs(t, err, &df)
		assert.Equal(t, "pager", df.Channel)
		assert.Equal(t, 3, df.Level)

		assert.Equal(t, []string{"slack", "slack", "email"}, rec.Channels())

		got, err := o.Get(inc.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.EscalationLevel)
		assert.Contains(t, actions(got), "notification_failed")
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("computes time to resolve", func(t *testing.T) {
		o, fake, rec := newTestOrchestrator(t)
		inc, err := o.TriggerIncident(ctx, Signal{Title: "x", Source: "probe:x"})
		require.NoError(t, err)

		fake.Advance(12 * time.Minute)
		got, err := o.Resolve(ctx, inc.ID, "bob", "restarted")
		require.NoError(t, err)

		assert.Equal(t, StateResolved, got.State)
		assert.Equal(t, 12*time.Minute, got.TimeToResolve())
		assert.Equal(t, "bob", got.ResolvedBy)
		assert.False(t, got.Open())
		assert.Empty(t, o.Open())
		assert.Len(t, o.History(), 1)
		assert.Equal(t, []string{"slack", "slack"}, rec.Channels())

		_, ok := o.FindBySource("probe:x")
		assert.False(t, ok)
	})

	t.Run("unknown id is a typed not found", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)
		_, err := o.Resolve(ctx, "missing", "bob", "")

		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.ErrorIs(t, err, ErrIncidentNotFound)
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("resolving twice fails", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)
		inc, err := o.TriggerIncident(ctx, Signal{Title: "x"})
		require.NoError(t, err)
		_, err = o.Resolve(ctx, inc.ID, "bob", "")
		require.NoError(t, err)

		_, err = o.Resolve(ctx, inc.ID, "bob", "")
		assert.ErrorIs(t, err, ErrAlreadyResolved)

		got, err := o.Get(inc.ID)
		require.NoError(t, err)
		assert.Equal(t, StateResolved, got.State)
	})

	t.Run("escalated incidents resolve", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)
		inc, err := o.TriggerIncident(ctx, Signal{Title: "x"})
		require.NoError(t, err)
		require.NoError(t, o.Escalate(ctx, inc.ID, "bob", "help"))

		got, err := o.Resolve(ctx, inc.ID, "bob", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"created", "escalated", "resolved"}, actions(got))
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	o, fake, _ := newTestOrchestrator(t, WithHistory(2))

	assert.Equal(t, Stats{BySeverity: map[Severity]int{}}, o.Stats())

	a, err := o.TriggerIncident(ctx, Signal{Title: "a"})
	require.NoError(t, err)
	fake.Advance(10 * time.Minute)
	_, err = o.Resolve(ctx, a.ID, "bob", "")
	require.NoError(t, err)

	fake.Advance(10 * time.Minute)
	b, err := o.TriggerIncident(ctx, Signal{Title: "b"})
	require.NoError(t, err)
	fake.Advance(30 * time.Minute)
	_, err = o.Resolve(ctx, b.ID, "bob", "")
	require.NoError(t, err)

	_, err = o.TriggerIncident(ctx, Signal{Title: "c", Severity: SeverityP2})
	require.NoError(t, err)

	s := o.Stats()
	assert.Equal(t, 1, s.Open)
	assert.Equal(t, 2, s.Resolved)
	assert.Equal(t, 20*time.Minute, s.MTTR)
	assert.Equal(t, 40*time.Minute, s.MTBF)
	assert.Equal(t, 1, s.BySeverity[SeverityP2])

	t.Run("history is bounded", func(t *testing.T) {
		d, err := o.TriggerIncident(ctx, Signal{Title: "d"})
		require.NoError(t, err)
		_, err = o.Resolve(ctx, d.ID, "bob", "")
		require.NoError(t, err)

		assert.Len(t, o.History(), 2)
		assert.Equal(t, 3, o.Stats().Resolved)

		_, err = o.Get(a.ID)
		assert.ErrorIs(t, err, ErrIncidentNotFound)
	})
}
