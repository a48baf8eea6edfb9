package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/FairForge/bulwark/internal/clock"
	"github.com/FairForge/bulwark/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = errors.New("service unavailable")

type recordingAuditor struct {
	mu      sync.Mutex
	entries []string
}

func (a *recordingAuditor) Record(actor, action, target, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, actor+" "+action+" "+target+" "+reason)
}

func newTestManager(t *testing.T, name string, s Settings, opts ...Option) (*Manager, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	m := NewManager(append([]Option{WithClock(fake)}, opts...)...)
	require.NoError(t, m.Register(name, s))
	return m, fake
}

func failing(calls *int) Operation {
	return func(ctx context.Context) (any, error) {
		*calls++
		return nil, errUnavailable
	}
}

func succeeding(calls *int) Operation {
	return func(ctx context.Context) (any, error) {
		*calls++
		return "ok", nil
	}
}

func TestManager_Register(t *testing.T) {
	m := NewManager()

	t.Run("applies defaults", func(t *testing.T) {
		require.NoError(t, m.Register("payments", Settings{}))
		s, err := m.Status("payments")
		require.NoError(t, err)
		assert.Equal(t, 5, s.FailureThreshold)
		assert.Equal(t, 1, s.SuccessThreshold)
		assert.Equal(t, 10*time.Second, s.Timeout)
		assert.Equal(t, StateClosed, s.State)
	})

	t.Run("rejects duplicates and bad settings", func(t *testing.T) {
		assert.True(t, errs.IsConfiguration(m.Register("payments", Settings{})))
		assert.True(t, errs.IsConfiguration(m.Register("bad", Settings{FailureThreshold: -1})))
	})

	t.Run("unknown breaker lookups are configuration errors", func(t *testing.T) {
		_, err := m.Status("missing")
		assert.True(t, errs.IsConfiguration(err))
		assert.True(t, errs.IsConfiguration(m.Open("missing", "ops", "test")))
	})
}

func TestManager_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("passes through when no breaker is registered", func(t *testing.T) {
		m := NewManager()
		calls := 0
		result, err := m.Execute(ctx, "unguarded", succeeding(&calls), 0)
		require.NoError(t, err)
		assert.Equal(t, "ok", result)
		assert.Equal(t, 1, calls)
	})

	t.Run("five failures open the breaker and the sixth call gets the fallback", func(t *testing.T) {
		// Arrange
		m, _ := newTestManager(t, "inventory", Settings{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			Fallback:         "cached",
			FallbackEnabled:  true,
		})
		calls := 0

		// Act
		for i := 0; i < 5; i++ {
			_, err := m.Execute(ctx, "inventory", failing(&calls), 0)
			require.ErrorIs(t, err, errUnavailable)
		}
		result, err := m.Execute(ctx, "inventory", failing(&calls), 0)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "cached", result)
		assert.Equal(t, 5, calls, "operation must not run while open")

		s, _ := m.Status("inventory")
		assert.Equal(t, StateOpen, s.State)
		assert.Equal(t, int64(1), s.Stats.Blocked)
	})

	t.Run("open without fallback returns a typed error", func(t *testing.T) {
		m, fake := newTestManager(t, "inventory", Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute})
		calls := 0
		_, _ = m.Execute(ctx, "inventory", failing(&calls), 0)

		_, err := m.Execute(ctx, "inventory", failing(&calls), 0)
		require.ErrorIs(t, err, ErrCircuitOpen)
		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, "inventory", openErr.Name)
		assert.Equal(t, fake.Now().Add(time.Minute), openErr.RetryAt)
	})

	t.Run("success decrements the failure count", func(t *testing.T) {
		m, _ := newTestManager(t, "inventory", Settings{FailureThreshold: 3})
		calls := 0
		_, _ = m.Execute(ctx, "inventory", failing(&calls), 0)
		_, _ = m.Execute(ctx, "inventory", failing(&calls), 0)
		_, _ = m.Execute(ctx, "inventory", succeeding(&calls), 0)
		_, _ = m.Execute(ctx, "inventory", succeeding(&calls), 0)
		_, _ = m.Execute(ctx, "inventory", succeeding(&calls), 0)

		s, _ := m.Status("inventory")
		assert.Equal(t, 0, s.Failures)

		_, _ = m.Execute(ctx, "inventory", failing(&calls), 0)
		_, _ = m.Execute(ctx, "inventory", failing(&calls), 0)
		s, _ = m.Status("inventory")
		assert.Equal(t, StateClosed, s.State)
		assert.Equal(t, 2, s.Failures)
	})

	t.Run("scenario: open, fallback, half-open probe closes", func(t *testing.T) {
		m, fake := newTestManager(t, "ledger", Settings{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			RecoveryTimeout:  30 * time.Second,
			Fallback:         "stale",
			FallbackEnabled:  true,
		})
		calls := 0
		for i := 0; i < 3; i++ {
			_, _ = m.Execute(ctx, "ledger", failing(&calls), 0)
		}
		state, _ := m.State("ledger")
		require.Equal(t, StateOpen, state)

		fake.Advance(10 * time.Second)
		result, err := m.Execute(ctx, "ledger", succeeding(&calls), 0)
		require.NoError(t, err)
		assert.Equal(t, "stale", result)
		assert.Equal(t, 3, calls)

		fake.Advance(21 * time.Second)
		result, err = m.Execute(ctx, "ledger", succeeding(&calls), 0)
		require.NoError(t, err)
		assert.Equal(t, "ok", result)

		state, _ = m.State("ledger")
		assert.Equal(t, StateClosed, state)

		moves, err := m.Transitions("ledger")
		require.NoError(t, err)
		require.Len(t, moves, 3)
		assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, []State{moves[0].To, moves[1].To, moves[2].To})
	})

	t.Run("half-open needs consecutive successes and any failure reopens", func(t *testing.T) {
		m, fake := newTestManager(t, "search", Settings{
			FailureThreshold: 1,
			SuccessThreshold: 3,
			RecoveryTimeout:  time.Minute,
		})
		calls := 0
		_, _ = m.Execute(ctx, "search", failing(&calls), 0)
		fake.Advance(time.Minute)

		_, _ = m.Execute(ctx, "search", succeeding(&calls), 0)
		_, _ = m.Execute(ctx, "search", succeeding(&calls), 0)
		s, _ := m.Status("search")
		assert.Equal(t, StateHalfOpen, s.State)
		assert.Equal(t, 2, s.Successes)

		_, _ = m.Execute(ctx, "search", failing(&calls), 0)
		s, _ = m.Status("search")
		assert.Equal(t, StateOpen, s.State)
		assert.Equal(t, 0, s.Successes)
		assert.Equal(t, fake.Now(), s.LastStateChange)

		fake.Advance(time.Minute)
		for i := 0; i < 3; i++ {
			_, _ = m.Execute(ctx, "search", succeeding(&calls), 0)
		}
		s, _ = m.Status("search")
		assert.Equal(t, StateClosed, s.State)
	})

	t.Run("timeouts count as failures", func(t *testing.T) {
		m, fake := newTestManager(t, "slow", Settings{FailureThreshold: 1, Timeout: 2 * time.Second})

		type res struct {
			v   any
			err error
		}
		out := make(chan res, 1)
		go func() {
			v, err := m.Execute(ctx, "slow", func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}, 0)
			out <- res{v, err}
		}()

		require.Eventually(t, func() bool { return fake.Waiters() > 0 }, time.Second, time.Millisecond)
		fake.Advance(2 * time.Second)

		r := <-out
		require.ErrorIs(t, r.err, ErrCircuitTimeout)
		var timeoutErr *TimeoutError
		require.ErrorAs(t, r.err, &timeoutErr)
		assert.Equal(t, "slow", timeoutErr.Name)

		s, _ := m.Status("slow")
		assert.Equal(t, StateOpen, s.State)
		assert.Equal(t, int64(1), s.Stats.Timeouts)
	})

	t.Run("calls without an explicit timeout use the default bound", func(t *testing.T) {
		m, fake := newTestManager(t, "ledger", Settings{FailureThreshold: 3})

		errc := make(chan error, 1)
		go func() {
			_, err := m.Execute(ctx, "ledger", func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}, 0)
			errc <- err
		}()

		require.Eventually(t, func() bool { return fake.Waiters() > 0 }, time.Second, time.Millisecond)
		fake.Advance(DefaultSettings().Timeout)

		err := <-errc
		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, 10*time.Second, timeoutErr.Timeout)

		s, _ := m.Status("ledger")
		assert.Equal(t, 1, s.Failures)
		assert.Equal(t, int64(1), s.Stats.Timeouts)
	})

	t.Run("results from an earlier generation are ignored", func(t *testing.T) {
		m, _ := newTestManager(t, "cache", Settings{FailureThreshold: 1})
		_, err := m.Execute(ctx, "cache", func(ctx context.Context) (any, error) {
			assert.NoError(t, m.Open("cache", "ops", "maintenance"))
			assert.NoError(t, m.Close("cache", "ops", "maintenance done"))
			return nil, errUnavailable
		}, 0)
		require.ErrorIs(t, err, errUnavailable)

		s, _ := m.Status("cache")
		assert.Equal(t, StateClosed, s.State, "stale failure must not reopen the breaker")
		assert.Equal(t, 0, s.Failures)
	})
}

func TestManager_ManualOverride(t *testing.T) {
	auditor := &recordingAuditor{}
	m, _ := newTestManager(t, "payments", Settings{}, WithAuditor(auditor))

	var seen []Transition
	m.OnStateChange(func(tr Transition) { seen = append(seen, tr) })

	require.NoError(t, m.Open("payments", "alice", "provider incident"))
	require.NoError(t, m.Close("payments", "alice", "provider recovered"))

	require.Len(t, seen, 3)
	assert.Equal(t, StateOpen, seen[0].To)
	assert.Equal(t, StateOpen, seen[1].From)
	assert.Equal(t, StateHalfOpen, seen[1].To)
	assert.Equal(t, StateClosed, seen[2].To)
	for _, tr := range seen {
		assert.Equal(t, "alice", tr.Actor)
		assert.False(t, tr.From == StateOpen && tr.To == StateClosed)
	}

	assert.Equal(t, []string{
		"alice breaker.open payments provider incident",
		"alice breaker.close payments provider recovered",
	}, auditor.entries)

	t.Run("closing a closed breaker is audited but not a transition", func(t *testing.T) {
		require.NoError(t, m.Close("payments", "bob", "noop"))
		assert.Len(t, seen, 3)
		assert.Len(t, auditor.entries, 3)
	})
}

func TestCall(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "rates", Settings{
		FailureThreshold: 1,
		Fallback:         1.0,
		FallbackEnabled:  true,
	})

	v, err := Call(ctx, m, "rates", func(ctx context.Context) (float64, error) { return 1.25, nil }, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)

	_, err = Call(ctx, m, "rates", func(ctx context.Context) (float64, error) { return 0, errUnavailable }, 0)
	require.ErrorIs(t, err, errUnavailable)

	v, err = Call(ctx, m, "rates", func(ctx context.Context) (float64, error) { return 9, nil }, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	_, err = Call(ctx, m, "rates", func(ctx context.Context) (string, error) { return "x", nil }, 0)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
