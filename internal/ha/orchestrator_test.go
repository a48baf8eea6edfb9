package ha

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/FairForge/bulwark/internal/clock"
	"github.com/FairForge/bulwark/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProbe = errors.New("connection refused")

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	base := []Option{WithClock(fake), WithRand(rand.New(rand.NewPCG(1, 2)))}
	return NewCoordinator(append(base, opts...)...), fake
}

func register(t *testing.T, o *Coordinator, service string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, o.RegisterInstance(Instance{ID: id, Service: service, Address: "http://" + id}))
	}
}

func markHealthy(t *testing.T, o *Coordinator, ids ...string) {
	t.Helper()
	for _, id := range ids {
		for i := 0; i < 2; i++ {
			_, err := o.ReportHealthCheck(id, nil, 10*time.Millisecond)
			require.NoError(t, err)
		}
	}
}

func markUnhealthy(t *testing.T, o *Coordinator, ids ...string) {
	t.Helper()
	for _, id := range ids {
		for i := 0; i < 3; i++ {
			_, err := o.ReportHealthCheck(id, errProbe, 0)
			require.NoError(t, err)
		}
	}
}

func TestCoordinator_Registry(t *testing.T) {
	o, _ := newTestCoordinator(t)

	var events []Event
	o.Subscribe(func(e Event) { events = append(events, e) })

	t.Run("register validates and defaults weight", func(t *testing.T) {
		register(t, o, "orders", "orders-1", "orders-2")
		assert.True(t, errs.IsConfiguration(o.RegisterInstance(Instance{ID: "orders-1", Service: "orders"})))
		assert.True(t, errs.IsConfiguration(o.RegisterInstance(Instance{ID: "x"})))

		s, err := o.InstanceStatus("orders-1")
		require.NoError(t, err)
		assert.Equal(t, 1, s.Weight)
		assert.Equal(t, HealthUnknown, s.Health)
		assert.Equal(t, []string{"orders"}, o.Services())
	})

	t.Run("deregister removes the instance", func(t *testing.T) {
		require.NoError(t, o.DeregisterInstance("orders-2"))
		assert.Len(t, o.Instances("orders"), 1)
		assert.True(t, errs.IsConfiguration(o.DeregisterInstance("orders-2")))

		require.NoError(t, o.DeregisterInstance("orders-1"))
		assert.Empty(t, o.Services())
	})

	require.Len(t, events, 4)
	assert.Equal(t, EventInstanceRegistered, events[0].Type)
	assert.Equal(t, EventInstanceDeregistered, events[3].Type)
}

func TestNextHealth(t *testing.T) {
	tests := []struct {
		name    string
		current HealthStatus
		results []bool
		want    HealthStatus
	}{
		{"unknown needs consecutive successes", HealthUnknown, []bool{true}, HealthUnknown},
		{"unknown becomes healthy", HealthUnknown, []bool{true, true}, HealthHealthy},
		{"single failure degrades", HealthHealthy, []bool{true, true, false}, HealthDegraded},
		{"failures in window make unhealthy", HealthDegraded, []bool{false, true, true, false, true, true, false}, HealthUnhealthy},
		{"one success does not recover", HealthUnhealthy, []bool{false, false, false, true}, HealthUnhealthy},
		{"consecutive successes recover", HealthUnhealthy, []bool{false, false, false, true, true}, HealthHealthy},
		{"unhealthy stays unhealthy on failure", HealthUnhealthy, []bool{true, false}, HealthUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextHealth(tt.current, tt.results, 2, 3))
		})
	}
}

func TestCoordinator_ReportHealthCheck(t *testing.T) {
	o, _ := newTestCoordinator(t)
	register(t, o, "search", "search-1")

	var changes []Event
	o.Subscribe(func(e Event) {
		if e.Type == EventHealthChanged {
			changes = append(changes, e)
		}
	})

	markHealthy(t, o, "search-1")
	status, err := o.ReportHealthCheck("search-1", errProbe, 0)
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, status)

	s, _ := o.InstanceStatus("search-1")
	assert.Equal(t, errProbe.Error(), s.LastError)

	require.Len(t, changes, 2)
	assert.Equal(t, HealthUnknown, changes[0].From)
	assert.Equal(t, HealthHealthy, changes[0].To)
	assert.Equal(t, HealthDegraded, changes[1].To)

	_, err = o.ReportHealthCheck("missing", nil, 0)
	assert.True(t, errs.IsConfiguration(err))
}
