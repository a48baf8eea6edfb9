package ha

import (
	"fmt"
	"testing"
	"time"

	"github.com/FairForge/bulwark/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pickN(t *testing.T, o *Coordinator, service string, algo Algorithm, n int) map[string]int {
	t.Helper()
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		inst, err := o.SelectInstance(service, algo, "")
		require.NoError(t, err)
		counts[inst.ID]++
	}
	return counts
}

func TestSelectInstance(t *testing.T) {
	t.Run("round robin cycles eligible instances", func(t *testing.T) {
		o, _ := newTestCoordinator(t)
		register(t, o, "api", "a", "b", "c")

		var got []string
		for i := 0; i < 4; i++ {
			inst, err := o.SelectInstance("api", RoundRobin, "")
			require.NoError(t, err)
			got = append(got, inst.ID)
		}
		assert.Equal(t, []string{"a", "b", "c", "a"}, got)
	})

	t.Run("weighted round robin follows weights", func(t *testing.T) {
		o, _ := newTestCoordinator(t)
		require.NoError(t, o.RegisterInstance(Instance{ID: "a", Service: "api", Weight: 5}))
		require.NoError(t, o.RegisterInstance(Instance{ID: "b", Service: "api", Weight: 1}))
		require.NoError(t, o.RegisterInstance(Instance{ID: "c", Service: "api", Weight: 1}))

		counts := pickN(t, o, "api", WeightedRoundRobin, 7)
		assert.Equal(t, map[string]int{"a": 5, "b": 1, "c": 1}, counts)
	})

	t.Run("least connections", func(t *testing.T) {
		o, _ := newTestCoordinator(t)
		register(t, o, "api", "a", "b", "c")
		require.NoError(t, o.Acquire("a"))
		require.NoError(t, o.Acquire("a"))
		require.NoError(t, o.Acquire("b"))
		require.NoError(t, o.Acquire("c"))
		require.NoError(t, o.Release("c"))

		inst, err := o.SelectInstance("api", LeastConnections, "")
		require.NoError(t, err)
		assert.Equal(t, "c", inst.ID)
	})

	t.Run("least response time samples unmeasured instances first", func(t *testing.T) {
		o, _ := newTestCoordinator(t)
		register(t, o, "api", "a", "b", "c")
		require.NoError(t, o.ObserveResponseTime("a", 100*time.Millisecond))
		require.NoError(t, o.ObserveResponseTime("b", 20*time.Millisecond))

		inst, err := o.SelectInstance("api", LeastResponseTime, "")
		require.NoError(t, err)
		assert.Equal(t, "c", inst.ID)

		require.NoError(t, o.ObserveResponseTime("c", 50*time.Millisecond))
		inst, err = o.SelectInstance("api", LeastResponseTime, "")
		require.NoError(t, err)
		assert.Equal(t, "b", inst.ID)
	})

	t.Run("session hash is sticky across membership changes", func(t *testing.T) {
		o, _ := newTestCoordinator(t)
		register(t, o, "api", "a", "b", "c")

		before := make(map[string]string)
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("session-%d", i)
			inst, err := o.SelectInstance("api", SessionHash, key)
			require.NoError(t, err)
			again, err := o.SelectInstance("api", SessionHash, key)
			require.NoError(t, err)
			assert.Equal(t, inst.ID, again.ID)
			before[key] = inst.ID
		}

		require.NoError(t, o.DeregisterInstance("b"))
		for key, id := range before {
			if id == "b" {
				continue
			}
			inst, err := o.SelectInstance("api", SessionHash, key)
			require.NoError(t, err)
			assert.Equal(t, id, inst.ID, key)
		}
	})

	t.Run("health aware chooses among the top three", func(t *testing.T) {
		o, _ := newTestCoordinator(t)
		register(t, o, "api", "a", "b", "c", "d")
		markHealthy(t, o, "a", "b", "c", "d")
		require.NoError(t, o.ObserveResponseTime("d", 500*time.Millisecond))
		for i := 0; i < 10; i++ {
			require.NoError(t, o.Acquire("d"))
		}

		counts := pickN(t, o, "api", HealthAware, 300)
		assert.Zero(t, counts["d"])
		assert.Positive(t, counts["a"])
		assert.Positive(t, counts["b"])
		assert.Positive(t, counts["c"])
	})

	t.Run("unhealthy instances are never selected", func(t *testing.T) {
		o, _ := newTestCoordinator(t)
		register(t, o, "api", "a", "b")
		markUnhealthy(t, o, "a")

		for _, algo := range []Algorithm{RoundRobin, WeightedRoundRobin, LeastConnections, LeastResponseTime, SessionHash, HealthAware} {
			counts := pickN(t, o, "api", algo, 5)
			assert.Equal(t, map[string]int{"b": 5}, counts, string(algo))
		}

		markUnhealthy(t, o, "b")
		_, err := o.SelectInstance("api", RoundRobin, "")
		assert.ErrorIs(t, err, ErrNoHealthyInstance)
	})

	t.Run("unknown service", func(t *testing.T) {
		o, _ := newTestCoordinator(t)
		_, err := o.SelectInstance("missing", RoundRobin, "")
		assert.True(t, errs.IsConfiguration(err))
	})
}

func TestObserveResponseTime(t *testing.T) {
	o, _ := newTestCoordinator(t)
	register(t, o, "api", "a")
	require.NoError(t, o.ObserveResponseTime("a", 100*time.Millisecond))
	require.NoError(t, o.ObserveResponseTime("a", 200*time.Millisecond))

	s, err := o.InstanceStatus("a")
	require.NoError(t, err)
	assert.InDelta(t, float64(130*time.Millisecond), float64(s.ResponseTime), float64(time.Microsecond))
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("least_connections")
	require.NoError(t, err)
	assert.Equal(t, LeastConnections, a)

	a, err = ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, a)

	_, err = ParseAlgorithm("random")
	assert.Error(t, err)
}
