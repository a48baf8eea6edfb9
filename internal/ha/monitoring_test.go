package ha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FairForge/bulwark/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	probe := NewHTTPProbe(srv.Client())
	inst := Instance{ID: "a", Service: "api", Address: srv.URL + "/"}
	assert.NoError(t, probe.Check(context.Background(), inst))

	probe.Path = "/ready"
	assert.Error(t, probe.Check(context.Background(), inst))
}

func TestCoordinator_HealthChecks(t *testing.T) {
	var calls atomic.Int32
	var failing atomic.Bool
	probe := ProbeFunc(func(ctx context.Context, inst Instance) error {
		calls.Add(1)
		if failing.Load() {
			return errProbe
		}
		return nil
	})

	o, fake := newTestCoordinator(t, WithProbe(probe))
	register(t, o, "api", "a", "b")

	t.Run("configure validates", func(t *testing.T) {
		assert.True(t, errs.IsConfiguration(o.ConfigureHealthCheck(HealthCheckConfig{InstanceID: "missing"})))
		assert.True(t, errs.IsConfiguration(o.ConfigureHealthCheck(HealthCheckConfig{InstanceID: "a", HealthyThreshold: 11})))
	})

	require.NoError(t, o.ConfigureHealthCheck(HealthCheckConfig{InstanceID: "a", Interval: 30 * time.Second}))
	require.NoError(t, o.ConfigureHealthCheck(HealthCheckConfig{InstanceID: "b", Interval: time.Minute, HealthyThreshold: 1}))

	t.Run("each endpoint runs on its own interval", func(t *testing.T) {
		assert.Equal(t, 2, o.RunHealthChecks(context.Background()))
		assert.Equal(t, 0, o.RunHealthChecks(context.Background()))

		fake.Advance(30 * time.Second)
		assert.Equal(t, 1, o.RunHealthChecks(context.Background()))

		fake.Advance(30 * time.Second)
		assert.Equal(t, 2, o.RunHealthChecks(context.Background()))
		assert.Equal(t, int32(5), calls.Load())
	})

	t.Run("statuses follow thresholds", func(t *testing.T) {
		a, _ := o.InstanceStatus("a")
		b, _ := o.InstanceStatus("b")
		assert.Equal(t, HealthHealthy, a.Health)
		assert.Equal(t, HealthHealthy, b.Health)
	})

	t.Run("perform health check runs immediately", func(t *testing.T) {
		failing.Store(true)
		status, err := o.PerformHealthCheck(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, HealthDegraded, status)

		_, err = o.PerformHealthCheck(context.Background(), "missing")
		assert.True(t, errs.IsConfiguration(err))
	})

	t.Run("health counts", func(t *testing.T) {
		counts := o.HealthCounts()
		assert.Equal(t, 1, counts[HealthDegraded])
		assert.Equal(t, 1, counts[HealthHealthy])
	})
}
