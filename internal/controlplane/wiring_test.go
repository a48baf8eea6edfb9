package controlplane

import (
	"context"
	"sync"
	"testing"

	"github.com/FairForge/bulwark/internal/breaker"
	"github.com/FairForge/bulwark/internal/config"
	"github.com/FairForge/bulwark/internal/ha"
	"github.com/FairForge/bulwark/internal/notify"
	"github.com/FairForge/bulwark/internal/recovery"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDocker struct{}

func (fakeDocker) ContainerRestart(context.Context, string, container.StopOptions) error { return nil }

func TestBuildNotifier(t *testing.T) {
	t.Run("log fallback", func(t *testing.T) {
		n := BuildNotifier(config.NotifyConfig{}, nil, zap.NewNop())
		assert.IsType(t, &notify.Log{}, n)
	})

	t.Run("nats fallback", func(t *testing.T) {
		rec := &notify.Recorder{}
		n := BuildNotifier(config.NotifyConfig{}, rec, zap.NewNop())
		assert.Same(t, rec, n)
	})

	t.Run("webhook channels routed", func(t *testing.T) {
		rec := &notify.Recorder{}
		cfg := config.NotifyConfig{Webhooks: []config.WebhookChannelConfig{
			{Channel: "pager", URL: "https://pager.example.com", Headers: map[string]string{"X-Key": "k"}},
		}}
		n := BuildNotifier(cfg, rec, zap.NewNop())

		router, ok := n.(*notify.Router)
		require.True(t, ok)
		assert.Equal(t, []string{"pager"}, router.Channels())

		require.NoError(t, n.Notify(context.Background(), "slack", "P2", "hello", nil))
		assert.Equal(t, []string{"slack"}, rec.Channels())
	})
}

func TestBuildExecutors(t *testing.T) {
	breakers := breaker.NewManager()
	coord := ha.NewCoordinator()

	t.Run("core executors only", func(t *testing.T) {
		execs := BuildExecutors(config.ExecutorsConfig{}, breakers, coord, nil, zap.NewNop())

		for _, k := range []recovery.ActionKind{recovery.ActionOpenCircuit, recovery.ActionCloseCircuit, recovery.ActionFailoverReplica} {
			_, ok := execs.Get(k)
			assert.True(t, ok, k.String())
		}
		assert.Contains(t, execs.Missing(), recovery.ActionRestartService)
	})

	t.Run("docker and webhook cover the rest", func(t *testing.T) {
		cfg := config.ExecutorsConfig{Webhook: config.WebhookExecutorConfig{URL: "https://automation.example.com"}}
		execs := BuildExecutors(cfg, breakers, coord, fakeDocker{}, zap.NewNop())

		assert.Empty(t, execs.Missing())
		exec, ok := execs.Get(recovery.ActionRestartPool)
		require.True(t, ok)
		assert.IsType(t, &recovery.DockerExecutor{}, exec)
		exec, ok = execs.Get(recovery.ActionScaleUp)
		require.True(t, ok)
		assert.IsType(t, &recovery.WebhookExecutor{}, exec)
	})

	t.Run("webhook limited to listed actions", func(t *testing.T) {
		cfg := config.ExecutorsConfig{Webhook: config.WebhookExecutorConfig{
			URL:     "https://automation.example.com",
			Actions: []string{"clear_cache"},
		}}
		execs := BuildExecutors(cfg, breakers, coord, nil, zap.NewNop())

		_, ok := execs.Get(recovery.ActionClearCache)
		assert.True(t, ok)
		_, ok = execs.Get(recovery.ActionScaleUp)
		assert.False(t, ok)
	})

	t.Run("rate limit wraps executors", func(t *testing.T) {
		execs := BuildExecutors(config.ExecutorsConfig{RateLimit: 2, Burst: 1}, breakers, coord, nil, zap.NewNop())

		exec, ok := execs.Get(recovery.ActionOpenCircuit)
		require.True(t, ok)
		assert.IsType(t, &recovery.Throttled{}, exec)
	})
}

func TestQueue(t *testing.T) {
	t.Run("runs jobs in order", func(t *testing.T) {
		q := newQueue(zap.NewNop())
		q.start()

		var mu sync.Mutex
		var got []int
		for i := 0; i < 100; i++ {
			q.push(func() {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			})
		}
		q.drain()

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, got, 100)
		for i, v := range got {
			assert.Equal(t, i, v)
		}
		require.NoError(t, q.stop(context.Background()))
	})

	t.Run("drain without worker runs nested jobs", func(t *testing.T) {
		q := newQueue(zap.NewNop())
		ran := 0
		q.push(func() {
			ran++
			q.push(func() { ran++ })
		})
		q.drain()
		assert.Equal(t, 2, ran)
		assert.Equal(t, 0, q.backlog())
	})

	t.Run("panic does not stop the worker", func(t *testing.T) {
		q := newQueue(zap.NewNop())
		q.start()
		done := false
		q.push(func() { panic("boom") })
		q.push(func() { done = true })
		q.drain()
		assert.True(t, done)
		require.NoError(t, q.stop(context.Background()))
	})

	t.Run("push after stop is dropped", func(t *testing.T) {
		q := newQueue(zap.NewNop())
		require.NoError(t, q.stop(context.Background()))
		assert.False(t, q.push(func() {}))
		assert.Equal(t, 0, q.backlog())
	})
}
