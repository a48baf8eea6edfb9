package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
	err    error
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisCache(t *testing.T) {
	t.Run("export sets key with ttl", func(t *testing.T) {
		fake := newFakeRedis()
		cache := NewRedisCache(fake, "", 0, nil)

		snap := Snapshot{Kind: KindDashboard, TakenAt: epoch, Data: []byte(`{"status":"OPTIMAL"}`)}
		require.NoError(t, cache.Export(context.Background(), snap))

		assert.Equal(t, "bulwark:snapshot:dashboard", cache.Key(KindDashboard))
		assert.Equal(t, DefaultSnapshotTTL, fake.ttls["bulwark:snapshot:dashboard"])

		got, err := cache.Latest(context.Background(), KindDashboard)
		require.NoError(t, err)
		assert.Equal(t, snap.Data, got.Data)
		assert.True(t, epoch.Equal(got.TakenAt))
	})

	t.Run("missing key", func(t *testing.T) {
		cache := NewRedisCache(newFakeRedis(), "ops", time.Minute, nil)
		_, err := cache.Latest(context.Background(), KindSLOs)
		assert.ErrorIs(t, err, ErrNoSnapshot)
	})

	t.Run("set failure is wrapped", func(t *testing.T) {
		fake := newFakeRedis()
		fake.err = errors.New("READONLY")
		cache := NewRedisCache(fake, "ops", time.Minute, nil)

		err := cache.Export(context.Background(), Snapshot{Kind: KindSLOs})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "set snapshot slos")
		assert.Error(t, cache.HealthCheck(context.Background()))
	})

	t.Run("close", func(t *testing.T) {
		fake := newFakeRedis()
		require.NoError(t, NewRedisCache(fake, "", 0, nil).Close())
		assert.True(t, fake.closed)
	})
}

type exporterFunc func(context.Context, Snapshot) error

func (f exporterFunc) Export(ctx context.Context, s Snapshot) error { return f(ctx, s) }

func TestMulti(t *testing.T) {
	var calls int
	ok := exporterFunc(func(context.Context, Snapshot) error { calls++; return nil })
	boom := errors.New("boom")
	bad := exporterFunc(func(context.Context, Snapshot) error { calls++; return boom })

	err := Multi{bad, ok}.Export(context.Background(), Snapshot{Kind: KindSLOs})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)

	assert.NoError(t, Multi{ok}.Export(context.Background(), Snapshot{}))
}

func TestConnectRedis_BadURL(t *testing.T) {
	_, err := ConnectRedis(context.Background(), "not a url", "", 0, nil)
	assert.Error(t, err)
}
