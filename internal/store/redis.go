package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultSnapshotTTL bounds how long an exported snapshot may be served
const DefaultSnapshotTTL = 5 * time.Minute

// RedisClient is the subset of the go-redis client the cache uses
type RedisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisCache keeps the latest snapshot of each kind under
// "<prefix>:snapshot:<kind>" with a TTL
type RedisCache struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache wraps client. A non-positive ttl uses DefaultSnapshotTTL.
func NewRedisCache(client RedisClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if prefix == "" {
		prefix = "bulwark"
	}
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// ConnectRedis parses url, connects and verifies the connection
func ConnectRedis(ctx context.Context, url, prefix string, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisCache(client, prefix, ttl, logger), nil
}

// Key returns the key holding the snapshot of kind
func (r *RedisCache) Key(kind string) string {
	return r.prefix + ":snapshot:" + kind
}

// Export implements Exporter
func (r *RedisCache) Export(ctx context.Context, snap Snapshot) error {
	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.Key(snap.Kind), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot %s: %w", snap.Kind, err)
	}
	r.logger.Debug("snapshot cached", zap.String("kind", snap.Kind), zap.Duration("ttl", r.ttl))
	return nil
}

// Latest returns the cached snapshot of kind, or ErrNoSnapshot once it
// has expired
func (r *RedisCache) Latest(ctx context.Context, kind string) (Snapshot, error) {
	value, err := r.client.Get(ctx, r.Key(kind)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", kind, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", kind, err)
	}
	return snap, nil
}

// HealthCheck pings redis
func (r *RedisCache) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client
func (r *RedisCache) Close() error {
	return r.client.Close()
}
