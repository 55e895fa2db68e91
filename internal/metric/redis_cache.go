package metric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/promptlab/internal/configuration"
)

const (
	defaultPoolSize   = 10
	connectionTimeout = 5 * time.Second
)

// redisClient is the subset of the go-redis client the cache uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisCache shares evaluation results between processes. Redis failures
// degrade to cache misses.
type RedisCache struct {
	client redisClient
	ttl    time.Duration
	logger *slog.Logger

	errors atomic.Int64
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client redisClient, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "metric_cache"),
	}
}

// DialRedisCache connects using cfg and verifies the connection.
func DialRedisCache(ctx context.Context, cfg configuration.MetricCacheConfig) (*RedisCache, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: defaultPoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis metric cache: %w", err)
	}
	return NewRedisCache(client, cfg.TTL), client, nil
}

// Get returns the cached value, treating every Redis or decoding error as
// a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (map[string]any, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.errors.Add(1)
			c.logger.Warn("metric cache read failed", "key", key, "error", err)
		}
		return nil, false
	}

	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		c.errors.Add(1)
		c.logger.Warn("metric cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	return value, true
}

// Set stores value with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value map[string]any) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("metric cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.errors.Add(1)
		c.logger.Warn("metric cache write failed", "key", key, "error", err)
	}
}

// Errors returns the number of Redis failures absorbed.
func (c *RedisCache) Errors() int64 { return c.errors.Load() }
