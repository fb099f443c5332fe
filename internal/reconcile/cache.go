package reconcile

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lifecycle_backend/internal/ledger"
	"lifecycle_backend/platform/config"

	"github.com/redis/go-redis/v9"
)

const statusCacheKeyPrefix = "reconcile:event:"

// CachedOutcome is what the status cache remembers about a processed event.
type CachedOutcome struct {
	Status     ledger.ProcessingStatus `json:"status"`
	Reason     string                  `json:"reason,omitempty"`
	EventType  string                  `json:"eventType"`
	EntityKind string                  `json:"entityKind,omitempty"`
	EntityID   string                  `json:"entityId,omitempty"`
}

// StatusCache is a fast path in front of the idempotency table. It only
// ever holds terminal outcomes; a miss falls through to the database.
type StatusCache interface {
	Get(ctx context.Context, provider, externalID string) (CachedOutcome, bool, error)
	Set(ctx context.Context, provider, externalID string, out CachedOutcome) error
}

// RedisStatusCache stores outcomes in Redis with a TTL.
type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusCache connects to the configured Redis.
func NewRedisStatusCache(cfg config.StatusCacheConfig) (*RedisStatusCache, error) {
	if cfg.GetRedisURL() == "" {
		return nil, fmt.Errorf("redis url not configured")
	}
	opt, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.GetRedisTLSInsecure() {
		if opt.TLSConfig == nil {
			opt.TLSConfig = &tls.Config{}
		}
		opt.TLSConfig.InsecureSkipVerify = true
	}
	return NewRedisStatusCacheFromClient(redis.NewClient(opt), cfg.GetStatusCacheTTL()), nil
}

// NewRedisStatusCacheFromClient wraps an existing client.
func NewRedisStatusCacheFromClient(client *redis.Client, ttl time.Duration) *RedisStatusCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStatusCache{client: client, ttl: ttl}
}

func (c *RedisStatusCache) Get(ctx context.Context, provider, externalID string) (CachedOutcome, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(provider, externalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedOutcome{}, false, nil
	}
	if err != nil {
		return CachedOutcome{}, false, fmt.Errorf("status cache get: %w", err)
	}

	var out CachedOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return CachedOutcome{}, false, fmt.Errorf("status cache decode: %w", err)
	}
	if !out.Status.IsTerminal() {
		return CachedOutcome{}, false, nil
	}
	return out, true, nil
}

func (c *RedisStatusCache) Set(ctx context.Context, provider, externalID string, out CachedOutcome) error {
	if !out.Status.IsTerminal() {
		return fmt.Errorf("status cache: refusing to cache non-terminal status %s", out.Status)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("status cache encode: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(provider, externalID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("status cache set: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisStatusCache) Close() error {
	return c.client.Close()
}

// Ping checks connectivity.
func (c *RedisStatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func cacheKey(provider, externalID string) string {
	return statusCacheKeyPrefix + provider + ":" + externalID
}

type noopStatusCache struct{}

func (noopStatusCache) Get(context.Context, string, string) (CachedOutcome, bool, error) {
	return CachedOutcome{}, false, nil
}

func (noopStatusCache) Set(context.Context, string, string, CachedOutcome) error { return nil }
