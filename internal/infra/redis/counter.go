package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/snapkeeper/internal/metrics"
)

// releaseScript decrements the counter but never below zero.
var releaseScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

// Counter is the fast, best-effort copy limiter: INCR on a shared key, undone
// with DECR when over the limit. The key expires so slots leaked by a crashed
// holder come back after ttl.
type Counter struct {
	rdb *redis.Client
	key string
	ttl time.Duration
	log *slog.Logger
}

// NewCounter creates a Counter on key.
func NewCounter(client *Client, key string, ttl time.Duration, logger *slog.Logger) *Counter {
	if key == "" {
		key = "copy:counter"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{
		rdb: client.rdb,
		key: key,
		ttl: ttl,
		log: logger.With("component", "limiter", "backend", "redis"),
	}
}

// Acquire takes a slot when fewer than limit are held.
func (c *Counter) Acquire(ctx context.Context, limit int) (bool, error) {
	n, err := c.rdb.Incr(ctx, c.key).Result()
	if err != nil {
		return false, fmt.Errorf("incr failed: %w", err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, c.key, c.ttl).Err(); err != nil {
			c.log.Warn("Failed to set counter expiry", "key", c.key, "error", err)
		}
	}
	if n > int64(limit) {
		if err := c.rdb.Decr(ctx, c.key).Err(); err != nil {
			return false, fmt.Errorf("decr failed: %w", err)
		}
		metrics.CopySlotsInUse.Set(float64(limit))
		return false, nil
	}
	metrics.CopySlotsInUse.Set(float64(n))
	return true, nil
}

// Release gives a slot back, flooring the counter at zero.
func (c *Counter) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, c.rdb, []string{c.key}).Int64()
	if err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	metrics.CopySlotsInUse.Set(float64(n))
	return nil
}

// Count returns the held slots.
func (c *Counter) Count(ctx context.Context) (int, error) {
	n, err := c.rdb.Get(ctx, c.key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get failed: %w", err)
	}
	return max(n, 0), nil
}
