// Package ratelimit bounds guest creation and message sending with Redis
// fixed-window counters.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter decides whether one more action under key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// fixedWindowScript increments the counter and starts the window on the
// first hit so INCR and EXPIRE happen atomically.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
    return 0
end
return 1
`)

// RedisLimiter is a fixed-window limiter backed by Redis.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
}

// NewRedisLimiter builds a limiter; keys are namespaced under prefix.
func NewRedisLimiter(client redis.Scripter, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	result, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, limit, seconds).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// FailOpen wraps a limiter so backend errors allow the action and are logged.
type FailOpen struct {
	next   Limiter
	logger *zap.Logger
}

// NewFailOpen wraps next.
func NewFailOpen(next Limiter, logger *zap.Logger) *FailOpen {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailOpen{next: next, logger: logger}
}

// Allow implements Limiter.
func (f *FailOpen) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	allowed, err := f.next.Allow(ctx, key, limit, window)
	if err != nil {
		f.logger.Warn("rate limiter unavailable, allowing request", zap.String("key", key), zap.Error(err))
		return true, nil
	}
	return allowed, nil
}

// Noop allows everything; used when limiting is disabled or Redis is absent.
type Noop struct{}

// Allow implements Limiter.
func (Noop) Allow(context.Context, string, int, time.Duration) (bool, error) { return true, nil }
