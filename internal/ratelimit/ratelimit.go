// Package ratelimit provides Redis-based admission limits for relay connections
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrRateLimited is returned when a rate limit is exceeded
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter counts connection attempts per remote IP in fixed windows
type Limiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	log    *zap.Logger
}

// NewLimiter creates a limiter allowing limit attempts per window. A nil
// client or a non-positive limit allows everything.
func NewLimiter(client *redis.Client, limit int, window time.Duration, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{redis: client, limit: limit, window: window, log: log}
}

// AllowConnect checks the per-IP handshake limit.
// Returns nil if allowed, ErrRateLimited if the limit is exceeded
func (l *Limiter) AllowConnect(ctx context.Context, ip string) error {
	if l == nil || l.redis == nil || l.limit <= 0 {
		// If Redis is unavailable, allow the request (fail-open for availability)
		return nil
	}

	key := fmt.Sprintf("ratelimit:connect:ip:%s", ip)
	if err := l.checkLimit(ctx, key, l.limit, l.window); err != nil {
		l.log.Warn("connect rate limit exceeded", zap.String("ip", ip))
		return ErrRateLimited
	}
	return nil
}

// checkLimit performs the actual rate limit check using Redis INCR
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		// Fail-open on Redis errors to maintain availability
		l.log.Debug("rate limit check skipped", zap.Error(err))
		return nil
	}

	// If this is the first request, set the expiry
	if count == 1 {
		l.redis.Expire(ctx, key, window)
	}

	if int(count) > limit {
		return ErrRateLimited
	}
	return nil
}

// Remaining returns how many connection attempts ip has left in the
// current window
func (l *Limiter) Remaining(ctx context.Context, ip string) (int, error) {
	if l == nil || l.redis == nil || l.limit <= 0 {
		return l.limitOrZero(), nil
	}

	key := fmt.Sprintf("ratelimit:connect:ip:%s", ip)
	count, err := l.redis.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return l.limit, nil
	}
	if err != nil {
		return l.limit, err
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (l *Limiter) limitOrZero() int {
	if l == nil {
		return 0
	}
	return l.limit
}
