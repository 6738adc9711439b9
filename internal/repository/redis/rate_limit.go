package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/lledo-industries/auth-core/internal/core/port"
)

const defaultRateLimitPrefix = "ratelimit"

// RateLimiter is a fixed-window counter shared by every instance. The first
// hit of a window creates the key and arms its expiry; the key vanishing is
// the window reset.
type RateLimiter struct {
	client *red.Client
	prefix string
	now    func() time.Time
}

// NewRateLimiter constructs a limiter using the provided Redis client and key prefix.
func NewRateLimiter(client *red.Client, keyPrefix string) *RateLimiter {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RateLimiter{client: client, prefix: prefix, now: time.Now}
}

// WithClock overrides the internal clock, used in tests.
func (l *RateLimiter) WithClock(clock func() time.Time) {
	if clock != nil {
		l.now = clock
	}
}

// Allow increments the counter for key and reports whether it is still within limit.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (port.RateDecision, error) {
	if limit <= 0 {
		return port.RateDecision{}, errors.New("limit must be positive")
	}
	if window <= 0 {
		return port.RateDecision{}, errors.New("window must be positive")
	}

	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return port.RateDecision{}, fmt.Errorf("redis incr rate limit: %w", err)
	}

	remainingTTL := ttl.Val()
	if remainingTTL < 0 {
		if err := l.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return port.RateDecision{}, fmt.Errorf("redis pexpire rate limit: %w", err)
		}
		remainingTTL = window
	}

	count := int(incr.Val())
	decision := port.RateDecision{
		Allowed: count <= limit,
		Limit:   limit,
		ResetAt: l.now().Add(remainingTTL),
	}
	if decision.Allowed {
		decision.Remaining = limit - count
	} else {
		decision.RetryAfter = remainingTTL
	}
	return decision, nil
}

var _ port.RateLimiter = (*RateLimiter)(nil)
