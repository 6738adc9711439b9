// Package ratelimit holds the process-local fixed-window limiter.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/port"
)

// ErrInvalidArguments is returned for a non-positive limit or window.
var ErrInvalidArguments = errors.New("ratelimit: limit and window must be positive")

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window limiter keyed by an arbitrary string. Every
// increment-and-compare happens under one mutex, so concurrent callers can
// observe a stale remaining count but never exceed the limit.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures the limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New constructs an empty limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one request for key. A bucket is created on first
// observation and restarts with count 1 once now reaches its reset time.
func (l *Limiter) Allow(_ context.Context, key string, limit int, window time.Duration) (port.RateDecision, error) {
	if limit <= 0 || window <= 0 {
		return port.RateDecision{}, ErrInvalidArguments
	}

	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		l.buckets[key] = b
	}
	b.count++
	count, resetAt := b.count, b.resetAt
	l.mu.Unlock()

	decision := port.RateDecision{
		Allowed: count <= limit,
		Limit:   limit,
		ResetAt: resetAt,
	}
	if decision.Allowed {
		decision.Remaining = limit - count
	} else {
		decision.RetryAfter = resetAt.Sub(now)
	}
	return decision, nil
}

// Sweep drops buckets whose window has ended and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				l.logger.Debug("rate limit buckets swept", zap.Int("removed", removed))
			}
		}
	}
}

var _ port.RateLimiter = (*Limiter)(nil)
