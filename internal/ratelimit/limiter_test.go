package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiterFixedWindowSequence(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	limiter := New(WithClock(clock.Now))
	ctx := context.Background()
	window := 60 * time.Second

	want := []struct {
		allowed   bool
		remaining int
	}{
		{true, 2},
		{true, 1},
		{true, 0},
		{false, 0},
	}

	for i, w := range want {
		decision, err := limiter.Allow(ctx, "203.0.113.9", 3, window)
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
		if decision.Allowed != w.allowed || decision.Remaining != w.remaining {
			t.Fatalf("call %d: expected allowed=%v remaining=%d, got %+v", i+1, w.allowed, w.remaining, decision)
		}
		clock.Advance(time.Second)
	}

	rejected, _ := limiter.Allow(ctx, "203.0.113.9", 3, window)
	if rejected.RetryAfter != 56*time.Second {
		t.Fatalf("expected retry-after 56s, got %v", rejected.RetryAfter)
	}

	clock.Advance(window)

	decision, err := limiter.Allow(ctx, "203.0.113.9", 3, window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed || decision.Remaining != 2 {
		t.Fatalf("expected fresh bucket with remaining 2, got %+v", decision)
	}
}

func TestLimiterResetsAtExactBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	limiter := New(WithClock(clock.Now))
	ctx := context.Background()

	if d, _ := limiter.Allow(ctx, "k", 1, time.Minute); !d.Allowed {
		t.Fatalf("first call must be allowed")
	}
	if d, _ := limiter.Allow(ctx, "k", 1, time.Minute); d.Allowed {
		t.Fatalf("second call must be rejected")
	}

	clock.Advance(time.Minute)
	if d, _ := limiter.Allow(ctx, "k", 1, time.Minute); !d.Allowed {
		t.Fatalf("call at reset time must start a new window")
	}
}

func TestLimiterNeverExceedsLimitConcurrently(t *testing.T) {
	limiter := New()
	ctx := context.Background()

	const (
		limit   = 50
		callers = 200
	)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(ctx, "shared", limit, time.Hour)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Fatalf("expected exactly %d allowed calls, got %d", limit, got)
	}
}

func TestLimiterSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	limiter := New(WithClock(clock.Now))
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "short", 5, time.Second)
	_, _ = limiter.Allow(ctx, "long", 5, time.Hour)

	clock.Advance(2 * time.Second)

	if removed := limiter.Sweep(); removed != 1 {
		t.Fatalf("expected one bucket swept, got %d", removed)
	}
	if limiter.Len() != 1 {
		t.Fatalf("expected one bucket left, got %d", limiter.Len())
	}
}

func TestLimiterRejectsInvalidArguments(t *testing.T) {
	limiter := New()
	if _, err := limiter.Allow(context.Background(), "k", 0, time.Second); err != ErrInvalidArguments {
		t.Fatalf("expected ErrInvalidArguments, got %v", err)
	}
}
