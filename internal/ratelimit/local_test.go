package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(perMinute int) (*Local, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLocal(perMinute)
	l.now = clock.now
	return l, clock
}

func TestLocalAllowsUpToCapacity(t *testing.T) {
	l, _ := newTestLimiter(30)
	ctx := context.Background()

	for i := range 30 {
		d, err := l.TryAcquire(ctx, "user-1")
		if err != nil {
			t.Fatalf("acquire %d: unexpected error: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("acquire %d: expected allowed", i+1)
		}
	}

	d, err := l.TryAcquire(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("31st immediate acquire: expected denial")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %s", d.RetryAfter)
	}
}

func TestLocalRefillsOverTime(t *testing.T) {
	l, clock := newTestLimiter(60) // 1 token per second
	ctx := context.Background()

	for range 60 {
		if d, _ := l.TryAcquire(ctx, "u"); !d.Allowed {
			t.Fatal("expected allowed while under capacity")
		}
	}
	if d, _ := l.TryAcquire(ctx, "u"); d.Allowed {
		t.Fatal("expected denial at capacity")
	}

	clock.advance(2 * time.Second)
	if d, _ := l.TryAcquire(ctx, "u"); !d.Allowed {
		t.Fatal("expected allowed after refill")
	}
}

func TestLocalTokensStayInRange(t *testing.T) {
	l, clock := newTestLimiter(5)
	ctx := context.Background()

	// Mixed sequence of drains and long idle periods.
	for range 7 {
		_, _ = l.TryAcquire(ctx, "u")
	}
	clock.advance(time.Hour) // far beyond full refill
	d, _ := l.TryAcquire(ctx, "u")

	if d.Remaining < 0 || d.Remaining > 5 {
		t.Fatalf("tokens out of [0, capacity]: %f", d.Remaining)
	}
	// Capped at capacity, one consumed.
	if d.Remaining != 4 {
		t.Fatalf("expected 4 remaining after cap+decrement, got %f", d.Remaining)
	}
}

func TestLocalIsolatesUsers(t *testing.T) {
	l, _ := newTestLimiter(1)
	ctx := context.Background()

	if d, _ := l.TryAcquire(ctx, "a"); !d.Allowed {
		t.Fatal("user a: first acquire should pass")
	}
	if d, _ := l.TryAcquire(ctx, "a"); d.Allowed {
		t.Fatal("user a: second immediate acquire should fail")
	}
	if d, _ := l.TryAcquire(ctx, "b"); !d.Allowed {
		t.Fatal("user b: should not be affected by user a")
	}
}

func TestLocalCleanupRemovesIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(10)
	ctx := context.Background()

	_, _ = l.TryAcquire(ctx, "a")
	_, _ = l.TryAcquire(ctx, "b")
	if l.Len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", l.Len())
	}

	clock.advance(10 * time.Minute)
	_, _ = l.TryAcquire(ctx, "b") // refresh b

	l.cleanup(5 * time.Minute)
	if l.Len() != 1 {
		t.Fatalf("expected 1 bucket after cleanup, got %d", l.Len())
	}
}
