// Package ratelimit provides the in-process token bucket backend.
//
// It is exact within a single process only. Deployments running more than
// one orchestrator instance must use the shared redis backend instead
// (internal/adapter/redisrate), which satisfies the same port contract.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Strob0t/ToolForge/internal/port/ratelimit"
)

// maxBuckets caps tracked users to prevent memory exhaustion.
const maxBuckets = 100000

// Local is a per-user token bucket limiter. Capacity and per-minute refill
// both equal the configured limit; fractional tokens accrue continuously
// with elapsed time, capped at capacity.
type Local struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     float64 // tokens per second
	capacity float64
	now      func() time.Time // injectable clock for tests
}

type bucket struct {
	tokens    float64
	updatedAt time.Time
	lastSeen  time.Time
}

// NewLocal creates a limiter allowing perMinute acquisitions per user per minute.
func NewLocal(perMinute int) *Local {
	if perMinute < 1 {
		perMinute = 1
	}
	return &Local{
		buckets:  make(map[string]*bucket),
		rate:     float64(perMinute) / 60.0,
		capacity: float64(perMinute),
		now:      time.Now,
	}
}

// TryAcquire implements ratelimit.Limiter.
func (l *Local) TryAcquire(_ context.Context, user string) (ratelimit.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, exists := l.buckets[user]
	if !exists {
		if len(l.buckets) >= maxBuckets {
			return ratelimit.Decision{RetryAfter: l.wait(0)}, nil
		}
		b = &bucket{tokens: l.capacity, updatedAt: now}
		l.buckets[user] = b
	}

	elapsed := now.Sub(b.updatedAt).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.updatedAt = now
	b.lastSeen = now

	if b.tokens < 1 {
		return ratelimit.Decision{
			Remaining:  b.tokens,
			RetryAfter: l.wait(b.tokens),
		}, nil
	}

	b.tokens--
	return ratelimit.Decision{Allowed: true, Remaining: b.tokens}, nil
}

// wait estimates the time until one token is available.
func (l *Local) wait(tokens float64) time.Duration {
	return time.Duration((1 - tokens) / l.rate * float64(time.Second))
}

// StartCleanup spawns a goroutine that removes buckets idle longer than
// maxIdle every interval. Returns a cancel function.
func (l *Local) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.cleanup(maxIdle)
			}
		}
	}()
	return cancel
}

func (l *Local) cleanup(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxIdle)
	for user, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, user)
		}
	}
}

// Len returns the number of tracked user buckets (for metrics and testing).
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
