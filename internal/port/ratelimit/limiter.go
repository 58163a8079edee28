// Package ratelimit defines the per-user admission gate port.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one acquisition attempt.
type Decision struct {
	Allowed    bool
	Remaining  float64       // tokens left after the attempt
	RetryAfter time.Duration // estimated wait until one token is available; zero when allowed
}

// Limiter is the port interface for the per-user token bucket.
//
// TryAcquire atomically computes the elapsed-time refill and decrements one
// token if available. Implementations must never observe a bucket below zero
// or above capacity. The in-process backend is exact within one process; the
// shared-store backend is exact across cooperating processes and is required
// for multi-instance deployments. A non-nil error indicates an
// infrastructure failure (domain.StorageError), not a denial.
type Limiter interface {
	TryAcquire(ctx context.Context, user string) (Decision, error)
}
