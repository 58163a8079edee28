// Package domain provides shared domain-level errors for ToolForge.
//
// Every error a worker or the orchestrator can surface to a user maps to one
// of the types below. Anything else is an internal bug and is logged, never
// delivered.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrQueueFull indicates the job queue is at capacity (backpressure).
// The condition is transient; the user may resubmit.
var ErrQueueFull = errors.New("queue full")

// ErrCancelled indicates the job was cancelled by its owner.
var ErrCancelled = errors.New("cancelled by user")

// ErrBusy indicates the owner already has a job queued or running.
var ErrBusy = errors.New("busy: a job is already in progress")

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError indicates input that does not match the current session
// step. It is recovered locally: the session keeps its state so the user can
// retry without losing progress.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// RateLimitError indicates the per-user rate limit was exceeded.
// RetryAfter is the estimated wait until one token is available.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", e.RetryAfter.Round(time.Millisecond))
}

// ToolError is a tool-level failure mapped at the worker boundary.
// Msg is user-safe; the wrapped error carries internal detail for logs only.
type ToolError struct {
	ToolID string
	Msg    string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.ToolID, e.Msg)
}

func (e *ToolError) Unwrap() error { return e.Err }

// QuotaError indicates a workspace write would exceed the configured quota.
type QuotaError struct {
	Quota int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("workspace quota of %d bytes exceeded", e.Quota)
}

// StorageError indicates an infrastructure-level failure (shared store or
// filesystem). Transient instances are retried briefly, then fail the job.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
