// Package job defines the Job domain entity for tool executions.
package job

import "time"

// Status represents the current state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
// A job is immutable once terminal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Job represents a single execution request of a tool, owned by a user.
// Status transitions are owned solely by the queue worker executing it.
type Job struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	ToolID      string     `json:"tool_id"`
	Status      Status     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Deadline    time.Time  `json:"deadline,omitempty"`
	InputRefs   []string   `json:"input_refs,omitempty"`
	OutputRefs  []string   `json:"output_refs,omitempty"`
	Output      []byte     `json:"-"`
	Err         error      `json:"-"`
}

// Event is the lifecycle notification emitted on every status transition,
// consumed by the ws hub and the NATS publisher.
type Event struct {
	JobID      string        `json:"job_id"`
	Owner      string        `json:"owner"`
	ToolID     string        `json:"tool_id"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"` // set on terminal transitions
	OccurredAt time.Time     `json:"occurred_at"`
}
