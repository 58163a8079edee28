// Package eventbus defines the port for publishing job lifecycle events.
package eventbus

import "context"

// Publisher sends lifecycle events to an external stream so that other
// instances and ops tooling can observe job progress. Publishing is
// best-effort: a failed publish never fails the job.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Subjects for job lifecycle events.
const (
	SubjectJobQueued   = "jobs.queued"
	SubjectJobRunning  = "jobs.running"
	SubjectJobFinished = "jobs.finished" // terminal transitions carry the final status in the payload
)
