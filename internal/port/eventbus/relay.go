package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/ToolForge/internal/domain/job"
)

// publishTimeout bounds one broker publish so the drain goroutine cannot
// wedge on a dead connection.
const publishTimeout = 5 * time.Second

// SubjectFor maps a job status to its lifecycle subject.
func SubjectFor(s job.Status) string {
	switch s {
	case job.StatusQueued:
		return SubjectJobQueued
	case job.StatusRunning:
		return SubjectJobRunning
	default:
		return SubjectJobFinished
	}
}

// Relay decouples queue transition callbacks from the publisher. Offer only
// buffers; a dedicated goroutine marshals and publishes, so a slow or hung
// broker never stalls job dispatch or result delivery. Events are dropped
// with a log line when the buffer is full.
type Relay struct {
	pub  Publisher
	ch   chan job.Event
	quit chan struct{}
	done chan struct{}
}

// NewRelay starts the drain goroutine with the given buffer size.
func NewRelay(pub Publisher, buffer int) *Relay {
	if buffer < 1 {
		buffer = 1
	}
	r := &Relay{
		pub:  pub,
		ch:   make(chan job.Event, buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go r.drain()
	return r
}

// Offer enqueues an event for publishing. It never blocks.
func (r *Relay) Offer(ev job.Event) {
	select {
	case r.ch <- ev:
	default:
		slog.Warn("event relay buffer full, dropping",
			"job_id", ev.JobID, "status", ev.Status)
	}
}

// Close stops the drain goroutine and waits for it to exit. Buffered events
// not yet published are discarded.
func (r *Relay) Close() {
	close(r.quit)
	<-r.done
}

func (r *Relay) drain() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			return
		case ev := <-r.ch:
			r.publish(ev)
		}
	}
}

func (r *Relay) publish(ev job.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", "job_id", ev.JobID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	subject := SubjectFor(ev.Status)
	if err := r.pub.Publish(ctx, subject, data); err != nil {
		slog.Warn("event publish failed", "subject", subject, "error", err)
	}
}
