// Package queue implements the bounded job queue and fixed-size worker pool
// that executes tool invocations off the request path.
//
// Admission control is the full-queue rejection in Submit. Deadlines are
// enforced by the worker harness, not by trusting the tool: the invocation
// runs in its own goroutine under a deadline context, and a breach abandons
// it immediately. Cancellation of running jobs is cooperative within a grace
// period, after which the job is abandoned and marked cancelled. Either path
// releases the job's workspace.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/ToolForge/internal/domain"
	"github.com/Strob0t/ToolForge/internal/domain/job"
	"github.com/Strob0t/ToolForge/internal/domain/tool"
	"github.com/Strob0t/ToolForge/internal/workspace"
)

// storageRetries bounds retry attempts for transient infrastructure errors.
// Deterministic tool errors are never retried; they would fail again.
const storageRetries = 2

// Options configures queue capacity, concurrency, and deadline classes.
type Options struct {
	Capacity    int
	Workers     int
	GracePeriod time.Duration // cancellation grace for running jobs

	DeadlineQuick    time.Duration
	DeadlineStandard time.Duration
	DeadlineHeavy    time.Duration
}

// Ticket is the submitter's view of an accepted job. Done is closed when the
// job reaches a terminal status; Job fields are stable after that.
type Ticket struct {
	Job  *job.Job
	Done <-chan struct{}
}

type item struct {
	job       *job.Job
	tool      tool.Tool
	inv       tool.Invocation
	ws        *workspace.Handle
	done      chan struct{}
	cancelled atomic.Bool
	finalized atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc // set while running
}

// Queue is a bounded FIFO feeding a fixed worker pool.
type Queue struct {
	opts  Options
	items chan *item

	mu       sync.Mutex
	inflight map[string]*item  // job ID → item, queued or running
	perUser  map[string]string // owner → job ID, exclusive tools only

	onTransition []func(job.Event)

	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
	started bool
}

// New creates a queue with the given options.
func New(opts Options) *Queue {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 500 * time.Millisecond
	}
	if opts.DeadlineQuick <= 0 {
		opts.DeadlineQuick = 2 * time.Second
	}
	if opts.DeadlineStandard <= 0 {
		opts.DeadlineStandard = 10 * time.Second
	}
	if opts.DeadlineHeavy <= 0 {
		opts.DeadlineHeavy = 60 * time.Second
	}
	return &Queue{
		opts:     opts,
		items:    make(chan *item, opts.Capacity),
		inflight: make(map[string]*item),
		perUser:  make(map[string]string),
	}
}

// OnTransition registers a callback fired on every job status change
// (metrics, ws hub, event bus). Callbacks must be fast and non-blocking, and
// must not call back into the queue: the queued transition fires under the
// queue's internal lock so it is ordered before the running transition.
func (q *Queue) OnTransition(fn func(job.Event)) {
	q.onTransition = append(q.onTransition, fn)
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.baseCtx, q.stop = context.WithCancel(ctx)
	q.started = true
	for i := range q.opts.Workers {
		q.wg.Add(1)
		go q.worker(i)
	}
	slog.Info("worker pool started", "workers", q.opts.Workers, "capacity", q.opts.Capacity)
}

// Stop cancels all in-flight work and waits for the workers to exit.
func (q *Queue) Stop() {
	if !q.started {
		return
	}
	q.stop()
	q.wg.Wait()
}

// Deadline returns the execution bound for a deadline class.
func (q *Queue) Deadline(class tool.DeadlineClass) time.Duration {
	switch class {
	case tool.DeadlineQuick:
		return q.opts.DeadlineQuick
	case tool.DeadlineHeavy:
		return q.opts.DeadlineHeavy
	default:
		return q.opts.DeadlineStandard
	}
}

// Submit enqueues a job. It fails fast with ErrQueueFull when the queue is
// at capacity and with ErrBusy when the owner already has an in-flight job
// and the tool is not reentrant (single-flight invariant).
func (q *Queue) Submit(j *job.Job, t tool.Tool, inv tool.Invocation, ws *workspace.Handle) (*Ticket, error) {
	it := &item{job: j, tool: t, inv: inv, ws: ws, done: make(chan struct{})}

	q.mu.Lock()
	defer q.mu.Unlock()

	if t.Mode != tool.ModeReentrant {
		if _, busy := q.perUser[j.Owner]; busy {
			return nil, domain.ErrBusy
		}
	}
	// Senders serialize on q.mu and workers only drain, so a length check
	// here makes the send below non-blocking.
	if len(q.items) == cap(q.items) {
		return nil, domain.ErrQueueFull
	}

	// Everything about the accepted job is settled, and the queued event
	// emitted, before the channel send: the moment the item is in the
	// channel a worker may mutate the job and fire the running transition.
	j.Status = job.StatusQueued
	j.SubmittedAt = time.Now()
	q.inflight[j.ID] = it
	if t.Mode != tool.ModeReentrant {
		q.perUser[j.Owner] = j.ID
	}
	q.emit(q.eventFor(j))
	q.items <- it
	return &Ticket{Job: j, Done: it.done}, nil
}

// Cancel requests cancellation of the owner's job. Queued jobs turn terminal
// right here and never run; running jobs are signalled and force-abandoned
// after the grace period. Cancelling someone else's job is ErrNotFound.
func (q *Queue) Cancel(jobID, owner string) error {
	q.mu.Lock()
	it, ok := q.inflight[jobID]
	q.mu.Unlock()
	if !ok || it.job.Owner != owner {
		return domain.ErrNotFound
	}

	it.mu.Lock()
	it.cancelled.Store(true)
	running := it.cancel != nil
	if running {
		it.cancel() // signal the tool context
	}
	it.mu.Unlock()

	if !running {
		// Still queued. Finalizing here, not when a worker drains the item,
		// frees the single-flight slot and closes done immediately even while
		// every worker is busy. The worker skips the stale item later.
		q.finalize(it, job.StatusCancelled, domain.ErrCancelled)
	}
	return nil
}

// CancelByOwner cancels the owner's single-flight job, if any.
func (q *Queue) CancelByOwner(owner string) error {
	q.mu.Lock()
	jobID, ok := q.perUser[owner]
	q.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	return q.Cancel(jobID, owner)
}

// Depth returns the number of queued-but-not-started jobs.
func (q *Queue) Depth() int {
	return len(q.items)
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.baseCtx.Done():
			return
		case it := <-q.items:
			q.run(id, it)
		}
	}
}

type invocationResult struct {
	res tool.Result
	err error
}

func (q *Queue) run(workerID int, it *item) {
	j := it.job

	now := time.Now()
	deadline := now.Add(q.Deadline(it.tool.Deadline))
	ctx, cancel := context.WithDeadline(q.baseCtx, deadline)

	// The queued→running handoff races with Cancel: taking it.mu for both the
	// cancelled check and publishing it.cancel means Cancel either sees the
	// item as still queued (and finalizes it) or gets a live context to signal.
	it.mu.Lock()
	if it.cancelled.Load() {
		it.mu.Unlock()
		cancel()
		q.finalize(it, job.StatusCancelled, domain.ErrCancelled)
		return
	}
	j.StartedAt = &now
	j.Status = job.StatusRunning
	j.Deadline = deadline
	it.cancel = cancel
	it.mu.Unlock()
	defer cancel()
	q.notify(j)

	resCh := make(chan invocationResult, 1)
	go func() {
		// The worker boundary: nothing may propagate out of a tool, or it
		// would leak a slot from the fixed pool.
		defer func() {
			if r := recover(); r != nil {
				slog.Error("tool panicked", "tool", it.tool.ID, "job_id", j.ID, "panic", r)
				resCh <- invocationResult{err: &domain.ToolError{
					ToolID: it.tool.ID, Msg: "internal tool failure",
				}}
			}
		}()
		res, err := q.invoke(ctx, it)
		resCh <- invocationResult{res: res, err: err}
	}()

	select {
	case out := <-resCh:
		q.settle(it, out)
	case <-ctx.Done():
		if it.cancelled.Load() {
			// Cooperative cancellation: give the tool a bounded grace period
			// to return, then abandon it.
			select {
			case <-resCh:
			case <-time.After(q.opts.GracePeriod):
				slog.Warn("tool ignored cancellation, abandoning",
					"tool", it.tool.ID, "job_id", j.ID, "worker", workerID)
			}
			q.finalize(it, job.StatusCancelled, domain.ErrCancelled)
			return
		}
		if q.baseCtx.Err() != nil && time.Now().Before(j.Deadline) {
			// Pool shutdown with the job's own deadline unexpired: the job
			// did nothing wrong, so it must not be labelled a timeout.
			slog.Info("job interrupted by shutdown", "tool", it.tool.ID, "job_id", j.ID)
			q.finalize(it, job.StatusCancelled, domain.ErrCancelled)
			return
		}
		// Deadline breach: hard stop at the harness, no waiting.
		slog.Warn("job deadline exceeded", "tool", it.tool.ID, "job_id", j.ID,
			"deadline", j.Deadline)
		q.finalize(it, job.StatusTimedOut, context.DeadlineExceeded)
	}
}

// invoke runs the tool, retrying transient storage failures a bounded number
// of times with linear backoff.
func (q *Queue) invoke(ctx context.Context, it *item) (tool.Result, error) {
	var res tool.Result
	var err error
	for attempt := 0; ; attempt++ {
		res, err = it.tool.Run(ctx, it.inv)
		var se *domain.StorageError
		if err == nil || !errors.As(err, &se) || attempt >= storageRetries {
			return res, err
		}
		slog.Warn("transient storage failure, retrying",
			"tool", it.tool.ID, "job_id", it.job.ID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
}

func (q *Queue) settle(it *item, out invocationResult) {
	if out.err == nil {
		it.job.Output = out.res.Payload
		it.job.OutputRefs = out.res.OutputRefs
		q.finalize(it, job.StatusSucceeded, nil)
		return
	}

	if it.cancelled.Load() {
		q.finalize(it, job.StatusCancelled, domain.ErrCancelled)
		return
	}
	if errors.Is(out.err, context.DeadlineExceeded) {
		q.finalize(it, job.StatusTimedOut, context.DeadlineExceeded)
		return
	}
	if errors.Is(out.err, context.Canceled) && q.baseCtx.Err() != nil {
		// The tool returned promptly on pool shutdown.
		q.finalize(it, job.StatusCancelled, domain.ErrCancelled)
		return
	}

	var te *domain.ToolError
	if !errors.As(out.err, &te) {
		// Map anything untyped to a user-safe ToolError; detail stays in logs.
		slog.Error("tool failed", "tool", it.tool.ID, "job_id", it.job.ID, "error", out.err)
		out.err = &domain.ToolError{ToolID: it.tool.ID, Msg: "execution failed", Err: out.err}
	}
	q.finalize(it, job.StatusFailed, out.err)
}

// finalize records the terminal status, releases the workspace, clears the
// single-flight slot, and wakes the submitter. Jobs are immutable afterwards.
// Idempotent: both Cancel and the draining worker may reach it for the same
// item, only the first call takes effect.
func (q *Queue) finalize(it *item, status job.Status, err error) {
	if !it.finalized.CompareAndSwap(false, true) {
		return
	}
	j := it.job
	now := time.Now()
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.FinishedAt = &now
	j.Status = status
	j.Err = err

	if it.ws != nil {
		it.ws.Release()
	}

	q.mu.Lock()
	delete(q.inflight, j.ID)
	if q.perUser[j.Owner] == j.ID {
		delete(q.perUser, j.Owner)
	}
	q.mu.Unlock()

	q.notify(j)
	close(it.done)
}

// notify snapshots the job into an event and fires the callbacks. Callers
// must be the sole writer of the job's fields at that point.
func (q *Queue) notify(j *job.Job) {
	if len(q.onTransition) == 0 {
		return
	}
	q.emit(q.eventFor(j))
}

func (q *Queue) eventFor(j *job.Job) job.Event {
	ev := job.Event{
		JobID:      j.ID,
		Owner:      j.Owner,
		ToolID:     j.ToolID,
		Status:     j.Status,
		OccurredAt: time.Now(),
	}
	if j.Err != nil {
		ev.Error = j.Err.Error()
	}
	if j.Status.IsTerminal() && j.FinishedAt != nil {
		ev.Duration = j.FinishedAt.Sub(j.SubmittedAt)
	}
	return ev
}

func (q *Queue) emit(ev job.Event) {
	for _, fn := range q.onTransition {
		fn(ev)
	}
}
