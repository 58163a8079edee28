package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/ToolForge/internal/domain"
	"github.com/Strob0t/ToolForge/internal/domain/job"
	"github.com/Strob0t/ToolForge/internal/domain/tool"
)

func testOptions() Options {
	return Options{
		Capacity:         4,
		Workers:          2,
		GracePeriod:      100 * time.Millisecond,
		DeadlineQuick:    200 * time.Millisecond,
		DeadlineStandard: time.Second,
		DeadlineHeavy:    2 * time.Second,
	}
}

func newJob(owner, toolID string) *job.Job {
	return &job.Job{ID: uuid.NewString(), Owner: owner, ToolID: toolID}
}

func echoTool(id string) tool.Tool {
	return tool.Tool{
		ID:       id,
		Deadline: tool.DeadlineStandard,
		Inputs:   []tool.InputSpec{{Prompt: "in", Kind: tool.InputText}},
		Run: func(_ context.Context, inv tool.Invocation) (tool.Result, error) {
			return tool.Result{Payload: inv.Inputs[0]}, nil
		},
	}
}

// blockingTool runs until its context is cancelled, optionally ignoring the
// cancellation for `stubborn` to simulate an uncooperative tool.
func blockingTool(id string, started chan<- struct{}, stubborn time.Duration) tool.Tool {
	return tool.Tool{
		ID:       id,
		Deadline: tool.DeadlineQuick,
		Inputs:   []tool.InputSpec{{Prompt: "in", Kind: tool.InputText}},
		Run: func(ctx context.Context, _ tool.Invocation) (tool.Result, error) {
			if started != nil {
				started <- struct{}{}
			}
			<-ctx.Done()
			if stubborn > 0 {
				time.Sleep(stubborn)
			}
			return tool.Result{}, ctx.Err()
		},
	}
}

func await(t *testing.T, tk *Ticket, within time.Duration) {
	t.Helper()
	select {
	case <-tk.Done:
	case <-time.After(within):
		t.Fatalf("job %s not terminal within %s (status %s)", tk.Job.ID, within, tk.Job.Status)
	}
}

func TestSubmitAndExecute(t *testing.T) {
	q := New(testOptions())
	q.Start(context.Background())
	defer q.Stop()

	j := newJob("alice", "echo")
	tk, err := q.Submit(j, echoTool("echo"), tool.Invocation{Inputs: [][]byte{[]byte("hi")}}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	await(t, tk, time.Second)

	if j.Status != job.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (err %v)", j.Status, j.Err)
	}
	if string(j.Output) != "hi" {
		t.Errorf("expected output 'hi', got %q", j.Output)
	}
	if j.FinishedAt.Before(*j.StartedAt) || j.StartedAt.Before(j.SubmittedAt) {
		t.Error("timestamp invariant violated: finished >= started >= submitted")
	}
}

func TestQueueFullBackpressure(t *testing.T) {
	opts := testOptions()
	opts.Capacity = 2
	opts.Workers = 1
	q := New(opts)
	// Not started: nothing drains the queue, so capacity is deterministic.

	blocker := echoTool("echo")
	accepted := 0
	var lastErr error
	for i := range 3 {
		j := newJob("owner-"+uuid.NewString(), "echo")
		_, err := q.Submit(j, blocker, tool.Invocation{Inputs: [][]byte{nil}}, nil)
		if err != nil {
			lastErr = err
			if i != 2 {
				t.Fatalf("submission %d rejected early: %v", i+1, err)
			}
			continue
		}
		accepted++
	}

	if accepted != 2 {
		t.Fatalf("expected 2 accepted, got %d", accepted)
	}
	if !errors.Is(lastErr, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", lastErr)
	}
}

func TestRejectedJobLeftUntouched(t *testing.T) {
	opts := testOptions()
	opts.Capacity = 1
	q := New(opts)
	// Not started: the single slot fills deterministically.

	_, _ = q.Submit(newJob("a", "echo"), echoTool("echo"), tool.Invocation{Inputs: [][]byte{nil}}, nil)

	j := newJob("b", "echo")
	if _, err := q.Submit(j, echoTool("echo"), tool.Invocation{Inputs: [][]byte{nil}}, nil); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if j.Status != "" || !j.SubmittedAt.IsZero() {
		t.Errorf("rejected job must carry no queue state: status=%q submitted=%v", j.Status, j.SubmittedAt)
	}
}

func TestSingleFlightPerUser(t *testing.T) {
	q := New(testOptions())
	started := make(chan struct{}, 1)
	q.Start(context.Background())
	defer q.Stop()

	j1 := newJob("bob", "block")
	tk1, err := q.Submit(j1, blockingTool("block", started, 0), tool.Invocation{Inputs: [][]byte{nil}}, nil)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-started

	j2 := newJob("bob", "echo")
	if _, err := q.Submit(j2, echoTool("echo"), tool.Invocation{Inputs: [][]byte{nil}}, nil); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy for second job of same owner, got %v", err)
	}

	await(t, tk1, time.Second) // quick deadline times it out
	// Slot freed: the same owner may submit again.
	j3 := newJob("bob", "echo")
	tk3, err := q.Submit(j3, echoTool("echo"), tool.Invocation{Inputs: [][]byte{[]byte("x")}}, nil)
	if err != nil {
		t.Fatalf("submit after terminal: %v", err)
	}
	await(t, tk3, time.Second)
}

func TestReentrantToolsBypassSingleFlight(t *testing.T) {
	q := New(testOptions())
	q.Start(context.Background())
	defer q.Stop()

	re := echoTool("lookup")
	re.Mode = tool.ModeReentrant

	tk1, err1 := q.Submit(newJob("carol", "lookup"), re, tool.Invocation{Inputs: [][]byte{nil}}, nil)
	tk2, err2 := q.Submit(newJob("carol", "lookup"), re, tool.Invocation{Inputs: [][]byte{nil}}, nil)
	if err1 != nil || err2 != nil {
		t.Fatalf("reentrant submits failed: %v / %v", err1, err2)
	}
	await(t, tk1, time.Second)
	await(t, tk2, time.Second)
}

func TestDeadlineEnforcedByHarness(t *testing.T) {
	q := New(testOptions())
	q.Start(context.Background())
	defer q.Stop()

	// Stubborn for longer than the deadline: the harness must not wait.
	j := newJob("dave", "spin")
	start := time.Now()
	tk, err := q.Submit(j, blockingTool("spin", nil, 5*time.Second), tool.Invocation{Inputs: [][]byte{nil}}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	await(t, tk, time.Second)

	if j.Status != job.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", j.Status)
	}
	if elapsed := time.Since(start); elapsed > 600*time.Millisecond {
		t.Errorf("timeout not enforced promptly: %s", elapsed)
	}
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	opts := testOptions()
	opts.Workers = 1
	q := New(opts)
	started := make(chan struct{}, 1)
	q.Start(context.Background())
	defer q.Stop()

	// Occupy the single worker.
	blockTk, _ := q.Submit(newJob("erin", "block"), blockingTool("block", started, 0),
		tool.Invocation{Inputs: [][]byte{nil}}, nil)
	<-started

	var ran atomic.Bool
	tracked := tool.Tool{
		ID:       "tracked",
		Deadline: tool.DeadlineStandard,
		Inputs:   []tool.InputSpec{{Prompt: "in", Kind: tool.InputText}},
		Run: func(_ context.Context, _ tool.Invocation) (tool.Result, error) {
			ran.Store(true)
			return tool.Result{}, nil
		},
	}
	j := newJob("frank", "tracked")
	tk, err := q.Submit(j, tracked, tool.Invocation{Inputs: [][]byte{nil}}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := q.Cancel(j.ID, "frank"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	await(t, blockTk, time.Second)
	await(t, tk, time.Second)

	if j.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", j.Status)
	}
	if ran.Load() {
		t.Error("cancelled queued job must never execute")
	}
}

func TestCancelQueuedJobTerminalWhileWorkersBusy(t *testing.T) {
	opts := testOptions()
	opts.Workers = 1
	q := New(opts)
	started := make(chan struct{}, 1)
	q.Start(context.Background())
	defer q.Stop()

	// Occupy the single worker so the next job stays queued.
	blockTk, _ := q.Submit(newJob("mia", "block"), blockingTool("block", started, 0),
		tool.Invocation{Inputs: [][]byte{nil}}, nil)
	<-started

	j := newJob("nora", "echo")
	tk, err := q.Submit(j, echoTool("echo"), tool.Invocation{Inputs: [][]byte{[]byte("x")}}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := q.Cancel(j.ID, "nora"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Terminal right away, not only when a worker eventually drains it.
	select {
	case <-tk.Done:
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("cancelled queued job not terminal while workers busy (status %s)", j.Status)
	}
	if j.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", j.Status)
	}

	// The single-flight slot is released immediately too.
	j2 := newJob("nora", "echo")
	tk2, err := q.Submit(j2, echoTool("echo"), tool.Invocation{Inputs: [][]byte{[]byte("y")}}, nil)
	if err != nil {
		t.Fatalf("resubmit after cancelling queued job: %v", err)
	}

	await(t, blockTk, time.Second) // quick deadline frees the worker
	await(t, tk2, time.Second)
	if j2.Status != job.StatusSucceeded {
		t.Fatalf("follow-up job got %s (err %v)", j2.Status, j2.Err)
	}
}

func TestCancelRunningJobWithinGracePeriod(t *testing.T) {
	q := New(testOptions())
	started := make(chan struct{}, 1)
	q.Start(context.Background())
	defer q.Stop()

	j := newJob("grace", "block")
	tk, err := q.Submit(j, blockingTool("block", started, 0), tool.Invocation{Inputs: [][]byte{nil}}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := q.Cancel(j.ID, "grace"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	await(t, tk, time.Second)

	if j.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", j.Status)
	}
	if !errors.Is(j.Err, domain.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", j.Err)
	}
}

func TestCancelForeignJobRejected(t *testing.T) {
	q := New(testOptions())
	started := make(chan struct{}, 1)
	q.Start(context.Background())
	defer q.Stop()

	j := newJob("owner", "block")
	tk, _ := q.Submit(j, blockingTool("block", started, 0), tool.Invocation{Inputs: [][]byte{nil}}, nil)
	<-started

	if err := q.Cancel(j.ID, "intruder"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign cancel, got %v", err)
	}
	_ = q.Cancel(j.ID, "owner")
	await(t, tk, time.Second)
}

func TestToolErrorsAreCaughtAtWorkerBoundary(t *testing.T) {
	q := New(testOptions())
	q.Start(context.Background())
	defer q.Stop()

	failing := tool.Tool{
		ID:       "broken",
		Deadline: tool.DeadlineStandard,
		Inputs:   []tool.InputSpec{{Prompt: "in", Kind: tool.InputText}},
		Run: func(_ context.Context, _ tool.Invocation) (tool.Result, error) {
			return tool.Result{}, errors.New("internal detail: stack trace here")
		},
	}
	j := newJob("henry", "broken")
	tk, _ := q.Submit(j, failing, tool.Invocation{Inputs: [][]byte{nil}}, nil)
	await(t, tk, time.Second)

	if j.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", j.Status)
	}
	var te *domain.ToolError
	if !errors.As(j.Err, &te) {
		t.Fatalf("expected ToolError, got %v", j.Err)
	}
	if te.Msg != "execution failed" {
		t.Errorf("user-safe message expected, got %q", te.Msg)
	}
}

func TestPanickingToolDoesNotLeakWorker(t *testing.T) {
	opts := testOptions()
	opts.Workers = 1
	q := New(opts)
	q.Start(context.Background())
	defer q.Stop()

	panicky := tool.Tool{
		ID:       "panicky",
		Deadline: tool.DeadlineStandard,
		Inputs:   []tool.InputSpec{{Prompt: "in", Kind: tool.InputText}},
		Run: func(_ context.Context, _ tool.Invocation) (tool.Result, error) {
			panic("boom")
		},
	}
	j1 := newJob("ida", "panicky")
	tk1, _ := q.Submit(j1, panicky, tool.Invocation{Inputs: [][]byte{nil}}, nil)
	await(t, tk1, time.Second)
	if j1.Status != job.StatusFailed {
		t.Fatalf("expected failed after panic, got %s", j1.Status)
	}

	// The single worker must still be alive.
	j2 := newJob("jane", "echo")
	tk2, _ := q.Submit(j2, echoTool("echo"), tool.Invocation{Inputs: [][]byte{[]byte("ok")}}, nil)
	await(t, tk2, time.Second)
	if j2.Status != job.StatusSucceeded {
		t.Fatalf("worker leaked: follow-up job got %s", j2.Status)
	}
}

func TestStorageErrorsRetriedThenFailed(t *testing.T) {
	q := New(testOptions())
	q.Start(context.Background())
	defer q.Stop()

	var attempts atomic.Int32
	flaky := tool.Tool{
		ID:       "flaky",
		Deadline: tool.DeadlineStandard,
		Inputs:   []tool.InputSpec{{Prompt: "in", Kind: tool.InputText}},
		Run: func(_ context.Context, _ tool.Invocation) (tool.Result, error) {
			attempts.Add(1)
			return tool.Result{}, &domain.StorageError{Op: "probe", Err: errors.New("down")}
		},
	}
	j := newJob("kate", "flaky")
	tk, _ := q.Submit(j, flaky, tool.Invocation{Inputs: [][]byte{nil}}, nil)
	await(t, tk, 2*time.Second)

	if got := attempts.Load(); got != storageRetries+1 {
		t.Errorf("expected %d attempts, got %d", storageRetries+1, got)
	}
	if j.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", j.Status)
	}
}

func TestQueuedEventAlwaysPrecedesRunning(t *testing.T) {
	opts := testOptions()
	opts.Capacity = 256
	opts.Workers = 4
	q := New(opts)

	var mu sync.Mutex
	first := make(map[string]job.Status)
	q.OnTransition(func(ev job.Event) {
		mu.Lock()
		if _, seen := first[ev.JobID]; !seen {
			first[ev.JobID] = ev.Status
		}
		mu.Unlock()
	})
	q.Start(context.Background())
	defer q.Stop()

	// Fast jobs maximize the window in which a worker could observe a job
	// before Submit has settled its fields.
	var tickets []*Ticket
	for range 200 {
		j := newJob("owner-"+uuid.NewString(), "echo")
		tk, err := q.Submit(j, echoTool("echo"), tool.Invocation{Inputs: [][]byte{[]byte("x")}}, nil)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		tickets = append(tickets, tk)
	}
	for _, tk := range tickets {
		await(t, tk, 2*time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	for id, s := range first {
		if s != job.StatusQueued {
			t.Fatalf("job %s first observed as %s, want queued", id, s)
		}
	}
	for _, tk := range tickets {
		j := tk.Job
		if j.StartedAt.Before(j.SubmittedAt) || j.FinishedAt.Before(*j.StartedAt) {
			t.Fatalf("timestamp invariant violated for %s", j.ID)
		}
	}
}

func TestStopDoesNotMarkInFlightJobsTimedOut(t *testing.T) {
	opts := testOptions()
	opts.Workers = 1
	q := New(opts)
	started := make(chan struct{}, 1)
	q.Start(context.Background())

	hold := tool.Tool{
		ID:       "hold",
		Deadline: tool.DeadlineHeavy, // deadline far out, only shutdown interrupts
		Inputs:   []tool.InputSpec{{Prompt: "in", Kind: tool.InputText}},
		Run: func(ctx context.Context, _ tool.Invocation) (tool.Result, error) {
			started <- struct{}{}
			<-ctx.Done()
			return tool.Result{}, ctx.Err()
		},
	}
	j := newJob("olga", "hold")
	tk, err := q.Submit(j, hold, tool.Invocation{Inputs: [][]byte{nil}}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	q.Stop()
	await(t, tk, time.Second)

	if j.Status == job.StatusTimedOut {
		t.Fatal("shutdown mislabelled as a deadline breach")
	}
	if j.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled on shutdown, got %s", j.Status)
	}
}

func TestTransitionCallbacksFire(t *testing.T) {
	q := New(testOptions())
	var events []job.Status
	var mu sync.Mutex
	q.OnTransition(func(ev job.Event) {
		mu.Lock()
		events = append(events, ev.Status)
		mu.Unlock()
	})
	q.Start(context.Background())
	defer q.Stop()

	j := newJob("liam", "echo")
	tk, _ := q.Submit(j, echoTool("echo"), tool.Invocation{Inputs: [][]byte{[]byte("x")}}, nil)
	await(t, tk, time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []job.Status{job.StatusQueued, job.StatusRunning, job.StatusSucceeded}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i, s := range want {
		if events[i] != s {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}
