package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/ToolForge/internal/domain"
	"github.com/Strob0t/ToolForge/internal/domain/event"
	"github.com/Strob0t/ToolForge/internal/domain/job"
	"github.com/Strob0t/ToolForge/internal/domain/session"
	"github.com/Strob0t/ToolForge/internal/domain/tool"
	"github.com/Strob0t/ToolForge/internal/port/cache"
	"github.com/Strob0t/ToolForge/internal/port/delivery"
	"github.com/Strob0t/ToolForge/internal/port/ratelimit"
	"github.com/Strob0t/ToolForge/internal/queue"
	"github.com/Strob0t/ToolForge/internal/workspace"
)

// inlineLimit is the largest payload delivered as an inline text message;
// anything bigger goes out as a file attachment.
const inlineLimit = 4000

// resultCacheTTL bounds how long deterministic tool outputs are reused.
const resultCacheTTL = time.Hour

// Orchestrator composes sessions, rate limiting, workspaces, and the job
// queue. It holds no state of its own beyond component references, and its
// dispatch path never performs long-running work inline.
type Orchestrator struct {
	sessions   *SessionService
	registry   *tool.Registry
	limiter    ratelimit.Limiter
	queue      *queue.Queue
	workspaces *workspace.Manager
	sender     delivery.Sender
	results    cache.Cache // optional result cache for deterministic tools
	quotaBytes int64
}

// NewOrchestrator wires the orchestrator. results may be nil to disable the
// result cache.
func NewOrchestrator(
	sessions *SessionService,
	registry *tool.Registry,
	limiter ratelimit.Limiter,
	q *queue.Queue,
	workspaces *workspace.Manager,
	sender delivery.Sender,
	results cache.Cache,
	quotaBytes int64,
) *Orchestrator {
	return &Orchestrator{
		sessions:   sessions,
		registry:   registry,
		limiter:    limiter,
		queue:      q,
		workspaces: workspaces,
		sender:     sender,
		results:    results,
		quotaBytes: quotaBytes,
	}
}

// Handle processes one normalized inbound event. All user-facing failures
// are converted into chat messages here; the returned error is for transport
// logging only and never carries user-visible semantics.
func (o *Orchestrator) Handle(ctx context.Context, ev event.Inbound) error {
	switch ev.Kind {
	case event.KindSelect:
		return o.handleSelect(ctx, ev)
	case event.KindInput:
		return o.handleInput(ctx, ev)
	case event.KindRun:
		return o.handleRun(ctx, ev)
	case event.KindCancel:
		return o.handleCancel(ctx, ev)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

// Catalog sends the tool keyboard to the chat.
func (o *Orchestrator) Catalog(ctx context.Context, chat string) error {
	ids := o.registry.IDs()
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, []string{id})
	}
	return o.sender.SendKeyboard(ctx, chat, "Pick a tool:", rows)
}

func (o *Orchestrator) handleSelect(ctx context.Context, ev event.Inbound) error {
	t, ok := o.registry.Get(ev.ToolID)
	if !ok {
		return o.reply(ctx, ev.Chat, fmt.Sprintf("Unknown tool %q. Send /tools for the catalog.", ev.ToolID))
	}

	var prompt string
	err := o.sessions.With(ev.User, func(s *session.Session) error {
		if err := s.Select(t, time.Now()); err != nil {
			return err
		}
		prompt = t.Inputs[0].Prompt
		return nil
	})
	if err != nil {
		return o.replyErr(ctx, ev, err)
	}
	return o.reply(ctx, ev.Chat, prompt)
}

func (o *Orchestrator) handleInput(ctx context.Context, ev event.Inbound) error {
	in := session.Input{Kind: ev.InputKind(), Data: []byte(ev.Text)}
	if ev.File != nil {
		in.Name = ev.File.Name
		in.Data = ev.File.Data
	}

	var next string
	var confirming bool
	err := o.sessions.With(ev.User, func(s *session.Session) error {
		if err := s.Provide(in, time.Now()); err != nil {
			return err
		}
		if s.State == session.StateConfirming {
			confirming = true
			return nil
		}
		next = s.Tool.Inputs[s.Step].Prompt
		return nil
	})
	if err != nil {
		return o.replyErr(ctx, ev, err)
	}
	if confirming {
		return o.sender.SendKeyboard(ctx, ev.Chat, "All inputs collected.", [][]string{{"Run", "Cancel"}})
	}
	return o.reply(ctx, ev.Chat, next)
}

func (o *Orchestrator) handleRun(ctx context.Context, ev event.Inbound) error {
	var t tool.Tool
	var inputs []session.Input
	err := o.sessions.With(ev.User, func(s *session.Session) error {
		if err := s.Confirm(time.Now()); err != nil {
			return err
		}
		t = *s.Tool
		inputs = append([]session.Input(nil), s.Inputs...)
		return nil
	})
	if err != nil {
		return o.replyErr(ctx, ev, err)
	}
	return o.dispatch(ctx, ev, t, inputs)
}

func (o *Orchestrator) handleCancel(ctx context.Context, ev event.Inbound) error {
	// Cancel an in-flight job first, then reset the flow.
	if err := o.queue.CancelByOwner(ev.User); err == nil {
		slog.Info("job cancellation requested", "user", ev.User)
	}
	_ = o.sessions.With(ev.User, func(s *session.Session) error {
		s.Cancel(time.Now())
		return nil
	})
	return o.reply(ctx, ev.Chat, "Cancelled. Send /tools to start over.")
}

// dispatch performs the Executing leg: cache probe, rate limit, workspace
// allocation, job submission, and the asynchronous await of the result.
func (o *Orchestrator) dispatch(ctx context.Context, ev event.Inbound, t tool.Tool, inputs []session.Input) error {
	// Deterministic tools: a cache hit costs nothing, skip the limiter.
	cacheKey := resultKey(t.ID, inputs)
	if o.results != nil {
		if cached, ok, err := o.results.Get(ctx, cacheKey); err == nil && ok {
			o.finishSession(ev.User)
			return o.deliver(ctx, ev.Chat, t.ID, cached, nil, nil)
		}
	}

	d, err := o.limiter.TryAcquire(ctx, ev.User)
	if err != nil {
		slog.Error("rate limiter unavailable", "user", ev.User, "error", err)
		o.revertSession(ev.User)
		return o.reply(ctx, ev.Chat, "Service hiccup, please try again.")
	}
	if !d.Allowed {
		o.revertSession(ev.User)
		return o.replyErr(ctx, ev, &domain.RateLimitError{RetryAfter: d.RetryAfter})
	}

	j := &job.Job{ID: uuid.NewString(), Owner: ev.User, ToolID: t.ID}

	ws, err := o.workspaces.Allocate(ev.User, j.ID, o.quotaBytes)
	if err != nil {
		slog.Error("workspace allocation failed", "user", ev.User, "error", err)
		o.revertSession(ev.User)
		return o.reply(ctx, ev.Chat, "Service hiccup, please try again.")
	}

	inv, err := o.buildInvocation(ws, inputs)
	if err != nil {
		ws.Release()
		o.revertSession(ev.User)
		return o.replyErr(ctx, ev, err)
	}
	j.InputRefs = inv.InputRefs

	ticket, err := o.queue.Submit(j, t, inv, ws)
	if err != nil {
		ws.Release()
		o.revertSession(ev.User)
		return o.replyErr(ctx, ev, err)
	}

	// Await off the dispatch path: other users' events are not blocked.
	go o.await(ev, ticket, cacheKey, ws)
	return nil
}

// buildInvocation writes file inputs into the workspace (quota-checked) and
// threads text inputs inline.
func (o *Orchestrator) buildInvocation(ws *workspace.Handle, inputs []session.Input) (tool.Invocation, error) {
	inv := tool.Invocation{Workspace: ws}
	for _, in := range inputs {
		inv.Inputs = append(inv.Inputs, in.Data)
		if in.Kind == tool.InputFile {
			ref, err := ws.WriteFile(in.Name, in.Data)
			if err != nil {
				return tool.Invocation{}, err
			}
			inv.InputRefs = append(inv.InputRefs, ref)
		}
	}
	return inv, nil
}

// await blocks on the job's terminal status and relays the outcome. It runs
// outside the dispatch path; delivery uses a fresh context because the
// triggering update's context is gone by the time the job finishes.
func (o *Orchestrator) await(ev event.Inbound, ticket *queue.Ticket, cacheKey string, ws *workspace.Handle) {
	<-ticket.Done
	j := ticket.Job

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	o.finishSession(ev.User)

	switch j.Status {
	case job.StatusSucceeded:
		if o.results != nil && len(j.OutputRefs) == 0 && len(j.Output) > 0 {
			_ = o.results.Set(ctx, cacheKey, j.Output, resultCacheTTL)
		}
		if err := o.deliver(ctx, ev.Chat, j.ToolID, j.Output, j.OutputRefs, ws); err != nil {
			slog.Error("result delivery failed", "job_id", j.ID, "error", err)
		}
	case job.StatusTimedOut:
		_ = o.reply(ctx, ev.Chat, "The operation took too long and was stopped.")
	case job.StatusCancelled:
		_ = o.reply(ctx, ev.Chat, "Job cancelled.")
	default:
		_ = o.replyErr(ctx, ev, j.Err)
	}
}

// deliver sends the payload inline when small enough, as a file otherwise.
// Output refs always go out as files.
func (o *Orchestrator) deliver(ctx context.Context, chat, toolID string, payload []byte, refs []string, ws *workspace.Handle) error {
	for _, ref := range refs {
		if ws == nil {
			continue
		}
		data, err := ws.ReadFile(ref)
		if err != nil {
			slog.Error("output ref unreadable", "ref", ref, "error", err)
			continue
		}
		if err := o.sender.SendFile(ctx, chat, ref, bytes.NewReader(data)); err != nil {
			return err
		}
	}
	if len(payload) == 0 {
		if len(refs) == 0 {
			return o.sender.SendText(ctx, chat, "Done (no output).")
		}
		return nil
	}
	if len(payload) <= inlineLimit {
		return o.sender.SendText(ctx, chat, string(payload))
	}
	return o.sender.SendFile(ctx, chat, toolID+"-result.txt", bytes.NewReader(payload))
}

// reply sends a plain text message, logging delivery failures.
func (o *Orchestrator) reply(ctx context.Context, chat, text string) error {
	if err := o.sender.SendText(ctx, chat, text); err != nil {
		slog.Error("send failed", "chat", chat, "error", err)
		return err
	}
	return nil
}

// replyErr converts a domain error into a user-visible message. Internal
// detail never reaches the chat; it is logged separately.
func (o *Orchestrator) replyErr(ctx context.Context, ev event.Inbound, err error) error {
	var ve *domain.ValidationError
	var rl *domain.RateLimitError
	var te *domain.ToolError
	var qe *domain.QuotaError

	switch {
	case errors.As(err, &ve):
		return o.reply(ctx, ev.Chat, ve.Msg)
	case errors.As(err, &rl):
		return o.reply(ctx, ev.Chat, fmt.Sprintf(
			"Too many requests. Try again in %.0f seconds.", rl.RetryAfter.Seconds()+0.5))
	case errors.As(err, &te):
		return o.reply(ctx, ev.Chat, "The tool failed: "+te.Msg)
	case errors.As(err, &qe):
		return o.reply(ctx, ev.Chat, fmt.Sprintf(
			"Input too large: the limit is %d bytes.", qe.Quota))
	case errors.Is(err, domain.ErrQueueFull):
		return o.reply(ctx, ev.Chat, "The service is busy right now, please resubmit in a moment.")
	case errors.Is(err, domain.ErrBusy):
		return o.reply(ctx, ev.Chat, "You already have a job in progress. Send /cancel to stop it.")
	case errors.Is(err, domain.ErrCancelled):
		return o.reply(ctx, ev.Chat, "Job cancelled.")
	default:
		slog.Error("unhandled orchestration error", "user", ev.User, "error", err)
		return o.reply(ctx, ev.Chat, "Something went wrong, please try again.")
	}
}

func (o *Orchestrator) revertSession(user string) {
	_ = o.sessions.With(user, func(s *session.Session) error {
		s.Revert(time.Now())
		return nil
	})
}

func (o *Orchestrator) finishSession(user string) {
	_ = o.sessions.With(user, func(s *session.Session) error {
		s.Finish(time.Now())
		return nil
	})
}

// resultKey digests the tool ID and inputs into a stable cache key.
func resultKey(toolID string, inputs []session.Input) string {
	h := sha256.New()
	h.Write([]byte(toolID))
	for _, in := range inputs {
		h.Write([]byte{0})
		h.Write(in.Data)
	}
	return "result:" + hex.EncodeToString(h.Sum(nil))
}
