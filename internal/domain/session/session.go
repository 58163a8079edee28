// Package session defines the per-user conversational state machine.
//
// States: Idle → AwaitingInput(step) → Confirming → Executing → Idle.
// Cancel is reachable from any non-terminal state and lands back in Idle.
// Idle is re-entrant: the session persists across tool cycles.
package session

import (
	"time"

	"github.com/Strob0t/ToolForge/internal/domain"
	"github.com/Strob0t/ToolForge/internal/domain/tool"
)

// State is the current phase of a session's tool cycle.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingInput State = "awaiting_input"
	StateConfirming    State = "confirming"
	StateExecuting     State = "executing"
)

// Input is one collected step payload.
type Input struct {
	Kind tool.InputKind
	Name string // original filename for file inputs
	Data []byte
}

// Session tracks one user's active tool flow. It is a plain value object;
// the session service owns locking and lifetime.
type Session struct {
	User      string
	State     State
	Tool      *tool.Tool
	Step      int
	Inputs    []Input
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New returns an idle session for the given user.
func New(user string, now time.Time) *Session {
	return &Session{
		User:      user,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Select starts a tool flow from Idle, moving to AwaitingInput with step 0.
func (s *Session) Select(t tool.Tool, now time.Time) error {
	if s.State == StateExecuting {
		return domain.ErrBusy
	}
	s.Tool = &t
	s.Step = 0
	s.Inputs = s.Inputs[:0]
	s.State = StateAwaitingInput
	s.touch(now)
	return nil
}

// Provide satisfies the current input step. An input of the wrong kind is
// rejected with a ValidationError and the state is retained, so the user can
// retry without losing progress. Once all declared steps are filled the
// session moves to Confirming.
func (s *Session) Provide(in Input, now time.Time) error {
	if s.State == StateExecuting {
		return domain.ErrBusy
	}
	if s.State != StateAwaitingInput || s.Tool == nil {
		return domain.Validationf("no tool is awaiting input, pick a tool first")
	}
	spec := s.Tool.Inputs[s.Step]
	if in.Kind != spec.Kind {
		return domain.Validationf("step %d of %s expects %s input, got %s",
			s.Step+1, s.Tool.ID, spec.Kind, in.Kind)
	}

	s.Inputs = append(s.Inputs, in)
	s.Step++
	if s.Step >= len(s.Tool.Inputs) {
		s.State = StateConfirming
	}
	s.touch(now)
	return nil
}

// Confirm moves Confirming → Executing on an explicit run action.
func (s *Session) Confirm(now time.Time) error {
	if s.State == StateExecuting {
		return domain.ErrBusy
	}
	if s.State != StateConfirming {
		return domain.Validationf("nothing to run: provide the required inputs first")
	}
	s.State = StateExecuting
	s.touch(now)
	return nil
}

// Revert rolls Executing back to Confirming after a rate-limit or
// backpressure rejection, keeping the collected inputs.
func (s *Session) Revert(now time.Time) {
	if s.State == StateExecuting {
		s.State = StateConfirming
		s.touch(now)
	}
}

// Finish returns the session to Idle after a result (success or failure)
// has been delivered. It only acts while the session is still Executing: a
// late completion of an already-cancelled job must not wipe a new flow the
// user has started since.
func (s *Session) Finish(now time.Time) {
	if s.State != StateExecuting {
		return
	}
	s.reset()
	s.touch(now)
}

// Cancel aborts the current cycle from any state and returns to Idle.
func (s *Session) Cancel(now time.Time) {
	s.reset()
	s.touch(now)
}

// ExpiredAt reports whether the session has been inactive past ttl.
func (s *Session) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.UpdatedAt) > ttl
}

func (s *Session) reset() {
	s.State = StateIdle
	s.Tool = nil
	s.Step = 0
	s.Inputs = nil
}

func (s *Session) touch(now time.Time) {
	s.UpdatedAt = now
}
