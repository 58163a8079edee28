// Package event defines the normalized inbound chat event consumed by the
// orchestrator. Transport adapters (Telegram poller, tests) produce these;
// the orchestrator never sees transport-specific update types.
package event

import "github.com/Strob0t/ToolForge/internal/domain/tool"

// Kind discriminates the inbound event types.
type Kind string

const (
	// KindSelect picks a tool from the catalog.
	KindSelect Kind = "select"
	// KindInput provides the payload for the current step.
	KindInput Kind = "input"
	// KindRun confirms and starts execution.
	KindRun Kind = "run"
	// KindCancel aborts the current flow or the in-flight job.
	KindCancel Kind = "cancel"
)

// Inbound is one normalized user event.
type Inbound struct {
	Kind   Kind
	User   string
	Chat   string
	ToolID string // KindSelect only

	// KindInput payload: either Text or File is set.
	Text string
	File *File
}

// File is an uploaded document already fetched from the transport.
type File struct {
	Name string
	Data []byte
}

// InputKind returns the tool input kind carried by the event.
func (e *Inbound) InputKind() tool.InputKind {
	if e.File != nil {
		return tool.InputFile
	}
	return tool.InputText
}
