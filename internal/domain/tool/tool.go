// Package tool defines the invocation contract for deterministic utility
// transforms and the registry that resolves tool descriptors at startup.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Mode declares how a tool interacts with the single-flight invariant.
type Mode string

const (
	// ModeExclusive tools allow at most one in-flight job per owner.
	ModeExclusive Mode = "exclusive"
	// ModeReentrant tools are exempt from single-flight; they remain subject
	// to the rate limiter and queue capacity.
	ModeReentrant Mode = "reentrant"
)

// DeadlineClass selects the execution deadline bucket for a tool.
type DeadlineClass string

const (
	// DeadlineQuick bounds cheap but potentially pathological evaluation
	// (regex, expression parsing).
	DeadlineQuick DeadlineClass = "quick"
	// DeadlineStandard bounds ordinary text transforms.
	DeadlineStandard DeadlineClass = "standard"
	// DeadlineHeavy bounds file and image operations.
	DeadlineHeavy DeadlineClass = "heavy"
)

// InputKind is the payload type a step expects.
type InputKind string

const (
	InputText InputKind = "text"
	InputFile InputKind = "file"
)

// InputSpec describes one required input step of a tool flow.
type InputSpec struct {
	Prompt string
	Kind   InputKind
}

// Workspace is the per-job file store handed to a tool invocation.
// Writes are quota-checked by the implementation.
type Workspace interface {
	// WriteFile stores data under name and returns the relative ref.
	WriteFile(name string, data []byte) (string, error)
	// ReadFile loads a previously written ref.
	ReadFile(ref string) ([]byte, error)
	// Path returns the absolute path for a ref inside the workspace.
	Path(ref string) string
}

// Invocation carries the inputs of one tool execution.
// Inputs holds the collected step payloads in declaration order; file inputs
// are stored in the workspace first and referenced through InputRefs.
type Invocation struct {
	Inputs    [][]byte
	InputRefs []string
	Options   map[string]string
	Workspace Workspace
}

// Result is the output of a successful tool execution.
type Result struct {
	Payload    []byte
	OutputRefs []string
}

// Func executes the transform. Implementations must honor ctx cancellation
// at safe points; the harness enforces the deadline regardless.
type Func func(ctx context.Context, inv Invocation) (Result, error)

// Tool is a statically-typed invocation descriptor.
type Tool struct {
	ID       string
	Title    string
	Mode     Mode
	Deadline DeadlineClass
	Inputs   []InputSpec
	Run      Func
}

// Registry maps tool IDs to descriptors. It is populated once during startup
// and read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool descriptor. Registering a duplicate or invalid
// descriptor is a startup configuration error.
func (r *Registry) Register(t Tool) error {
	if t.ID == "" {
		return fmt.Errorf("tool id is required")
	}
	if t.Run == nil {
		return fmt.Errorf("tool %s: run func is required", t.ID)
	}
	if len(t.Inputs) == 0 {
		return fmt.Errorf("tool %s: at least one input step is required", t.ID)
	}
	if t.Mode == "" {
		t.Mode = ModeExclusive
	}
	if t.Deadline == "" {
		t.Deadline = DeadlineStandard
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.ID]; exists {
		return fmt.Errorf("tool %s: already registered", t.ID)
	}
	r.tools[t.ID] = t
	return nil
}

// MustRegister panics on registration failure. Used during startup wiring
// where a bad descriptor is a programming error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// IDs returns all registered tool IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
