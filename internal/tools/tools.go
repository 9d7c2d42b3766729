// Package tools defines the tool interface and registry for kodo.
// Every tool runs against the sandbox of one run and executes its body as a
// durable step keyed by the invocation, so a resumed run replays recorded
// observations instead of repeating side effects.
package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/llm"
	"github.com/jkaninda/kodo/internal/runstate"
	"github.com/jkaninda/kodo/internal/sandbox"
	"github.com/jkaninda/kodo/internal/step"
)

// Tool is the interface all kodo tools must implement.
type Tool interface {
	// Name returns the tool's unique identifier as exposed to the model.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	// This is sent to the LLM as the tool's input schema for function calling.
	InputSchema() map[string]any

	// Execute runs the tool. Sandbox failures are reported in the returned
	// observation, never as an error; a non-nil error means the parameters
	// were malformed.
	Execute(ctx context.Context, inv *Invocation) (string, error)
}

// Env is the per-run environment shared by every tool invocation.
type Env struct {
	RunID     string
	SandboxID string
	Sandboxes sandbox.Provider
	State     *runstate.State
	Steps     *step.Runner
	Events    events.Publisher
	Logger    *slog.Logger
}

// Session re-acquires a live handle to the run's sandbox.
func (e *Env) Session(ctx context.Context) (sandbox.Session, error) {
	return e.Sandboxes.Get(ctx, e.SandboxID)
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.Logger
}

// Invocation is one tool call requested by the model.
type Invocation struct {
	Env       *Env
	Name      string
	Params    map[string]any
	Iteration int
	CallIndex int
}

// StepKey returns the durable step key for this call under stepName.
// It is unique per (run, iteration, tool, call index).
func (inv *Invocation) StepKey(stepName string) step.Key {
	return step.ToolKey(inv.Env.RunID, inv.Iteration, stepName, inv.CallIndex)
}

// CorrelationID identifies the invocation in logs and events.
func (inv *Invocation) CorrelationID() string {
	return inv.StepKey(inv.Name).String()
}

// Diagnostic renders a tool failure as an observation the model can read.
// The stdout and stderr markers are always present, even when empty.
func Diagnostic(context string, err error, stdout, stderr string) string {
	return fmt.Sprintf("%s: %v \n stdout: %s \n stderr: %s", context, err, stdout, stderr)
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Execute dispatches inv to its tool. isError is set when the tool is unknown
// or rejected its parameters; sandbox failures come back as ordinary output.
func (r *Registry) Execute(ctx context.Context, inv *Invocation) (output string, isError bool) {
	t := r.Get(inv.Name)
	if t == nil {
		return fmt.Sprintf("unknown tool %q", inv.Name), true
	}
	logger := inv.Env.logger()
	events.Emit(inv.Env.Events, events.Event{
		RunID:     inv.Env.RunID,
		Type:      events.ToolStarted,
		Iteration: inv.Iteration,
		Tool:      inv.Name,
	})
	logger.InfoContext(ctx, "tool executing",
		slog.String("tool", inv.Name),
		slog.String("correlation_id", inv.CorrelationID()),
	)

	out, err := t.Execute(ctx, inv)
	if err != nil {
		out, isError = err.Error(), true
		logger.WarnContext(ctx, "tool rejected call",
			slog.String("tool", inv.Name),
			slog.String("error", err.Error()),
		)
	}
	out = TruncateOutput(out, MaxOutputBytes)

	events.Emit(inv.Env.Events, events.Event{
		RunID:     inv.Env.RunID,
		Type:      events.ToolFinished,
		Iteration: inv.Iteration,
		Tool:      inv.Name,
	})
	return out, isError
}

// ToLLMDefinitions converts all registered tools into LLM tool definitions.
func ToLLMDefinitions(reg *Registry) []llm.ToolDefinition {
	all := reg.All()
	defs := make([]llm.ToolDefinition, len(all))
	for i, t := range all {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}
