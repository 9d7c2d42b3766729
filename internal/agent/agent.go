// Package agent drives the coding model through one run. A turn is one
// model inference, recorded as a durable step, followed by every tool call
// the model asked for, executed in order.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kodo/internal/llm"
	"github.com/jkaninda/kodo/internal/observability"
	"github.com/jkaninda/kodo/internal/step"
	"github.com/jkaninda/kodo/internal/tools"
)

const (
	DefaultName        = "coding-agent"
	DefaultDescription = "An expert coding agent that can help with coding tasks"
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 8192
)

// emptyToolOutput stands in for a tool that returned nothing, since some
// providers reject empty tool results.
const emptyToolOutput = "(no output)"

// continuePrompt follows a turn that ended without tool calls or a summary.
const continuePrompt = "Continue with the task. When everything is done, reply with the " +
	SummaryOpenTag + " block."

// Agent holds the model, system prompt and tool set shared by all runs.
type Agent struct {
	name         string
	description  string
	systemPrompt string
	temperature  *float64
	maxTokens    int
	provider     llm.Provider
	registry     *tools.Registry
	hook         Hook
	tracer       trace.Tracer
	logger       *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithName overrides the agent name used in logs and spans.
func WithName(name string) Option {
	return func(a *Agent) { a.name = name }
}

// WithSystemPrompt replaces SystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(a *Agent) { a.temperature = llm.Float64(t) }
}

// WithMaxTokens caps the tokens generated per inference.
func WithMaxTokens(n int) Option {
	return func(a *Agent) { a.maxTokens = n }
}

// WithHook replaces the SummaryHook.
func WithHook(h Hook) Option {
	return func(a *Agent) { a.hook = h }
}

// WithTracer records a span per turn.
func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates an agent that may only call the tools in registry.
func New(provider llm.Provider, registry *tools.Registry, opts ...Option) *Agent {
	a := &Agent{
		name:         DefaultName,
		description:  DefaultDescription,
		systemPrompt: SystemPrompt,
		temperature:  llm.Float64(DefaultTemperature),
		maxTokens:    DefaultMaxTokens,
		provider:     provider,
		registry:     registry,
		hook:         SummaryHook{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return a
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Description returns a one-line description of the agent.
func (a *Agent) Description() string { return a.description }

// Start opens the conversation of one run with prompt as the first user message.
func (a *Agent) Start(env *tools.Env, prompt string) *Conversation {
	return &Conversation{
		agent:   a,
		env:     env,
		history: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	}
}

// TurnResult describes one completed turn.
type TurnResult struct {
	Response  *llm.Response
	ToolCalls int
}

// Conversation is the history of one run. It is not safe for concurrent use.
type Conversation struct {
	agent   *Agent
	env     *tools.Env
	history []llm.Message
}

// History returns a copy of the messages exchanged so far.
func (c *Conversation) History() []llm.Message {
	return append([]llm.Message(nil), c.history...)
}

// Turn runs one inference for iteration and executes the tool calls it
// requests. A model error is returned and ends the run; tool failures are
// fed back to the model as observations.
func (c *Conversation) Turn(ctx context.Context, iteration int) (*TurnResult, error) {
	a := c.agent
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "agent.turn",
			trace.WithAttributes(
				attribute.String("agent", a.name),
				observability.RunIDKey.String(c.env.RunID),
				attribute.Int("iteration", iteration),
			))
		defer span.End()
	}

	if n := len(c.history); n > 0 && c.history[n-1].Role == llm.RoleAssistant {
		c.history = append(c.history, llm.Message{Role: llm.RoleUser, Content: continuePrompt})
	}

	req := &llm.Request{
		SystemPrompt: a.systemPrompt,
		Messages:     c.History(),
		MaxTokens:    a.maxTokens,
		Temperature:  a.temperature,
		Tools:        tools.ToLLMDefinitions(a.registry),
	}
	resp, err := step.Run(ctx, c.env.Steps, step.InferenceKey(c.env.RunID, iteration),
		func(ctx context.Context) (*llm.Response, error) {
			return a.provider.SendMessage(ctx, req)
		})
	if err != nil {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, fmt.Errorf("llm request failed: %w", err)
	}

	c.history = append(c.history, resp.Message())
	a.hook.OnResponse(ctx, c.env, resp)

	calls := resp.ToolUseBlocks()
	if len(calls) == 0 {
		return &TurnResult{Response: resp}, nil
	}

	a.logger.InfoContext(ctx, "executing tool calls",
		slog.String("run_id", c.env.RunID),
		slog.Int("iteration", iteration),
		slog.Int("tool_calls", len(calls)),
	)

	results := make([]llm.ContentBlock, 0, len(calls))
	for i, call := range calls {
		if call.InputError != "" {
			// The model sees the decode failure and can resend the call.
			out := fmt.Sprintf("invalid arguments for tool %q: %s", call.Name, call.InputError)
			results = append(results, llm.ToolResultBlock(call.ID, out, true))
			continue
		}
		out, isErr := a.registry.Execute(ctx, &tools.Invocation{
			Env:       c.env,
			Name:      call.Name,
			Params:    call.Input,
			Iteration: iteration,
			CallIndex: i,
		})
		if out == "" {
			out = emptyToolOutput
		}
		results = append(results, llm.ToolResultBlock(call.ID, out, isErr))
	}
	c.history = append(c.history, llm.Message{Role: llm.RoleUser, ContentBlocks: results})

	return &TurnResult{Response: resp, ToolCalls: len(calls)}, nil
}
