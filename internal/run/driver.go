// Package run executes one coding task end to end: provision a sandbox,
// drive the agent network under a deadline, and report the sandbox URL with
// the files and summary the agent produced.
package run

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kodo/internal/agent"
	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/guard"
	"github.com/jkaninda/kodo/internal/network"
	"github.com/jkaninda/kodo/internal/observability"
	"github.com/jkaninda/kodo/internal/runstate"
	"github.com/jkaninda/kodo/internal/sandbox"
	"github.com/jkaninda/kodo/internal/step"
	"github.com/jkaninda/kodo/internal/tools"
)

const (
	DefaultTemplate = "kodo-nextjs-02"
	DefaultTitle    = "Fragment"
	NoSummary       = "No summary available"

	SandboxIDStep  = "get-sandbox-id"
	SandboxURLStep = "get-sandbox-url"
)

// Driver runs events. It is safe for concurrent use; each Execute call owns
// its sandbox and run state.
type Driver struct {
	sandboxes     sandbox.Provider
	agent         *agent.Agent
	steps         *step.Runner
	guard         *guard.Guard
	template      string
	endpointPort  int
	maxIterations int
	events        events.Publisher
	tracer        trace.Tracer
	logger        *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithTemplate sets the sandbox template.
func WithTemplate(id string) Option {
	return func(d *Driver) {
		if id != "" {
			d.template = id
		}
	}
}

// WithEndpointPort sets the sandbox port reported as the run URL.
func WithEndpointPort(port int) Option {
	return func(d *Driver) {
		if port > 0 {
			d.endpointPort = port
		}
	}
}

// WithMaxIterations bounds the agent turns per run.
func WithMaxIterations(n int) Option {
	return func(d *Driver) { d.maxIterations = n }
}

// WithGuard sets the deadline policy.
func WithGuard(g *guard.Guard) Option {
	return func(d *Driver) { d.guard = g }
}

// WithEvents publishes run progress to p.
func WithEvents(p events.Publisher) Option {
	return func(d *Driver) { d.events = p }
}

// WithTracer opens a root span per run.
func WithTracer(t trace.Tracer) Option {
	return func(d *Driver) { d.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// NewDriver creates a driver. steps may be nil, in which case nothing is memoized.
func NewDriver(sandboxes sandbox.Provider, a *agent.Agent, steps *step.Runner, opts ...Option) *Driver {
	d := &Driver{
		sandboxes:     sandboxes,
		agent:         a,
		steps:         steps,
		template:      DefaultTemplate,
		endpointPort:  sandbox.DefaultEndpointPort,
		maxIterations: network.DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.guard == nil {
		d.guard = guard.New(guard.DefaultTimeout, false, d.logger)
	}
	return d
}

// Execute runs ev to completion. Sandbox provisioning and model failures are
// returned as errors; a missed deadline is not an error and yields the
// timed-out summary with no files.
func (d *Driver) Execute(ctx context.Context, ev Event) (*Result, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Framework == "" {
		ev.Framework = agent.DefaultFramework
	}
	logger := d.logger.With(slog.String("run_id", ev.ID))
	events.Emit(d.events, events.Event{RunID: ev.ID, Type: events.RunStarted})

	ctx, span := observability.StartRun(ctx, d.tracer, ev.ID, ev.Framework)
	res, err := d.execute(ctx, ev, logger)
	observability.EndRun(span, err)
	if err != nil {
		events.Emit(d.events, events.Event{RunID: ev.ID, Type: events.RunFailed, Data: err.Error()})
		return nil, err
	}
	events.Emit(d.events, events.Event{RunID: ev.ID, Type: events.RunCompleted, Data: res.Summary})
	return res, nil
}

func (d *Driver) execute(ctx context.Context, ev Event, logger *slog.Logger) (*Result, error) {
	sandboxID, err := step.Run(ctx, d.steps, step.RunKey(ev.ID, SandboxIDStep),
		func(ctx context.Context) (string, error) {
			return d.sandboxes.Create(ctx, d.template)
		})
	if err != nil {
		return nil, fmt.Errorf("creating sandbox from %s: %w", d.template, err)
	}
	logger.InfoContext(ctx, "sandbox ready",
		slog.String("sandbox_id", sandboxID),
		slog.String("provider", d.sandboxes.Name()),
	)

	state := runstate.New()
	env := &tools.Env{
		RunID:     ev.ID,
		SandboxID: sandboxID,
		Sandboxes: d.sandboxes,
		State:     state,
		Steps:     d.steps,
		Events:    d.events,
		Logger:    logger,
	}
	conv := d.agent.Start(env, agent.TaskPrompt(ev.Framework, ev.Input))
	nw := network.New(
		network.WithMaxIterations(d.maxIterations),
		network.WithEvents(d.events),
		network.WithLogger(logger),
	)

	start := time.Now()
	out, timedOut, err := guard.Run(ctx, d.guard, timedOutResult,
		func(ctx context.Context) (*network.Result, error) {
			return nw.Run(ctx, ev.ID, state, conv)
		})
	logger.InfoContext(ctx, "agent network run finished",
		slog.Duration("duration", time.Since(start)),
		slog.Bool("timed_out", timedOut),
	)
	if err != nil {
		return nil, err
	}
	if timedOut {
		events.Emit(d.events, events.Event{RunID: ev.ID, Type: events.RunTimedOut})
	}

	url, err := step.Run(ctx, d.steps, step.RunKey(ev.ID, SandboxURLStep),
		func(ctx context.Context) (string, error) {
			sess, err := d.sandboxes.Get(ctx, sandboxID)
			if err != nil {
				return "", err
			}
			host, err := sess.PublicEndpoint(d.endpointPort)
			if err != nil {
				return "", err
			}
			return "https://" + host, nil
		})
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox url: %w", err)
	}

	summary := out.State.Summary
	if summary == "" {
		summary = NoSummary
	}
	files := out.State.Files
	if files == nil {
		files = map[string]string{}
	}
	return &Result{URL: url, Title: DefaultTitle, Files: files, Summary: summary}, nil
}

func timedOutResult() *network.Result {
	return &network.Result{
		State: runstate.Snapshot{Files: map[string]string{}, Summary: guard.TimedOutSummary},
	}
}
