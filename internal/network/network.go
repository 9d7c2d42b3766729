// Package network runs an agent in passes until a router halts it.
package network

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jkaninda/kodo/internal/agent"
	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/runstate"
)

const (
	DefaultName          = "coding-agent-network"
	DefaultMaxIterations = 7
)

// Decision is what the router returns for one pass.
type Decision struct {
	Halt    bool
	Summary string
}

// Router decides from the run state alone whether the network halts.
type Router func(runstate.Snapshot) Decision

// SummaryRouter halts as soon as a summary has been recorded.
func SummaryRouter(s runstate.Snapshot) Decision {
	if s.Summary != "" {
		return Decision{Halt: true, Summary: s.Summary}
	}
	return Decision{}
}

// HaltReason says why a run stopped.
type HaltReason string

const (
	HaltSummary       HaltReason = "summary"
	HaltMaxIterations HaltReason = "max_iterations"
)

// Result is the final state of a halted network.
type Result struct {
	State      runstate.Snapshot
	Iterations int
	Reason     HaltReason
}

// Turner runs one agent turn. *agent.Conversation implements it.
type Turner interface {
	Turn(ctx context.Context, iteration int) (*agent.TurnResult, error)
}

var _ Turner = (*agent.Conversation)(nil)

// Network owns the routing loop.
type Network struct {
	name          string
	maxIterations int
	router        Router
	events        events.Publisher
	logger        *slog.Logger
}

// Option configures a Network.
type Option func(*Network)

// WithMaxIterations bounds the number of agent turns. Values below 1 are ignored.
func WithMaxIterations(n int) Option {
	return func(nw *Network) {
		if n > 0 {
			nw.maxIterations = n
		}
	}
}

// WithRouter replaces SummaryRouter.
func WithRouter(r Router) Option {
	return func(nw *Network) { nw.router = r }
}

// WithEvents publishes an event at the start of every iteration.
func WithEvents(p events.Publisher) Option {
	return func(nw *Network) { nw.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(nw *Network) { nw.logger = l }
}

// New creates a network with SummaryRouter and DefaultMaxIterations.
func New(opts ...Option) *Network {
	nw := &Network{
		name:          DefaultName,
		maxIterations: DefaultMaxIterations,
		router:        SummaryRouter,
	}
	for _, opt := range opts {
		opt(nw)
	}
	if nw.logger == nil {
		nw.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nw
}

// Name returns the network name.
func (nw *Network) Name() string { return nw.name }

// MaxIterations returns the turn bound.
func (nw *Network) MaxIterations() int { return nw.maxIterations }

// Run drives conv until the router halts or MaxIterations turns have run.
// The router is consulted before the iteration bound, so a summary written
// on the last turn is still reported as a summary halt. A turn error ends
// the run.
func (nw *Network) Run(ctx context.Context, runID string, state *runstate.State, conv Turner) (*Result, error) {
	index := 0
	for {
		if d := nw.router(state.Snapshot()); d.Halt {
			nw.logger.InfoContext(ctx, "network halted",
				slog.String("network", nw.name),
				slog.String("run_id", runID),
				slog.Int("iterations", index),
			)
			snap := state.Snapshot()
			snap.Summary = d.Summary
			return &Result{State: snap, Iterations: index, Reason: HaltSummary}, nil
		}
		if index >= nw.maxIterations {
			nw.logger.WarnContext(ctx, "max iterations reached",
				slog.String("network", nw.name),
				slog.String("run_id", runID),
				slog.Int("max_iterations", nw.maxIterations),
			)
			return &Result{State: state.Snapshot(), Iterations: index, Reason: HaltMaxIterations}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		events.Emit(nw.events, events.Event{RunID: runID, Type: events.IterationStart, Iteration: index})
		if _, err := conv.Turn(ctx, index); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", index, err)
		}
		index++
	}
}
