// Package terminal implements the sandboxed command tool.
// All commands run through the run's sandbox, never directly on the host.
package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/step"
	"github.com/jkaninda/kodo/internal/tools"
)

// StepName names the durable step wrapping a command execution.
const StepName = "run-terminal-command"

// Tool executes shell commands inside the run's sandbox.
type Tool struct{}

// New creates the terminal tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Name() string        { return "terminal" }
func (t *Tool) Description() string { return "Use the terminal to run commands in the sandbox" }
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"commands": map[string]any{"type": "string", "description": "The shell command(s) to run"},
		},
		"required": []string{"commands"},
	}
}

// Execute runs the command and returns its stdout. A failed command returns
// a diagnostic embedding the error and everything captured so far.
func (t *Tool) Execute(ctx context.Context, inv *tools.Invocation) (string, error) {
	commands, err := tools.RequireString(inv.Params, "commands")
	if err != nil {
		return "", err
	}
	env := inv.Env
	return step.Run(ctx, env.Steps, inv.StepKey(StepName), func(ctx context.Context) (string, error) {
		var (
			mu     sync.Mutex
			stdout strings.Builder
			stderr strings.Builder
		)
		onStdout := func(chunk string) {
			mu.Lock()
			stdout.WriteString(chunk)
			mu.Unlock()
			events.Emit(env.Events, events.Event{RunID: env.RunID, Type: events.CommandStdout, Iteration: inv.Iteration, Tool: inv.Name, Data: chunk})
		}
		onStderr := func(chunk string) {
			mu.Lock()
			stderr.WriteString(chunk)
			mu.Unlock()
			events.Emit(env.Events, events.Event{RunID: env.RunID, Type: events.CommandStderr, Iteration: inv.Iteration, Tool: inv.Name, Data: chunk})
		}
		captured := func() (string, string) {
			mu.Lock()
			defer mu.Unlock()
			return stdout.String(), stderr.String()
		}

		session, err := env.Session(ctx)
		if err != nil {
			out, errOut := captured()
			return tools.Diagnostic("Command failed", fmt.Errorf("acquiring sandbox: %w", err), out, errOut), nil
		}
		result, err := session.RunCommand(ctx, commands, onStdout, onStderr)
		if err != nil {
			out, errOut := captured()
			if env.Logger != nil {
				env.Logger.WarnContext(ctx, "command failed",
					slog.String("correlation_id", inv.CorrelationID()),
					slog.String("error", err.Error()),
				)
			}
			return tools.Diagnostic("Command failed", err, out, errOut), nil
		}
		return result.Stdout, nil
	})
}

var _ tools.Tool = (*Tool)(nil)
