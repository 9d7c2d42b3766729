// Package sandbox manages the ephemeral execution environments a run works in.
// A Provider provisions environments from a template and re-acquires handles
// to them by identifier; a Session runs commands, reads and writes files, and
// exposes the environment's network endpoints.
package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// DefaultEndpointPort is the port the template's dev server listens on.
const DefaultEndpointPort = 3000

// ErrSessionNotFound is returned by Provider.Get for unknown session IDs.
var ErrSessionNotFound = errors.New("sandbox session not found")

// Provider provisions and looks up sandbox sessions.
type Provider interface {
	// Create provisions a new environment from templateID and returns its ID.
	Create(ctx context.Context, templateID string) (string, error)

	// Get returns a live handle to an existing environment. Repeated calls
	// may return distinct handles that resolve to the same environment.
	Get(ctx context.Context, sessionID string) (Session, error)

	// Name returns the provider identifier (e.g. "e2b").
	Name() string
}

// Pinger is implemented by providers that can report whether their backend
// is reachable without provisioning anything.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Session is a handle to one environment.
type Session interface {
	ID() string

	// RunCommand executes cmd through a shell. Output chunks are passed to
	// onStdout and onStderr as they arrive (either may be nil). A non-zero
	// exit status is reported as a *CommandError.
	RunCommand(ctx context.Context, cmd string, onStdout, onStderr func(string)) (*CommandResult, error)

	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)

	// PublicEndpoint returns the hostname under which port is reachable.
	PublicEndpoint(port int) (string, error)
}

// CommandResult captures a finished command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandError reports a command that ran but exited non-zero.
type CommandError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("exit status %d", e.ExitCode)
}
