// Package sandboxtest provides an in-memory sandbox provider for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/jkaninda/kodo/internal/sandbox"
)

// CommandFunc scripts the behavior of RunCommand. It may call the stream
// callbacks and returns the result, or an error for a failed command.
type CommandFunc func(cmd string, onStdout, onStderr func(string)) (*sandbox.CommandResult, error)

// Provider is an in-memory sandbox.Provider. Files live in a map per session.
type Provider struct {
	mu       sync.Mutex
	sessions map[string]*env
	next     int

	// Host is the domain used by PublicEndpoint. Default "sandbox.test".
	Host string
	// OnCommand scripts commands. Default echoes the command on stdout.
	OnCommand CommandFunc
	// CreateErr, if set, fails Create.
	CreateErr error
	// WriteErrs fails WriteFile for the listed paths.
	WriteErrs map[string]error
	// PingErr, if set, is returned by Ping.
	PingErr error

	Creates  int
	Gets     int
	Commands []string
}

type env struct {
	id    string
	tmpl  string
	files map[string]string
}

// NewProvider creates an empty fake provider.
func NewProvider() *Provider {
	return &Provider{sessions: make(map[string]*env), WriteErrs: make(map[string]error)}
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PingErr
}

func (p *Provider) Create(_ context.Context, templateID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Creates++
	if p.CreateErr != nil {
		return "", p.CreateErr
	}
	p.next++
	id := fmt.Sprintf("sbx-%d", p.next)
	p.sessions[id] = &env{id: id, tmpl: templateID, files: make(map[string]string)}
	return id, nil
}

func (p *Provider) Get(_ context.Context, sessionID string) (sandbox.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Gets++
	e, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, sandbox.ErrSessionNotFound)
	}
	return &session{p: p, env: e}, nil
}

// Files returns a copy of the files written to sessionID.
func (p *Provider) Files(sessionID string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.sessions[sessionID]; ok {
		return maps.Clone(e.files)
	}
	return nil
}

// Seed sets a file in sessionID directly.
func (p *Provider) Seed(sessionID, path, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.sessions[sessionID]; ok {
		e.files[path] = content
	}
}

// Template returns the template sessionID was created from.
func (p *Provider) Template(sessionID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.sessions[sessionID]; ok {
		return e.tmpl
	}
	return ""
}

type session struct {
	p   *Provider
	env *env
}

func (s *session) ID() string { return s.env.id }

func (s *session) RunCommand(_ context.Context, cmd string, onStdout, onStderr func(string)) (*sandbox.CommandResult, error) {
	s.p.mu.Lock()
	s.p.Commands = append(s.p.Commands, cmd)
	fn := s.p.OnCommand
	s.p.mu.Unlock()

	if onStdout == nil {
		onStdout = func(string) {}
	}
	if onStderr == nil {
		onStderr = func(string) {}
	}
	if fn == nil {
		onStdout(cmd)
		return &sandbox.CommandResult{Stdout: cmd}, nil
	}
	return fn(cmd, onStdout, onStderr)
}

func (s *session) WriteFile(_ context.Context, path, content string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if err := s.p.WriteErrs[path]; err != nil {
		return err
	}
	s.env.files[path] = content
	return nil
}

func (s *session) ReadFile(_ context.Context, path string) (string, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	content, ok := s.env.files[path]
	if !ok {
		return "", fmt.Errorf("file not found: %s", path)
	}
	return content, nil
}

func (s *session) PublicEndpoint(port int) (string, error) {
	host := s.p.Host
	if host == "" {
		host = "sandbox.test"
	}
	return fmt.Sprintf("%d-%s.%s", port, s.env.id, host), nil
}

var _ sandbox.Provider = (*Provider)(nil)
