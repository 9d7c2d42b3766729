// Package mcpserver exposes the sandbox tool set of one run over the Model
// Context Protocol, so external MCP clients can drive the same sandbox the
// agent uses.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/kodo/internal/tools"
)

const (
	ServerName    = "kodo"
	ServerVersion = "1.0.0"
)

// Server serves a tool registry bound to a single tools.Env.
type Server struct {
	registry *tools.Registry
	env      *tools.Env
	mcp      *server.MCPServer
	logger   *slog.Logger

	mu    sync.Mutex
	calls int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New registers every tool in registry as an MCP tool executing against env.
func New(registry *tools.Registry, env *tools.Env, version string, opts ...Option) (*Server, error) {
	if version == "" {
		version = ServerVersion
	}
	s := &Server{
		registry: registry,
		env:      env,
		mcp:      server.NewMCPServer(ServerName, version, server.WithToolCapabilities(false)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	for _, t := range registry.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("encoding schema of tool %s: %w", t.Name(), err)
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), s.handler(t.Name()))
	}
	return s, nil
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP over stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio",
		slog.String("run_id", s.env.RunID),
		slog.String("sandbox_id", s.env.SandboxID),
	)
	return server.ServeStdio(s.mcp)
}

// handler runs one call through the registry. Each call gets its own
// iteration number so durable step keys never collide within a session.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.mu.Lock()
		s.calls++
		iteration := s.calls
		s.mu.Unlock()

		out, isErr := s.registry.Execute(ctx, &tools.Invocation{
			Env:       s.env,
			Name:      name,
			Params:    req.GetArguments(),
			Iteration: iteration,
		})
		if isErr {
			return mcp.NewToolResultError(out), nil
		}
		if out == "" {
			out = "ok"
		}
		return mcp.NewToolResultText(out), nil
	}
}
