package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kodo/internal/mcpserver"
	"github.com/jkaninda/kodo/internal/runstate"
	"github.com/jkaninda/kodo/internal/tools"
)

var mcpSandboxID string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the sandbox tools over MCP on stdio",
	Long: `Expose the terminal, CreateOrUpdateFile and readFiles tools as an MCP
server on stdin/stdout, bound to one sandbox. A new sandbox is provisioned
unless --sandbox names an existing one. Logs go to stderr.

Example:
  kodo mcp --sandbox sbx-1234`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpSandboxID, "sandbox", "", "attach to an existing sandbox instead of creating one")
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	ctx := context.Background()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	sandboxID := mcpSandboxID
	if sandboxID == "" {
		sandboxID, err = sc.Sandboxes.Create(ctx, cfg.Agent.TemplateID())
		if err != nil {
			return fmt.Errorf("creating sandbox: %w", err)
		}
	} else if _, err := sc.Sandboxes.Get(ctx, sandboxID); err != nil {
		return fmt.Errorf("attaching to sandbox %s: %w", sandboxID, err)
	}

	env := &tools.Env{
		RunID:     "mcp-" + uuid.NewString(),
		SandboxID: sandboxID,
		Sandboxes: sc.Sandboxes,
		State:     runstate.New(),
		Steps:     sc.Steps,
		Events:    sc.Broker,
		Logger:    logger,
	}
	srv, err := mcpserver.New(sc.Registry, env, version, mcpserver.WithLogger(logger))
	if err != nil {
		return err
	}

	logger.Info("mcp server ready",
		slog.String("sandbox_id", sandboxID),
		slog.String("run_id", env.RunID),
	)
	return srv.ServeStdio()
}
