package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/run"
)

var (
	runFramework string
	runID        string
	runQuiet     bool
)

var runCmd = &cobra.Command{
	Use:   "run [input]",
	Short: "Execute one run in this process and print the result",
	Long: `Execute a coding task directly, without a server or queue, and print the
resulting URL, files and summary as JSON.

Passing --id of an earlier run resumes it: completed steps are replayed
from the step store instead of being executed again.

Examples:
  kodo run "build a pomodoro timer"
  kodo run --framework nextjs "landing page for a bakery"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runFramework, "framework", "", "target framework (default nextjs)")
	runCmd.Flags().StringVar(&runID, "id", "", "run ID; reuse to resume an interrupted run")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print progress events")
}

func runRun(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ev := run.Event{
		ID:        runID,
		Input:     strings.Join(args, " "),
		Framework: runFramework,
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	if !runQuiet {
		sub := sc.Broker.Subscribe(ctx, ev.ID)
		defer sub.Close()
		go printEvents(sub.C())
	}

	res, err := sc.Driver.Execute(ctx, ev)
	if err != nil {
		return fmt.Errorf("run %s failed: %w", ev.ID, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		ID string `json:"id"`
		*run.Result
	}{ID: ev.ID, Result: res})
}

// printEvents writes one line per progress event to stderr.
func printEvents(ch <-chan events.Event) {
	for ev := range ch {
		line := string(ev.Type)
		if ev.Iteration > 0 {
			line += fmt.Sprintf(" [iteration %d]", ev.Iteration)
		}
		if ev.Tool != "" {
			line += " " + ev.Tool
		}
		if ev.Data != "" {
			line += ": " + strings.TrimRight(ev.Data, "\n")
		}
		fmt.Fprintln(os.Stderr, line)
	}
}
