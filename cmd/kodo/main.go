// Kodo is a coding agent that turns a one-line request into a running web
// app inside a cloud sandbox.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kodo",
	Short: "Kodo builds web apps from a prompt inside a sandbox.",
	Long: `Kodo runs a coding agent against a sandbox: it writes files, runs commands,
and returns the URL of the app it built together with the files and a summary.

Runs can be executed directly (kodo run), submitted to a server (kodo serve,
kodo submit), or the sandbox tools can be exposed to MCP clients (kodo mcp).`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, submitCmd, statusCmd, mcpCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
