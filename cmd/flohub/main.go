// Package main provides the CLI entry point for the flohub agent hub.
//
// Flohub hosts browser-built agents server-side: it persists and restores
// their sessions, runs their LLM loops, executes tools, schedules wakeups,
// and proxies provider APIs for connected clients.
//
// # Basic Usage
//
// Start the hub:
//
//	flohub serve --config flohub.yaml
//
// Check a running hub:
//
//	flohub status --url http://localhost:8787
//
// # Environment Variables
//
// Values in the configuration file are expanded against the environment,
// so secrets can be supplied as:
//
//   - FLOHUB_TOKEN: hub authentication token
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: shared provider keys
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "flohub",
		Short:         "Agent hub for browser-built AI agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flohub %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
