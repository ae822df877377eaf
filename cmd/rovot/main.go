// Package main provides the CLI entry point for the Rovot local-first
// personal AI agent daemon.
//
// Start the daemon:
//
//	rovot serve --config rovot.yaml
//
// Check the environment:
//
//	rovot doctor
//
// Print or rotate the control-plane token:
//
//	rovot token
//	rovot token --rotate
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rovot",
		Short: "Rovot - local-first personal AI agent daemon",
		Long: `Rovot runs a personal AI agent on your own machine. The daemon talks to
an OpenAI-compatible model backend, executes tools against the local host
(filesystem, shell, web, email) inside a confined workspace, and pauses
for explicit human approval before anything high-risk runs.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildDoctorCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}
