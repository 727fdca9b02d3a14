package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// CheckClaudeCLI verifies that the 'claude' CLI is available in PATH.
// Returns an error with installation instructions if not found.
func CheckClaudeCLI() error {
	_, err := exec.LookPath("claude")
	if err != nil {
		return fmt.Errorf("claude CLI not found in PATH\n\n" +
			"crewctl drives agents through the Claude Code CLI by default.\n\n" +
			"Install it with:\n" +
			"  npm install -g @anthropic-ai/claude-code\n\n" +
			"Or set provider.in_process: true in your config to use the SDK directly.")
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "crewctl",
	Short: "Coordinate a team of AI agents against a shared task list",
	Long: `crewctl decomposes a request into a dependency-ordered task list and
runs a team of agents against it in parallel, each in its own git worktree.

Core capabilities:
- Decomposes a request into a dependency DAG of claimable tasks
- Spawns agents that claim, plan, and execute tasks independently
- Coordinates agents through a file-backed inter-agent message bus
- Merges completed work incrementally, negotiating conflicts by intent

Available commands:
  run      Start a team run against a request
  status   Show the state of an in-progress or finished run
  cleanup  Remove orphaned worktrees and stale run directories
  version  Show version information

Use "crewctl [command] --help" for more information about a command.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version()

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
}
