package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shayc/crewctl/internal/config"
	"github.com/shayc/crewctl/internal/gitutil"
	"github.com/shayc/crewctl/pkg/models"
)

var (
	cleanupForce   bool
	cleanupVerbose bool
	cleanupDryRun  bool
	cleanupRuns    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned worktrees and stale run directories",
	Long: `Clean up git worktrees left behind by a crashed or interrupted run.

This command:
  - Lists every worktree crewctl created
  - Identifies orphans: worktrees whose agent has no in-progress task in
    any run under the store directory
  - Removes orphaned worktrees (their branches are kept), then prunes
    git's worktree metadata

With --runs, also deletes run directories older than 30 days.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().BoolVarP(&cleanupVerbose, "verbose", "v", false, "Show each worktree as it's removed")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without removing")
	cleanupCmd.Flags().BoolVar(&cleanupRuns, "runs", false, "Also purge run directories older than 30 days")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repoPath, err := findGitRoot()
	if err != nil {
		return fmt.Errorf("find git repository: %w", err)
	}

	worktreeDir := cfg.Store.WorktreeDir
	if !filepath.IsAbs(worktreeDir) {
		worktreeDir = filepath.Join(repoPath, worktreeDir)
	}
	git := gitutil.NewExecRunner(repoPath)
	wtManager, err := gitutil.NewWorktreeManager(worktreeDir, repoPath, git)
	if err != nil {
		return fmt.Errorf("create worktree manager: %w", err)
	}

	rootDir := cfg.Store.RootDir
	if !filepath.IsAbs(rootDir) {
		rootDir = filepath.Join(repoPath, rootDir)
	}
	activeAgents, err := activeAgentIDs(rootDir)
	if err != nil && cleanupVerbose {
		fmt.Printf("warning: could not determine active agents: %v\n", err)
	}

	orphans, err := wtManager.ListOrphans(ctx, activeAgents)
	if err != nil {
		return fmt.Errorf("list orphaned worktrees: %w", err)
	}

	if len(orphans) == 0 {
		fmt.Println("No orphaned worktrees found.")
	} else {
		fmt.Printf("Found %d orphaned worktree(s):\n", len(orphans))
		for _, wt := range orphans {
			fmt.Printf("  %s (%s)\n", wt.Path, wt.Branch)
		}

		if cleanupDryRun {
			fmt.Println("Dry run: nothing removed.")
		} else {
			if !cleanupForce && !confirm("Remove these worktrees?") {
				fmt.Println("Aborted.")
				return nil
			}

			var notify func(string)
			if cleanupVerbose {
				notify = func(path string) { fmt.Printf("  removed %s\n", path) }
			}
			removed, err := wtManager.CleanupOrphans(ctx, activeAgents, notify)
			if err != nil {
				return fmt.Errorf("cleanup orphaned worktrees: %w", err)
			}
			color.Green("Removed %d worktree(s).", removed)
		}
	}

	if cleanupRuns {
		if err := purgeOldRuns(rootDir, 30*24*time.Hour, cleanupDryRun, cleanupVerbose); err != nil {
			return fmt.Errorf("purge old runs: %w", err)
		}
	}

	return nil
}

// activeAgentIDs scans every run directory's task store for tasks still
// claimed in progress, since those agents' worktrees must survive cleanup.
func activeAgentIDs(rootDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(rootDir, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var agentIDs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		// Read tasks.json directly: taskstore.Open reverts InProgress claims
		// to Pending on load, which would hide exactly the claims sought here.
		data, err := os.ReadFile(filepath.Join(rootDir, "runs", e.Name(), "tasks", "tasks.json"))
		if err != nil {
			continue
		}
		var state struct {
			Tasks map[string]*models.Task `json:"tasks"`
		}
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		for _, t := range state.Tasks {
			if t != nil && t.Status == models.TaskStatusInProgress && t.ClaimedByAgentID != "" {
				agentIDs = append(agentIDs, t.ClaimedByAgentID)
			}
		}
	}
	return agentIDs, nil
}

// purgeOldRuns removes run directories whose name (a timestamp) is older
// than maxAge.
func purgeOldRuns(rootDir string, maxAge time.Duration, dryRun, verbose bool) error {
	runsDir := filepath.Join(rootDir, "runs")
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runTime, err := time.Parse("20060102-150405", e.Name())
		if err != nil || runTime.After(cutoff) {
			continue
		}

		path := filepath.Join(runsDir, e.Name())
		if dryRun {
			fmt.Printf("would remove run directory %s\n", path)
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		if verbose {
			fmt.Printf("removed run directory %s\n", path)
		}
	}
	return nil
}

// findGitRoot walks up from the current directory looking for a .git entry.
func findGitRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no .git directory found above %s", cwd)
		}
		dir = parent
	}
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "Y"
}
