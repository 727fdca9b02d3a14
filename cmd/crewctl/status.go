package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shayc/crewctl/internal/config"
	"github.com/shayc/crewctl/internal/taskstore"
	"github.com/shayc/crewctl/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of an in-progress or finished run",
	Long: `Display the task list and completion stats for the most recent
run under the configured store directory.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	rootDir := cfg.Store.RootDir
	if !filepath.IsAbs(rootDir) {
		rootDir = filepath.Join(cwd, rootDir)
	}

	runID, err := latestRunID(rootDir)
	if err != nil {
		fmt.Println("No runs found. Run 'crewctl run <request>' to start one.")
		return nil
	}

	tasksDir := filepath.Join(rootDir, "runs", runID, "tasks")
	store, err := taskstore.Open(tasksDir, nil)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}

	stats := store.Statistics()
	fmt.Printf("run %s: %d/%d tasks complete (%.0f%%)\n", runID, stats.Completed, stats.Total, stats.CompletionPercent)
	fmt.Printf("  pending: %d  in progress: %d  completed: %d  failed: %d\n\n",
		stats.Pending, stats.InProgress, stats.Completed, stats.Failed)

	tasks := store.GetAll()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
	for _, t := range tasks {
		fmt.Printf("  [%s] %s %s", statusSymbol(t.Status), t.TaskID, t.Title)
		if t.ClaimedByAgentID != "" {
			fmt.Printf(" (%s)", t.ClaimedByAgentID)
		}
		fmt.Println()
	}
	return nil
}

func statusSymbol(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusCompleted:
		return color.GreenString("x")
	case models.TaskStatusInProgress:
		return color.YellowString("~")
	case models.TaskStatusFailed:
		return color.RedString("!")
	default:
		return " "
	}
}

// latestRunID returns the lexicographically greatest run directory name
// under rootDir/runs, since run IDs are timestamp-formatted and therefore
// sort chronologically.
func latestRunID(rootDir string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(rootDir, "runs"))
	if err != nil {
		return "", err
	}

	var latest string
	for _, e := range entries {
		if e.IsDir() && e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no runs found under %s", rootDir)
	}
	return latest, nil
}
