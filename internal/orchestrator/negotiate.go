package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shayc/crewctl/internal/gitutil"
	"github.com/shayc/crewctl/internal/merge"
	"github.com/shayc/crewctl/internal/negotiator"
	"github.com/shayc/crewctl/internal/taskstore"
	"github.com/shayc/crewctl/pkg/models"
)

// BuildNegotiatorInput returns a merge.NegotiatorInputFunc grounded in store
// and worktrees: the merge package has no access to either, so per
// merge.NegotiatorInput's contract it is the lead's job to resolve a
// conflicted job down to the two task intents, diffs, and file bodies the
// negotiator needs. git runs diff/show commands against each worktree.
func BuildNegotiatorInput(store *taskstore.Store, worktrees *gitutil.WorktreeManager, git gitutil.Runner) merge.NegotiatorInputFunc {
	return func(ctx context.Context, job models.MergeJob, conflicts []models.ConflictedFile) (merge.NegotiatorInput, error) {
		task, ok := store.GetByID(job.TaskID)
		if !ok {
			return merge.NegotiatorInput{}, fmt.Errorf("task %s not found for merge job", job.TaskID)
		}

		agentA := negotiator.TaskIntent{
			AgentID:     job.AgentID,
			Branch:      job.Branch,
			Description: fmt.Sprintf("%s: %s", task.Title, task.Description),
		}
		agentB := priorMergeIntent(store, conflicts, job.TargetBranch)

		diffA, err := diffAgainstTarget(ctx, git, job.TargetBranch)
		if err != nil {
			diffA = ""
		}
		diffB := ""

		fileBodies := make(map[string]string, len(conflicts))
		for _, c := range conflicts {
			data, err := os.ReadFile(filepath.Join(job.WorktreePath, c.Path))
			if err != nil {
				continue
			}
			fileBodies[c.Path] = string(data)
		}

		return merge.NegotiatorInput{
			AgentA:     agentA,
			AgentB:     agentB,
			DiffA:      diffA,
			DiffB:      diffB,
			FileBodies: fileBodies,
		}, nil
	}
}

// priorMergeIntent looks for the most recently merged task that touched one
// of the conflicting files, so the negotiator can weigh both sides' intent
// rather than just the target branch's raw content. Falls back to a generic
// description naming targetBranch when no such task is found.
func priorMergeIntent(store *taskstore.Store, conflicts []models.ConflictedFile, targetBranch string) negotiator.TaskIntent {
	conflictPaths := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		conflictPaths[c.Path] = true
	}

	for _, t := range store.GetAll() {
		if t.MergeStatus != models.MergeStatusMerged {
			continue
		}
		for _, f := range append(append([]string{}, t.Files...), t.ModifiedFiles...) {
			if conflictPaths[f] {
				return negotiator.TaskIntent{
					AgentID:     t.ClaimedByAgentID,
					Branch:      targetBranch,
					Description: fmt.Sprintf("%s: %s", t.Title, t.Description),
				}
			}
		}
	}

	return negotiator.TaskIntent{
		AgentID:     "",
		Branch:      targetBranch,
		Description: "prior changes already merged into " + targetBranch,
	}
}

// diffAgainstTarget summarizes the working tree's uncommitted-relative-to-
// target diff so the negotiator can see what changed, bounded by the
// negotiator's own truncation of long diffs.
func diffAgainstTarget(ctx context.Context, git gitutil.Runner, targetBranch string) (string, error) {
	return git.Run(ctx, "diff", targetBranch+"...HEAD")
}
