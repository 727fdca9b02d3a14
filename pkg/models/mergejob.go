package models

// MergeJob is a queued request to merge an agent's branch back to the target branch.
type MergeJob struct {
	TaskID       string      `json:"task_id"`
	AgentID      string      `json:"agent_id"`
	WorktreePath string      `json:"worktree_path"`
	Branch       string      `json:"branch"`
	TargetBranch string      `json:"target_branch"`
	Status       MergeStatus `json:"status"`
	DependsOn    []string    `json:"depends_on,omitempty"`
	Files        []string    `json:"files,omitempty"`
}
