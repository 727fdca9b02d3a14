package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates the task is claimed and being worked.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted its retries.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are expected from this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Priority ranks tasks for claim ordering.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Weight returns a numeric rank used to order claimable tasks; higher claims first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// MergeStatus tracks a task's progress through the merge queue.
type MergeStatus string

const (
	MergeStatusPending          MergeStatus = "pending"
	MergeStatusQueued           MergeStatus = "queued"
	MergeStatusMerging          MergeStatus = "merging"
	MergeStatusMerged           MergeStatus = "merged"
	MergeStatusConflictDetected MergeStatus = "conflict_detected"
	MergeStatusResolved         MergeStatus = "resolved"
	MergeStatusFailed           MergeStatus = "failed"
)

// TaskResult carries the outcome of a successfully executed task.
type TaskResult struct {
	// CommitSHA is the git commit produced by the agent's work.
	CommitSHA string `json:"commit_sha,omitempty"`
	// ModifiedFiles lists files touched while executing the task.
	ModifiedFiles []string `json:"modified_files,omitempty"`
	// Duration is how long the task took to execute.
	Duration time.Duration `json:"duration"`
}

// Task is a unit of assigned work tracked by the TaskStore.
type Task struct {
	// TaskID is stable and sequential within a decomposition batch (e.g. "task-1").
	TaskID string `json:"task_id"`
	// Title is a short human-readable label.
	Title string `json:"title"`
	// Description is the full work item description given to an agent.
	Description string `json:"description"`
	// Priority orders claim precedence.
	Priority Priority `json:"priority"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// DependsOn lists task IDs that must be Completed before this task is claimable.
	DependsOn []string `json:"depends_on,omitempty"`
	// Files are expected file paths touched by this task; advisory only.
	Files []string `json:"files,omitempty"`
	// ClaimedByAgentID is the agent currently holding this task, if any.
	ClaimedByAgentID string `json:"claimed_by_agent_id,omitempty"`
	// ClaimedAt is when the task was claimed, if any.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	// RetryCount is how many times this task has failed and been retried.
	RetryCount int `json:"retry_count"`
	// MaxRetries is the retry budget before the task becomes terminally Failed.
	MaxRetries int `json:"max_retries"`
	// Result carries the outcome once Status is Completed.
	Result *TaskResult `json:"result,omitempty"`
	// Error holds the most recent failure message, if any.
	Error string `json:"error,omitempty"`
	// MergeStatus tracks progress through the merge queue.
	MergeStatus MergeStatus `json:"merge_status"`
	// CreatedAt is when the task was added to the store.
	CreatedAt time.Time `json:"created_at"`
}

// Claimable reports whether t can be claimed given the status of its
// dependencies, expressed as a map from task ID to status. Unknown
// dependency IDs render the task permanently unclaimable.
func (t *Task) Claimable(byID map[string]TaskStatus) bool {
	if t.Status != TaskStatusPending {
		return false
	}
	for _, dep := range t.DependsOn {
		status, ok := byID[dep]
		if !ok || status != TaskStatusCompleted {
			return false
		}
	}
	return true
}
