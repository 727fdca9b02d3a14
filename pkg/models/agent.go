package models

import "time"

// AgentState represents where an agent sits in its lifecycle state machine.
type AgentState string

const (
	AgentStateSpawning     AgentState = "spawning"
	AgentStateReady        AgentState = "ready"
	AgentStateClaiming     AgentState = "claiming"
	AgentStatePlanningWork AgentState = "planning_work"
	AgentStateWorking      AgentState = "working"
	AgentStateIdle         AgentState = "idle"
	AgentStateShuttingDown AgentState = "shutting_down"
	AgentStateStopped      AgentState = "stopped"
	AgentStateError        AgentState = "error"
)

// Valid returns true if the state is a known value.
func (s AgentState) Valid() bool {
	switch s {
	case AgentStateSpawning, AgentStateReady, AgentStateClaiming, AgentStatePlanningWork,
		AgentStateWorking, AgentStateIdle, AgentStateShuttingDown, AgentStateStopped, AgentStateError:
		return true
	default:
		return false
	}
}

// Terminal returns true if the agent will not leave this state on its own.
func (s AgentState) Terminal() bool {
	return s == AgentStateStopped
}

// Stats tracks running counters for an agent's work over its lifetime.
type Stats struct {
	TasksCompleted int   `json:"tasks_completed"`
	TasksFailed    int   `json:"tasks_failed"`
	OutputBytes    int64 `json:"output_bytes"`
}

// Agent is a live worker bound to one worktree, one model, one mailbox.
type Agent struct {
	// AgentID is stable: "agent-N" for long-lived agents, "task-agent-{uuid}" for ephemeral ones.
	AgentID string `json:"agent_id"`
	// Name is a human-readable label.
	Name string `json:"name"`
	// Model identifies the provider and model in use, e.g. "anthropic:claude-sonnet-4".
	Model string `json:"model"`
	// State is the current lifecycle state.
	State AgentState `json:"state"`
	// WorktreePath is the isolated checkout this agent owns.
	WorktreePath string `json:"worktree_path"`
	// CurrentTaskID is the task this agent holds, if any.
	CurrentTaskID string `json:"current_task_id,omitempty"`
	// SpawnPrompt is additional context injected into every prompt for this agent, if any.
	SpawnPrompt string `json:"spawn_prompt,omitempty"`
	// RequirePlanApproval gates work behind a PlanSubmission/PlanApproval round-trip.
	RequirePlanApproval bool `json:"require_plan_approval"`
	// StateEnteredAt is when the agent entered its current state.
	StateEnteredAt time.Time `json:"state_entered_at"`
	// Stats holds running totals for this agent's work.
	Stats Stats `json:"stats"`
}
