// Package agent drives a single worker through its lifecycle: claim a
// task, optionally get the plan approved, execute it via a provider inside
// a dedicated worktree, and hand the result to the merge queue, idling
// between tasks with exponential backoff.
package agent

import "github.com/shayc/crewctl/pkg/models"

// validTransitions enumerates every legal lifecycle edge. Transitions not
// listed here are rejected by CanTransition.
var validTransitions = map[models.AgentState]map[models.AgentState]bool{
	models.AgentStateSpawning: {
		models.AgentStateReady: true,
		models.AgentStateError: true,
	},
	models.AgentStateReady: {
		models.AgentStateClaiming: true,
		models.AgentStateError:    true,
	},
	models.AgentStateClaiming: {
		models.AgentStatePlanningWork: true,
		models.AgentStateWorking:      true,
		models.AgentStateIdle:         true,
		models.AgentStateError:        true,
	},
	models.AgentStatePlanningWork: {
		models.AgentStateWorking: true,
		// PlanningWork -> PlanningWork (retry) and -> Idle (revisions
		// exhausted) are both legal self/forward edges.
		models.AgentStatePlanningWork: true,
		models.AgentStateIdle:         true,
		models.AgentStateError:        true,
	},
	models.AgentStateWorking: {
		models.AgentStateClaiming:     true,
		models.AgentStateShuttingDown: true,
		models.AgentStateError:        true,
	},
	models.AgentStateIdle: {
		models.AgentStateClaiming:     true,
		models.AgentStateShuttingDown: true,
		models.AgentStateError:        true,
	},
	models.AgentStateShuttingDown: {
		models.AgentStateStopped: true,
		models.AgentStateError:   true,
	},
	models.AgentStateStopped: {},
	models.AgentStateError:   {},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge
// in the lifecycle state machine.
func CanTransition(from, to models.AgentState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// LifecycleEventType classifies an agent lifecycle notification.
type LifecycleEventType string

const (
	LifecycleEventStateChanged LifecycleEventType = "state_changed"
	LifecycleEventTaskClaimed  LifecycleEventType = "task_claimed"
	LifecycleEventTaskFinished LifecycleEventType = "task_finished"
)

// LifecycleEvent is emitted whenever the Runner changes state or finishes
// a unit of work, for the lead orchestrator and TUI to observe.
type LifecycleEvent struct {
	Type    LifecycleEventType
	AgentID string
	From    models.AgentState
	To      models.AgentState
	TaskID  string
	Error   string
}

// LifecycleEventHandler receives lifecycle notifications; it must not block.
type LifecycleEventHandler func(LifecycleEvent)
