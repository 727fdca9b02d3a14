package orchestrator

import "time"

// EventType classifies an event the lead emits for observers (the TUI, a
// log sink) to fan out on.
type EventType string

const (
	EventTaskQueued        EventType = "task_queued"
	EventAgentSpawned      EventType = "agent_spawned"
	EventAgentStateChanged EventType = "agent_state_changed"
	EventMergeOutcome      EventType = "merge_outcome"
	EventFileOverlap       EventType = "file_overlap"
	EventSessionDone       EventType = "session_done"
)

// Event is a single notification emitted by the lead during a run.
type Event struct {
	Type      EventType
	AgentID   string
	TaskID    string
	Message   string
	Err       error
	Timestamp time.Time
}

// EventEmitter fans Events out to one subscriber (the TUI) without ever
// blocking the coordination loop: a full channel drops the event.
type EventEmitter struct {
	events chan Event
}

// NewEventEmitter creates an emitter buffering up to bufferSize events.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{events: make(chan Event, bufferSize)}
}

// Emit sends an event, dropping it silently if the channel is full.
func (e *EventEmitter) Emit(evt Event) {
	select {
	case e.events <- evt:
	default:
	}
}

// Events returns the read-only subscriber channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel; callers must stop calling Emit first.
func (e *EventEmitter) Close() {
	close(e.events)
}
