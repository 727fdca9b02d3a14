package taskstore

import "github.com/shayc/crewctl/pkg/models"

// EventType enumerates the lifecycle events a Store emits.
type EventType string

const (
	EventTaskAdded     EventType = "task_added"
	EventTaskClaimed   EventType = "task_claimed"
	EventTaskCompleted EventType = "task_completed"
	EventTaskUnblocked EventType = "task_unblocked"
	EventTaskFailed    EventType = "task_failed"
)

// Event is delivered synchronously to every registered handler from within
// the mutating call (addTasks, tryClaim, complete, fail). Handlers must not
// block or re-enter the Store.
type Event struct {
	Type EventType
	Task models.Task
}

// EventHandler receives Store events.
type EventHandler func(Event)

// OnEvent registers a handler invoked for every event the Store emits.
// Handlers are called in registration order, synchronously. AddTasks,
// TryClaim and TryClaimSpecific call them while the store's lock is held;
// Complete and Fail call them after releasing it. Either way they must
// return quickly and must not call back into the Store.
func (s *Store) OnEvent(h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Store) emit(evt Event) {
	for _, h := range s.handlers {
		h(evt)
	}
}
