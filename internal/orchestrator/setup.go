package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shayc/crewctl/internal/merge"
)

// Setup decomposes request into tasks, persists them, spawns the team's
// bounded agent pool, and logs any file-overlap warnings. Spawn count is
// bounded by MaxAgents; when there are fewer tasks than agents, only that
// many are spawned.
func (l *Lead) Setup(ctx context.Context, request string) error {
	startSeq := len(l.store.GetAll())

	tasks, err := Decompose(ctx, l.invoker, l.cfg.LeadProvider, request, startSeq)
	if err != nil {
		return fmt.Errorf("decompose request: %w", err)
	}

	if err := l.store.AddTasks(tasks); err != nil {
		return fmt.Errorf("add tasks: %w", err)
	}

	for _, t := range tasks {
		l.events.Emit(Event{Type: EventTaskQueued, TaskID: t.TaskID, Message: t.Title, Timestamp: time.Now()})
	}

	spawnCount := l.cfg.MaxAgents
	if len(tasks) > 0 && len(tasks) < spawnCount {
		spawnCount = len(tasks)
	}
	for i := 0; i < spawnCount; i++ {
		agentID := fmt.Sprintf("agent-%d", i+1)
		if _, err := l.spawnAgent(ctx, agentID); err != nil {
			return fmt.Errorf("spawn %s: %w", agentID, err)
		}
	}

	warnings := merge.DetectFileOverlap(l.store.GetAll())
	for _, w := range warnings {
		l.log.Warn("file overlap detected", "file", w.File, "task_ids", w.TaskIDs)
		l.events.Emit(Event{
			Type:      EventFileOverlap,
			Message:   fmt.Sprintf("%s touched by %v", w.File, w.TaskIDs),
			Timestamp: time.Now(),
		})
	}

	return nil
}
