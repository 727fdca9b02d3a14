package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shayc/crewctl/internal/agent"
	"github.com/shayc/crewctl/internal/analyzer"
	"github.com/shayc/crewctl/internal/gitutil"
	"github.com/shayc/crewctl/internal/messagebus"
	"github.com/shayc/crewctl/pkg/models"
)

// spawnAgent materializes a worktree and mailbox for agentID, wires an
// agent.Runner against the shared store, merger, and provider, and starts
// it running in the background. The returned handle's done channel closes
// when the runner's Run loop returns.
func (l *Lead) spawnAgent(ctx context.Context, agentID string) (*agentHandle, error) {
	wt, err := l.worktrees.Create(ctx, agentID, l.cfg.TargetBranch)
	if err != nil {
		return nil, fmt.Errorf("create worktree for %s: %w", agentID, err)
	}

	agentBus := messagebus.New(l.mailboxDir, agentID)
	agentCtx, cancel := context.WithCancel(ctx)

	runner := agent.New(agent.Config{
		AgentID:             agentID,
		RequirePlanApproval: l.cfg.RequirePlanApproval,
		WorktreePath:        wt.Path,
		TargetBranch:        l.cfg.TargetBranch,
		Store:               l.store,
		Bus:                 agentBus,
		Invoker:             l.invoker,
		Provider:            l.cfg.AgentProvider,
		Merger:              l.merger,
		Git:                 gitutil.NewExecRunner(wt.Path),
		Analyzer:            analyzer.New(),
		Log:                 l.log,
	})
	runner.OnEvent(l.onAgentEvent(agentID))

	handle := &agentHandle{
		runner:   runner,
		bus:      agentBus,
		worktree: wt,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(handle.done)
		if err := runner.Run(agentCtx); err != nil {
			l.log.Error("agent run loop exited with error", "agent_id", agentID, "error", err)
		}
	}()

	l.mu.Lock()
	l.agents[agentID] = handle
	l.activity[agentID] = time.Now()
	l.mu.Unlock()

	l.events.Emit(Event{Type: EventAgentSpawned, AgentID: agentID, Timestamp: time.Now()})
	return handle, nil
}

// onAgentEvent returns a LifecycleEventHandler that updates the lead's
// liveness and Working-duration bookkeeping for agentID and re-emits the
// transition as an orchestrator Event.
func (l *Lead) onAgentEvent(agentID string) agent.LifecycleEventHandler {
	return func(evt agent.LifecycleEvent) {
		l.mu.Lock()
		l.activity[agentID] = time.Now()
		if evt.Type == agent.LifecycleEventStateChanged {
			if evt.To == models.AgentStateWorking {
				l.workingSince[agentID] = time.Now()
			} else {
				delete(l.workingSince, agentID)
				delete(l.statusCheckSent, agentID)
			}
		}
		l.mu.Unlock()

		l.events.Emit(Event{
			Type:      EventAgentStateChanged,
			AgentID:   agentID,
			TaskID:    evt.TaskID,
			Message:   fmt.Sprintf("%s -> %s", evt.From, evt.To),
			Timestamp: time.Now(),
		})
	}
}
