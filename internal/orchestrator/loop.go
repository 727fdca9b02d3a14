package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shayc/crewctl/pkg/models"
)

// coordinationLoop runs until every task is terminal and every agent is
// Idle, Stopped, or Error. It ticks at pollInterval: draining the lead's
// inbox, checking for stuck agents, and driving the merge queue once per
// tick.
func (l *Lead) coordinationLoop(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		l.drainInbox(ctx)
		l.checkStuckAgents()

		if _, err := l.merger.ProcessNext(ctx); err != nil {
			l.log.Warn("merge job failed", "error", err)
		}

		if l.exitCondition() {
			return nil
		}
	}
}

// drainInbox polls the lead's own mailbox and dispatches every message.
func (l *Lead) drainInbox(ctx context.Context) {
	msgs, err := l.bus.Poll()
	if err != nil {
		l.log.Warn("poll lead inbox", "error", err)
		return
	}
	for _, msg := range msgs {
		l.handleMessage(ctx, msg)
	}
}

func (l *Lead) handleMessage(ctx context.Context, msg models.Message) {
	switch msg.Type {
	case models.MessageTypeStatusUpdate:
		l.mu.Lock()
		l.activity[msg.FromAgentID] = time.Now()
		delete(l.statusCheckSent, msg.FromAgentID)
		l.mu.Unlock()

	case models.MessageTypePlanSubmission:
		l.reviewPlan(ctx, msg)

	case models.MessageTypeShutdownResponse:
		l.mu.Lock()
		l.shutdownReasons[msg.FromAgentID] = msg.Content
		l.mu.Unlock()
		if !msg.Accepted() {
			l.log.Warn("agent declined shutdown", "agent_id", msg.FromAgentID, "reason", msg.Content)
		}

	case models.MessageTypeText:
		l.mu.Lock()
		l.findings = append(l.findings, msg.Content)
		l.mu.Unlock()
	}
}

// checkStuckAgents implements the spec's heuristic: an agent Working
// longer than 2x the moving-average task duration, with no heartbeat in
// heartbeatGrace, is sent a status-check; if that goes unanswered for
// another heartbeatGrace, its task is released back to the store.
func (l *Lead) checkStuckAgents() {
	threshold := 2 * l.averageTaskDuration()
	now := time.Now()

	l.mu.Lock()
	type candidate struct {
		agentID          string
		sentStatusCheck  bool
		statusCheckSince time.Time
	}
	var candidates []candidate
	for agentID, since := range l.workingSince {
		if now.Sub(since) < threshold {
			continue
		}
		if now.Sub(l.activity[agentID]) < heartbeatGrace {
			continue
		}
		sentAt, sent := l.statusCheckSent[agentID]
		candidates = append(candidates, candidate{agentID: agentID, sentStatusCheck: sent, statusCheckSince: sentAt})
	}
	l.mu.Unlock()

	for _, c := range candidates {
		if !c.sentStatusCheck {
			if err := l.bus.Send(c.agentID, models.MessageTypeText, "Please report your current status.", nil); err != nil {
				l.log.Warn("send status-check", "agent_id", c.agentID, "error", err)
				continue
			}
			l.mu.Lock()
			l.statusCheckSent[c.agentID] = now
			l.mu.Unlock()
			continue
		}

		if now.Sub(c.statusCheckSince) < heartbeatGrace {
			continue
		}

		l.releaseStuckTask(c.agentID)
	}
}

// releaseStuckTask fails the task currently claimed by agentID with a
// timeout reason, which re-queues it if retries remain.
func (l *Lead) releaseStuckTask(agentID string) {
	for _, t := range l.store.GetByStatus(models.TaskStatusInProgress) {
		if t.ClaimedByAgentID != agentID {
			continue
		}
		if err := l.store.Fail(t.TaskID, fmt.Errorf("no status update from %s within grace period", agentID)); err != nil {
			l.log.Warn("release stuck task", "task_id", t.TaskID, "error", err)
		}
		l.log.Warn("released stuck task", "task_id", t.TaskID, "agent_id", agentID)
	}

	l.mu.Lock()
	delete(l.workingSince, agentID)
	delete(l.statusCheckSent, agentID)
	l.mu.Unlock()
}

// exitCondition reports whether the team run is done: no Pending or
// InProgress tasks remain, and every agent has left Working/PlanningWork/
// Claiming for Idle, Stopped, or Error.
func (l *Lead) exitCondition() bool {
	stats := l.store.Statistics()
	if stats.Pending != 0 || stats.InProgress != 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.agents {
		switch h.runner.State() {
		case models.AgentStateIdle, models.AgentStateStopped, models.AgentStateError:
		default:
			return false
		}
	}
	return true
}
