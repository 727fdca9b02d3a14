package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shayc/crewctl/pkg/models"
)

// synthesisPrompt asks the lead's provider for a human-readable summary of
// a finished run, given what every task produced and what agents reported.
const synthesisPrompt = `Summarize this completed team run for a human reading it afterward.

Completed tasks:
%s

Failed tasks:
%s

Agent findings reported during the run:
%s

Write a few short paragraphs: what was built, anything that failed and why, and anything worth following up on.`

// Finalize requests graceful shutdown of every agent, force-stopping any
// that do not acknowledge within shutdownDeadline, synthesizes a summary of
// the run, and removes worktrees, mailboxes, and the tasks file. It always
// attempts every step even if an earlier one fails, returning the first
// error encountered.
func (l *Lead) Finalize() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(l.shutdownAgents(ctx))

	summary, err := l.synthesize(ctx)
	if err != nil {
		l.log.Warn("summary synthesis failed", "error", err)
	}
	l.summary = summary

	record(l.cleanup(ctx))

	l.events.Emit(Event{Type: EventSessionDone, Message: l.summary, Timestamp: time.Now()})
	return firstErr
}

// Summary returns the synthesized run summary, populated once Finalize has
// run. It is empty before then or if synthesis failed.
func (l *Lead) Summary() string {
	return l.summary
}

// shutdownAgents requests graceful shutdown of every spawned agent and waits
// up to shutdownDeadline for each to stop on its own, force-canceling any
// still running once the deadline passes.
func (l *Lead) shutdownAgents(ctx context.Context) error {
	l.mu.Lock()
	handles := make(map[string]*agentHandle, len(l.agents))
	for id, h := range l.agents {
		handles[id] = h
	}
	l.mu.Unlock()

	for agentID := range handles {
		if err := l.bus.Send(agentID, models.MessageTypeShutdownRequest, "team run finalizing", nil); err != nil {
			l.log.Warn("send shutdown request", "agent_id", agentID, "error", err)
		}
	}

	deadline := time.Now().Add(shutdownDeadline)
	for agentID, h := range handles {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-h.done:
		case <-time.After(remaining):
			l.log.Warn("agent did not acknowledge shutdown in time; force-stopping", "agent_id", agentID)
			h.cancel()
			<-h.done
		}
	}
	return nil
}

// synthesize invokes the lead's provider once to produce a human-readable
// summary of the run's completed tasks, failed tasks, and reported findings.
func (l *Lead) synthesize(ctx context.Context) (string, error) {
	var completed, failed strings.Builder
	for _, t := range l.store.GetByStatus(models.TaskStatusCompleted) {
		fmt.Fprintf(&completed, "- %s: %s\n", t.TaskID, t.Title)
	}
	for _, t := range l.store.GetByStatus(models.TaskStatusFailed) {
		fmt.Fprintf(&failed, "- %s: %s (%s)\n", t.TaskID, t.Title, t.Error)
	}
	if completed.Len() == 0 {
		completed.WriteString("(none)\n")
	}
	if failed.Len() == 0 {
		failed.WriteString("(none)\n")
	}

	l.mu.Lock()
	findings := strings.Join(l.findings, "\n")
	l.mu.Unlock()
	if findings == "" {
		findings = "(none)"
	}

	prompt := fmt.Sprintf(synthesisPrompt, completed.String(), failed.String(), findings)

	res, err := l.invoker.Invoke(ctx, l.cfg.LeadProvider, prompt, "", nil)
	if err != nil {
		return "", fmt.Errorf("invoke synthesis provider: %w", err)
	}
	if !res.Success {
		return "", fmt.Errorf("synthesis provider call failed: %s", res.Error)
	}
	return strings.TrimSpace(res.ParsedText), nil
}

// cleanup removes every agent's worktree, the shared mailbox directory, and
// the tasks store's backing directory.
func (l *Lead) cleanup(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	l.mu.Lock()
	handles := make([]*agentHandle, 0, len(l.agents))
	for _, h := range l.agents {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	for _, h := range handles {
		if h.worktree == nil {
			continue
		}
		if err := l.worktrees.Remove(ctx, h.worktree.Path, true); err != nil {
			l.log.Warn("remove worktree", "path", h.worktree.Path, "error", err)
			record(err)
		}
	}

	if l.mailboxDir != "" {
		if err := os.RemoveAll(l.mailboxDir); err != nil {
			l.log.Warn("remove mailbox directory", "dir", l.mailboxDir, "error", err)
			record(err)
		}
	}

	if dir := l.store.Dir(); dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			l.log.Warn("remove tasks directory", "dir", dir, "error", err)
			record(err)
		}
	}

	return firstErr
}
