package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shayc/crewctl/internal/analyzer"
	"github.com/shayc/crewctl/internal/errs"
	"github.com/shayc/crewctl/internal/gitutil"
	"github.com/shayc/crewctl/internal/merge"
	"github.com/shayc/crewctl/internal/messagebus"
	"github.com/shayc/crewctl/internal/provider"
	"github.com/shayc/crewctl/internal/taskstore"
	"github.com/shayc/crewctl/pkg/models"
)

// maxPlanRevisions bounds how many PlanningWork retries an agent takes
// before giving up its task through Store.Fail, which puts the task back to
// Pending only while it has retries left and marks it Failed otherwise.
const maxPlanRevisions = 3

// Config wires a Runner to the shared store, bus, provider, and git
// plumbing it needs, plus the static context it was spawned with.
type Config struct {
	AgentID             string
	SystemContext       string
	SpawnPrompt         string
	RequirePlanApproval bool
	WorktreePath        string
	TargetBranch        string

	Store      *taskstore.Store
	Bus        *messagebus.Bus
	Invoker    provider.Invoker
	Provider   provider.Config
	Merger     *merge.Manager
	Git        gitutil.Runner
	Analyzer   *analyzer.Analyzer

	Log *slog.Logger
}

// Runner drives one agent through its full lifecycle. It is not safe for
// concurrent use by more than one goroutine.
type Runner struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	state models.AgentState

	currentTask      *models.Task
	pendingContext   []string
	idleAttempt      int
	planRevisions    int
	pendingTaskID    string // set by TaskAssignment, consumed on next Claiming tick
	shutdownDeferred bool   // set when a ShutdownRequest arrives mid-Working
	unblockCh        chan struct{}
	planApprovalCh   chan models.Message

	handlers []LifecycleEventHandler
}

// New creates a Runner starting in the Spawning state.
func New(cfg Config) *Runner {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cfg:            cfg,
		log:            log,
		state:          models.AgentStateSpawning,
		unblockCh:      make(chan struct{}, 1),
		planApprovalCh: make(chan models.Message, 1),
	}
}

// OnEvent registers a lifecycle observer.
func (r *Runner) OnEvent(h LifecycleEventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// State returns the agent's current lifecycle state.
func (r *Runner) State() models.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Notify wakes a backoff-sleeping Runner. Within this package it is called
// when a TaskAssignment message is handled; no TaskStore event and no inbox
// write calls it.
func (r *Runner) Notify() {
	select {
	case r.unblockCh <- struct{}{}:
	default:
	}
}

func (r *Runner) transition(to models.AgentState) error {
	r.mu.Lock()
	from := r.state
	if !CanTransition(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, from, to)
	}
	r.state = to
	r.mu.Unlock()

	r.emit(LifecycleEvent{Type: LifecycleEventStateChanged, AgentID: r.cfg.AgentID, From: from, To: to})
	return nil
}

func (r *Runner) emit(evt LifecycleEvent) {
	r.mu.Lock()
	handlers := append([]LifecycleEventHandler(nil), r.handlers...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

// Run drives the lifecycle loop until ctx is cancelled or the agent
// reaches Stopped/Error. Spawning -> Ready happens immediately since
// context loading is the caller's responsibility before constructing cfg.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.transition(models.AgentStateReady); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return r.shutdown(ctx, "context cancelled")
		default:
		}

		switch r.State() {
		case models.AgentStateReady:
			if err := r.transition(models.AgentStateClaiming); err != nil {
				return err
			}

		case models.AgentStateClaiming:
			if err := r.stepClaiming(ctx); err != nil {
				return err
			}

		case models.AgentStatePlanningWork:
			if err := r.stepPlanningWork(ctx); err != nil {
				return err
			}

		case models.AgentStateWorking:
			if err := r.stepWorking(ctx); err != nil {
				return err
			}

		case models.AgentStateIdle:
			if err := r.stepIdle(ctx); err != nil {
				return err
			}

		case models.AgentStateShuttingDown:
			return r.finishShutdown()

		case models.AgentStateStopped, models.AgentStateError:
			return nil
		}
	}
}

// stepClaiming handles one Claiming tick: a targeted claim if a
// TaskAssignment arrived, otherwise the priority-ordered TryClaim.
func (r *Runner) stepClaiming(ctx context.Context) error {
	r.mu.Lock()
	targeted := r.pendingTaskID
	r.pendingTaskID = ""
	r.mu.Unlock()

	var task *models.Task
	var err error
	if targeted != "" {
		task, err = r.cfg.Store.TryClaimSpecific(targeted, r.cfg.AgentID)
	} else {
		task, err = r.cfg.Store.TryClaim(r.cfg.AgentID)
	}
	if err != nil {
		return r.transition(models.AgentStateError)
	}

	if task == nil {
		return r.transition(models.AgentStateIdle)
	}

	r.mu.Lock()
	r.currentTask = task
	r.mu.Unlock()

	r.emit(LifecycleEvent{Type: LifecycleEventTaskClaimed, AgentID: r.cfg.AgentID, TaskID: task.TaskID})

	if r.cfg.RequirePlanApproval {
		return r.transition(models.AgentStatePlanningWork)
	}
	return r.transition(models.AgentStateWorking)
}

// stepPlanningWork submits a plan and waits (via local rendezvous) for a
// PlanApproval message, retrying up to maxPlanRevisions times.
func (r *Runner) stepPlanningWork(ctx context.Context) error {
	task := r.currentTaskSnapshot()
	if task == nil {
		return r.transition(models.AgentStateClaiming)
	}

	if err := r.cfg.Bus.Send(models.LeadAgentID, models.MessageTypePlanSubmission, task.Description, map[string]string{"task_id": task.TaskID}); err != nil {
		r.log.Warn("plan submission send failed", "error", err)
	}

	// The approval arrives through the inbox; poll it until drainInbox has
	// routed a PlanApproval to the rendezvous channel.
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for len(r.planApprovalCh) == 0 {
		select {
		case <-ctx.Done():
			return r.shutdown(ctx, "context cancelled while planning")
		case <-poll.C:
			r.drainInbox()
		}
	}

	select {
	case msg := <-r.planApprovalCh:
		if msg.Approved() {
			r.mu.Lock()
			r.planRevisions = 0
			r.mu.Unlock()
			return r.transition(models.AgentStateWorking)
		}

		r.mu.Lock()
		r.planRevisions++
		revisions := r.planRevisions
		r.mu.Unlock()

		if revisions >= maxPlanRevisions {
			if err := r.cfg.Store.Fail(task.TaskID, fmt.Errorf("plan rejected after %d revisions", revisions)); err != nil {
				r.log.Warn("release rejected-plan task failed", "error", err)
			}
			r.mu.Lock()
			r.currentTask = nil
			r.planRevisions = 0
			r.mu.Unlock()
			return r.transition(models.AgentStateIdle)
		}
		return r.transition(models.AgentStatePlanningWork)

	case <-ctx.Done():
		return r.shutdown(ctx, "context cancelled while planning")
	}
}

// stepWorking builds the prompt, invokes the provider inside the
// worktree, commits on success, and records the result.
func (r *Runner) stepWorking(ctx context.Context) error {
	task := r.currentTaskSnapshot()
	if task == nil {
		return r.transition(models.AgentStateClaiming)
	}

	r.mu.Lock()
	pending := append([]string(nil), r.pendingContext...)
	r.pendingContext = nil
	r.mu.Unlock()

	prompt := buildWorkingPrompt(r.cfg.SystemContext, r.cfg.SpawnPrompt, pending, task.Description)

	start := time.Now()
	res, err := r.cfg.Invoker.Invoke(ctx, r.cfg.Provider, prompt, r.cfg.WorktreePath, func(line string) {
		if r.cfg.Analyzer != nil {
			r.cfg.Analyzer.Observe(line)
		}
	})
	duration := time.Since(start)

	if err != nil || !res.Success {
		cause := err
		if cause == nil {
			cause = fmt.Errorf("provider call failed: %s", res.Error)
		}
		if failErr := r.cfg.Store.Fail(task.TaskID, cause); failErr != nil {
			r.log.Warn("TaskStore.Fail failed", "error", failErr)
		}
		r.emit(LifecycleEvent{Type: LifecycleEventTaskFinished, AgentID: r.cfg.AgentID, TaskID: task.TaskID, Error: cause.Error()})
		r.clearCurrentTask()
		return r.nextAfterTask()
	}

	changed, _ := gitutil.ChangedFiles(ctx, r.cfg.Git, r.cfg.TargetBranch)
	if hasChanges, _ := gitutil.HasChanges(ctx, r.cfg.Git); hasChanges {
		if err := gitutil.Add(ctx, r.cfg.Git, "."); err != nil {
			r.log.Warn("git add failed", "error", err)
		}
		if err := gitutil.Commit(ctx, r.cfg.Git, fmt.Sprintf("%s: %s", task.TaskID, task.Title)); err != nil {
			r.log.Warn("git commit failed", "error", err)
		}
	}

	sha, _ := r.cfg.Git.Run(ctx, "rev-parse", "HEAD")
	result := models.TaskResult{
		CommitSHA:     trimNewline(sha),
		ModifiedFiles: changed,
		Duration:      duration,
	}

	if err := r.cfg.Store.Complete(task.TaskID, result); err != nil {
		r.log.Warn("TaskStore.Complete failed", "error", err)
	}

	if r.cfg.Merger != nil {
		branch, _ := gitutil.CurrentBranch(ctx, r.cfg.Git)
		r.cfg.Merger.QueueForMerge(models.MergeJob{
			TaskID:       task.TaskID,
			AgentID:      r.cfg.AgentID,
			WorktreePath: r.cfg.WorktreePath,
			Branch:       branch,
			TargetBranch: r.cfg.TargetBranch,
			DependsOn:    task.DependsOn,
			Files:        task.Files,
		})
	}

	r.emit(LifecycleEvent{Type: LifecycleEventTaskFinished, AgentID: r.cfg.AgentID, TaskID: task.TaskID})
	r.clearCurrentTask()
	return r.nextAfterTask()
}

// nextAfterTask returns to Claiming for the next tick, unless a
// ShutdownRequest arrived mid-Working and was deferred, in which case the
// agent now proceeds to ShuttingDown.
func (r *Runner) nextAfterTask() error {
	r.mu.Lock()
	deferred := r.shutdownDeferred
	r.shutdownDeferred = false
	r.mu.Unlock()

	if deferred {
		return r.transition(models.AgentStateShuttingDown)
	}
	return r.transition(models.AgentStateClaiming)
}

// stepIdle polls its inbox, checks for a claimable task, and otherwise
// sleeps with exponential backoff, waking early only on Notify; messages
// that arrive during the sleep are read on the next tick.
func (r *Runner) stepIdle(ctx context.Context) error {
	r.drainInbox()

	if r.State() == models.AgentStateShuttingDown {
		return nil // a ShutdownRequest was handled inline by drainInbox
	}

	r.mu.Lock()
	targeted := r.pendingTaskID
	r.mu.Unlock()
	if targeted != "" {
		return r.transition(models.AgentStateClaiming)
	}

	claimable := r.cfg.Store.GetClaimable()
	if len(claimable) > 0 {
		r.mu.Lock()
		r.idleAttempt = 0
		r.mu.Unlock()
		return r.transition(models.AgentStateClaiming)
	}

	r.mu.Lock()
	attempt := r.idleAttempt
	r.idleAttempt++
	r.mu.Unlock()

	timer := time.NewTimer(idleBackoff(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return r.shutdown(ctx, "context cancelled while idle")
	case <-r.unblockCh:
		r.mu.Lock()
		r.idleAttempt = 0
		r.mu.Unlock()
		return r.transition(models.AgentStateClaiming)
	case <-timer.C:
		return nil // re-evaluate on the next loop tick
	}
}

// drainInbox applies every pending inbox message's side effect: Text
// becomes pending context, TaskAssignment sets a targeted claim,
// ShutdownRequest triggers the shutdown transition and an ack,
// PlanApproval is routed to the planning rendezvous.
func (r *Runner) drainInbox() {
	msgs, err := r.cfg.Bus.Poll()
	if err != nil {
		r.log.Warn("inbox poll failed", "error", err)
		return
	}
	for _, msg := range msgs {
		r.handleMessage(msg)
	}
}

func (r *Runner) handleMessage(msg models.Message) {
	switch msg.Type {
	case models.MessageTypeText:
		r.mu.Lock()
		r.pendingContext = append(r.pendingContext, msg.Content)
		r.mu.Unlock()

	case models.MessageTypeTaskAssignment:
		r.mu.Lock()
		r.pendingTaskID = msg.TaskID()
		r.mu.Unlock()
		r.Notify()

	case models.MessageTypeShutdownRequest:
		accepted, deferred, reason := r.respondToShutdown()
		_ = r.cfg.Bus.Send(msg.FromAgentID, models.MessageTypeShutdownResponse, reason, map[string]string{
			"accepted": boolStr(accepted),
		})
		if deferred {
			r.mu.Lock()
			r.shutdownDeferred = true
			r.mu.Unlock()
		} else if accepted {
			_ = r.transition(models.AgentStateShuttingDown)
		}

	case models.MessageTypePlanApproval:
		select {
		case r.planApprovalCh <- msg:
		default:
		}
	}
}

// respondToShutdown decides whether a ShutdownRequest is accepted
// immediately (Idle) or deferred until the current task finishes
// (Working), per the transition table.
func (r *Runner) respondToShutdown() (accepted, deferred bool, reason string) {
	switch r.State() {
	case models.AgentStateWorking:
		return true, true, "deferred until current task finishes"
	default:
		return true, false, ""
	}
}

func (r *Runner) currentTaskSnapshot() *models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTask
}

func (r *Runner) clearCurrentTask() {
	r.mu.Lock()
	r.currentTask = nil
	r.mu.Unlock()
}

func (r *Runner) shutdown(ctx context.Context, reason string) error {
	r.log.Info("agent shutting down", "agent_id", r.cfg.AgentID, "reason", reason)
	if err := r.transition(models.AgentStateShuttingDown); err != nil {
		return nil
	}
	return r.finishShutdown()
}

func (r *Runner) finishShutdown() error {
	return r.transition(models.AgentStateStopped)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
