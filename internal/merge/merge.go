// Package merge implements the incremental, dependency-ordered merge
// queue: one merge runs at a time, in task-completion order, filtered by a
// readiness rule (a task's own dependencies must already be Merged), and
// conflicts are hand off to the negotiator rather than failing the whole
// queue.
package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shayc/crewctl/internal/errs"
	"github.com/shayc/crewctl/internal/gitutil"
	"github.com/shayc/crewctl/internal/negotiator"
	"github.com/shayc/crewctl/pkg/models"
)

// Strategy selects how a ready MergeJob is applied to the target branch.
type Strategy string

const (
	// StrategyRebaseThenMerge rebases the branch onto target, then merges
	// with --no-ff. This is the default.
	StrategyRebaseThenMerge Strategy = "rebase_then_merge"
	// StrategyMergeDirect merges the branch into target without rebasing.
	StrategyMergeDirect Strategy = "merge_direct"
	// StrategySequential is an alias for StrategyRebaseThenMerge used when
	// only one merge ever runs at a time; the queue already guarantees
	// that, so it behaves identically.
	StrategySequential Strategy = "sequential"
)

// OverlapWarning flags a file claimed by more than one pending task.
type OverlapWarning struct {
	File    string
	TaskIDs []string
}

// Outcome is emitted for the lead after processNext runs a job to
// completion, success or failure.
type Outcome struct {
	Job         models.MergeJob
	Success     bool
	CommitSHA   string
	Err         error
	NeedsManual bool
}

// NegotiatorInput supplies what the negotiator needs beyond the conflicted
// files themselves: the task intents and diffs driving the merge. The
// caller (the lead orchestrator, which owns the TaskStore and worktrees)
// builds this per job since the merge package has no access to agent
// bookkeeping.
type NegotiatorInput struct {
	AgentA, AgentB negotiator.TaskIntent
	DiffA, DiffB   string
	FileBodies     map[string]string
}

// NegotiatorInputFunc resolves the two-sided negotiation context for a
// conflicted job, given the job and its conflicted files.
type NegotiatorInputFunc func(ctx context.Context, job models.MergeJob, conflicts []models.ConflictedFile) (NegotiatorInput, error)

// Manager runs the merge queue: a FIFO of MergeJobs gated by dependency
// readiness, executed one at a time.
type Manager struct {
	mu sync.Mutex

	queue    []models.MergeJob
	statuses map[string]models.MergeStatus // taskID -> mergeStatus

	git         gitutil.Runner
	worktreeGit func(path string) gitutil.Runner
	negotiator  *negotiator.Negotiator
	strategy    Strategy
	resolveCtx  NegotiatorInputFunc

	onEvent func(Outcome)
}

// New creates a Manager that runs git for checkout/merge operations against
// the target branch's checkout (git), handing conflicts to neg via
// resolveCtx. Rebases run against a runner freshly rooted at each job's own
// worktree, since that's where the job's branch is actually checked out.
func New(git gitutil.Runner, neg *negotiator.Negotiator, strategy Strategy, resolveCtx NegotiatorInputFunc) *Manager {
	if strategy == "" {
		strategy = StrategyRebaseThenMerge
	}
	return &Manager{
		statuses:    make(map[string]models.MergeStatus),
		git:         git,
		worktreeGit: func(path string) gitutil.Runner { return gitutil.NewExecRunner(path) },
		negotiator:  neg,
		strategy:    strategy,
		resolveCtx:  resolveCtx,
	}
}

// OnOutcome registers a callback invoked after each processNext run,
// success or failure. Only one handler is kept; callers compose if needed.
func (m *Manager) OnOutcome(fn func(Outcome)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

// DetectFileOverlap returns a warning for every file claimed by two or more
// pending tasks. This is advisory only: it never blocks task claiming.
func DetectFileOverlap(tasks []models.Task) []OverlapWarning {
	owners := make(map[string][]string)
	for _, t := range tasks {
		if t.Status != models.TaskStatusPending {
			continue
		}
		for _, f := range t.Files {
			owners[f] = append(owners[f], t.TaskID)
		}
	}

	var warnings []OverlapWarning
	for file, ids := range owners {
		if len(ids) > 1 {
			warnings = append(warnings, OverlapWarning{File: file, TaskIDs: ids})
		}
	}
	return warnings
}

// QueueForMerge enqueues job and marks its task Queued. Called on task
// completion by whoever owns the worktree/branch bookkeeping (the
// orchestrator or the agent itself).
func (m *Manager) QueueForMerge(job models.MergeJob) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = models.MergeStatusQueued
	m.queue = append(m.queue, job)
	m.statuses[job.TaskID] = models.MergeStatusQueued
}

// StatusOf returns the last known merge status for taskID, or
// MergeStatusPending if unknown.
func (m *Manager) StatusOf(taskID string) models.MergeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[taskID]; ok {
		return s
	}
	return models.MergeStatusPending
}

// ProcessNext dequeues the next job whose task dependencies are all
// Merged, runs the configured merge strategy, and on conflict hands off to
// the negotiator. It is a no-op (returns false, nil) if the queue is empty
// or no job is currently ready.
func (m *Manager) ProcessNext(ctx context.Context) (bool, error) {
	job, ok := m.dequeueReady()
	if !ok {
		return false, nil
	}

	outcome := m.runJob(ctx, job)

	m.mu.Lock()
	m.statuses[job.TaskID] = statusFromOutcome(outcome)
	handler := m.onEvent
	m.mu.Unlock()

	if handler != nil {
		handler(outcome)
	}

	if outcome.Err != nil && !outcome.NeedsManual {
		return true, outcome.Err
	}
	return true, nil
}

func statusFromOutcome(o Outcome) models.MergeStatus {
	if o.Success {
		return models.MergeStatusMerged
	}
	if o.NeedsManual {
		return models.MergeStatusFailed
	}
	return models.MergeStatusConflictDetected
}

// dequeueReady scans the queue in order and removes the first job whose
// dependencies are all Merged, re-queuing anything it skips over so FIFO
// order among ready jobs is preserved.
func (m *Manager) dequeueReady() (models.MergeJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, job := range m.queue {
		if m.dependenciesMergedLocked(job) {
			m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
			return job, true
		}
	}
	return models.MergeJob{}, false
}

func (m *Manager) dependenciesMergedLocked(job models.MergeJob) bool {
	for _, dep := range job.DependsOn {
		if m.statuses[dep] != models.MergeStatusMerged {
			return false
		}
	}
	return true
}

// runJob executes one merge strategy to completion, including a
// negotiator handoff if the merge leaves unmerged files.
func (m *Manager) runJob(ctx context.Context, job models.MergeJob) Outcome {
	var mergeErr error
	var conflicts []models.ConflictedFile
	var conflictRunner gitutil.Runner
	var duringRebase bool
	switch m.strategy {
	case StrategyMergeDirect:
		mergeErr, conflicts = m.mergeDirect(ctx, job)
		conflictRunner = m.git
	default: // StrategyRebaseThenMerge, StrategySequential
		mergeErr, conflicts, duringRebase = m.rebaseThenMerge(ctx, job)
		if duringRebase {
			conflictRunner = m.worktreeGit(job.WorktreePath)
		} else {
			conflictRunner = m.git
		}
	}

	if mergeErr == nil {
		sha, err := m.git.Run(ctx, "rev-parse", "HEAD")
		if err != nil {
			return Outcome{Job: job, Success: true, Err: nil}
		}
		_ = gitutil.DeleteBranch(ctx, m.git, job.Branch)
		return Outcome{Job: job, Success: true, CommitSHA: trimSHA(sha)}
	}

	if len(conflicts) == 0 {
		return Outcome{Job: job, Success: false, Err: mergeErr}
	}

	return m.handoffToNegotiator(ctx, job, conflicts, conflictRunner, duringRebase)
}

func (m *Manager) mergeDirect(ctx context.Context, job models.MergeJob) (error, []models.ConflictedFile) {
	if err := gitutil.CheckoutBranch(ctx, m.git, job.TargetBranch); err != nil {
		return fmt.Errorf("checkout target branch: %w", err), nil
	}
	if err := gitutil.MergeNoFF(ctx, m.git, job.Branch, mergeCommitMessage(job)); err != nil {
		return err, m.conflictedFilesAt(ctx, m.git, job)
	}
	return nil, nil
}

// rebaseThenMerge rebases job.Branch onto the target inside the job's own
// worktree, then checks out the target branch and merges using the
// target-branch runner. Rebase conflicts live in the worktree and must be
// detected there, not in whatever branch the target-branch runner happens
// to have checked out from a prior job. The returned bool reports whether
// the failure left the worktree mid-rebase (true) or mid-merge (false), so
// the caller knows how to resume after negotiation.
func (m *Manager) rebaseThenMerge(ctx context.Context, job models.MergeJob) (error, []models.ConflictedFile, bool) {
	wtGit := m.worktreeGit(job.WorktreePath)

	if err := gitutil.Rebase(ctx, wtGit, job.TargetBranch); err != nil {
		conflicts := m.conflictedFilesAt(ctx, wtGit, job)
		if len(conflicts) == 0 {
			_ = gitutil.RebaseAbort(ctx, wtGit)
		}
		return fmt.Errorf("rebase onto target: %w", err), conflicts, true
	}
	if err := gitutil.CheckoutBranch(ctx, m.git, job.TargetBranch); err != nil {
		return fmt.Errorf("checkout target branch: %w", err), nil, false
	}
	if err := gitutil.MergeNoFF(ctx, m.git, job.Branch, mergeCommitMessage(job)); err != nil {
		return err, m.conflictedFilesAt(ctx, m.git, job), false
	}
	return nil, nil, false
}

// conflictedFilesAt lists unmerged files as seen by r, scoped to job's
// worktree for building FullPath. Returns nil (not an error) if r reports no
// conflicts, matching the caller's "this wasn't a conflict" fallback.
func (m *Manager) conflictedFilesAt(ctx context.Context, r gitutil.Runner, job models.MergeJob) []models.ConflictedFile {
	paths, err := gitutil.ConflictedFiles(ctx, r)
	if err != nil || len(paths) == 0 {
		return nil
	}
	conflicts := make([]models.ConflictedFile, len(paths))
	for i, p := range paths {
		conflicts[i] = models.ConflictedFile{Path: p, FullPath: filepath.Join(job.WorktreePath, p)}
	}
	return conflicts
}

// handoffToNegotiator resolves conflicts via the negotiator, applies and
// resumes whichever git operation left them (a merge or a rebase), and
// retries once. Any negotiator failure is terminal for this job
// (errs.ErrRequiresManualIntervention), but never blocks subsequent
// independent merges — the caller's queue simply continues with the next
// ready job. runner is scoped to wherever the conflict actually lives: the
// job's own worktree mid-rebase, or the target-branch checkout mid-merge.
func (m *Manager) handoffToNegotiator(ctx context.Context, job models.MergeJob, conflicts []models.ConflictedFile, runner gitutil.Runner, duringRebase bool) Outcome {
	abort := func() {
		if duringRebase {
			_ = gitutil.RebaseAbort(ctx, runner)
		} else {
			_ = gitutil.MergeAbort(ctx, runner)
		}
	}

	if m.negotiator == nil || m.resolveCtx == nil {
		abort()
		return Outcome{Job: job, Success: false, Err: errs.ErrRequiresManualIntervention, NeedsManual: true}
	}

	input, err := m.resolveCtx(ctx, job, conflicts)
	if err != nil {
		abort()
		return Outcome{Job: job, Success: false, Err: fmt.Errorf("%w: %v", errs.ErrRequiresManualIntervention, err), NeedsManual: true}
	}

	resolutions, err := m.negotiator.Resolve(ctx, conflicts, input.AgentA, input.AgentB, input.DiffA, input.DiffB, input.FileBodies)
	if err != nil {
		abort()
		return Outcome{Job: job, Success: false, Err: err, NeedsManual: true}
	}

	writeFile := func(relPath, content string) error {
		full := filepath.Join(job.WorktreePath, relPath)
		return os.WriteFile(full, []byte(content), 0644)
	}
	if err := negotiator.Apply(ctx, runner, job.WorktreePath, resolutions, writeFile); err != nil {
		abort()
		return Outcome{Job: job, Success: false, Err: fmt.Errorf("%w: apply resolution: %v", errs.ErrRequiresManualIntervention, err), NeedsManual: true}
	}

	if duringRebase {
		if err := gitutil.RebaseContinue(ctx, runner); err != nil {
			return Outcome{Job: job, Success: false, Err: fmt.Errorf("%w: continue rebase: %v", errs.ErrRequiresManualIntervention, err), NeedsManual: true}
		}
		if err := gitutil.CheckoutBranch(ctx, m.git, job.TargetBranch); err != nil {
			return Outcome{Job: job, Success: false, Err: fmt.Errorf("%w: checkout target branch: %v", errs.ErrRequiresManualIntervention, err), NeedsManual: true}
		}
		if err := gitutil.MergeNoFF(ctx, m.git, job.Branch, mergeCommitMessage(job)); err != nil {
			// A second, post-rebase conflict on the same job is treated as
			// manual intervention rather than nesting another negotiation.
			return Outcome{Job: job, Success: false, Err: fmt.Errorf("%w: merge after rebase: %v", errs.ErrRequiresManualIntervention, err), NeedsManual: true}
		}
	} else {
		if err := gitutil.Commit(ctx, runner, "resolve merge conflict via negotiator for "+job.TaskID); err != nil {
			return Outcome{Job: job, Success: false, Err: fmt.Errorf("%w: commit resolution: %v", errs.ErrRequiresManualIntervention, err), NeedsManual: true}
		}
	}

	sha, err := m.git.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return Outcome{Job: job, Success: true}
	}
	_ = gitutil.DeleteBranch(ctx, m.git, job.Branch)
	return Outcome{Job: job, Success: true, CommitSHA: trimSHA(sha)}
}

func mergeCommitMessage(job models.MergeJob) string {
	return fmt.Sprintf("merge %s (%s) into %s", job.Branch, job.TaskID, job.TargetBranch)
}

func trimSHA(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s
}
