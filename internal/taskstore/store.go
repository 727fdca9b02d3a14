// Package taskstore implements the durable, file-locked task store: a set
// of Tasks with dependency-aware claiming, persisted as pretty-printed JSON
// under an exclusive advisory lock, with dependent tasks unblocked
// automatically as their prerequisites complete.
package taskstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shayc/crewctl/internal/errs"
	"github.com/shayc/crewctl/internal/filelock"
	"github.com/shayc/crewctl/internal/graph"
	"github.com/shayc/crewctl/pkg/models"
)

// DefaultStaleClaimTimeout is how long a claim may sit InProgress before
// releaseStaleClaims reverts it to Pending.
const DefaultStaleClaimTimeout = 5 * time.Minute

// DefaultLockTimeout bounds how long a mutation waits for the claims lock.
const DefaultLockTimeout = 5 * time.Second

// Statistics summarizes the store's tasks by status.
type Statistics struct {
	Pending           int     `json:"pending"`
	InProgress        int     `json:"in_progress"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	Total             int     `json:"total"`
	CompletionPercent float64 `json:"completion_percent"`
}

// Store is a durable task store rooted at a directory holding tasks.json
// and claims.lock. All exported mutating methods take the claims lock for
// their full duration; queries read the in-memory cache under a separate
// read lock and never touch disk.
type Store struct {
	dir          string
	tasksPath    string
	lockPath     string
	staleTimeout time.Duration
	log          *slog.Logger

	mu       sync.RWMutex
	tasks    map[string]*models.Task
	order    []string // insertion order, for priority tie-break
	handlers []EventHandler
	nextSeq  int
}

// persistedState is the on-disk shape of tasks.json.
type persistedState struct {
	Order []string                `json:"order"`
	Tasks map[string]*models.Task `json:"tasks"`
}

// Open loads (or initializes) a Store rooted at dir, which must contain or
// will come to contain tasks.json and claims.lock. Any task found
// InProgress at load time is reverted to Pending with its claimant cleared,
// per the stale-owner-crashed assumption.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task store directory: %w", err)
	}

	s := &Store{
		dir:          dir,
		tasksPath:    filepath.Join(dir, "tasks.json"),
		lockPath:     filepath.Join(dir, "claims.lock"),
		staleTimeout: DefaultStaleClaimTimeout,
		log:          log,
		tasks:        make(map[string]*models.Task),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetStaleClaimTimeout overrides the default 5-minute stale-claim window.
func (s *Store) SetStaleClaimTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleTimeout = d
}

// Dir returns the directory this store is rooted at, for callers that need
// to remove the tasks file as part of team cleanup.
func (s *Store) Dir() string {
	return s.dir
}

// load reads tasks.json if present. Corrupt JSON is logged and the store
// starts empty, matching the spec's store-fatal policy: a bad file must
// never prevent the team from running.
func (s *Store) load() error {
	data, err := os.ReadFile(s.tasksPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", s.tasksPath, err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warn("tasks.json is corrupt, starting with an empty store", "path", s.tasksPath, "error", err)
		return nil
	}

	if state.Tasks == nil {
		return nil
	}

	for _, id := range state.Order {
		t, ok := state.Tasks[id]
		if !ok {
			continue
		}
		if t.Status == models.TaskStatusInProgress {
			t.Status = models.TaskStatusPending
			t.ClaimedByAgentID = ""
			t.ClaimedAt = nil
		}
		s.tasks[id] = t
		s.order = append(s.order, id)
	}
	s.nextSeq = len(s.order)
	return nil
}

// persist serializes the full task set to tasks.json via a write-temp-
// then-rename under the claims lock. Best-effort: failures are logged, not
// returned to the caller, per spec.
func (s *Store) persist() {
	state := persistedState{
		Order: append([]string(nil), s.order...),
		Tasks: s.tasks,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.log.Error("marshal task store state", "error", err)
		return
	}
	if err := filelock.AtomicWrite(s.tasksPath, data); err != nil {
		s.log.Error("persist task store state", "error", err)
	}
}

// withLock acquires the claims.lock for the duration of fn. Callers already
// hold s.mu for the in-memory mutation; the file lock additionally
// serializes against other OS processes sharing this team's directory.
func (s *Store) withLock(fn func() error) error {
	return filelock.WithLock(s.lockPath, DefaultLockTimeout, fn)
}

func nextTaskID(n int) string {
	return fmt.Sprintf("task-%d", n+1)
}

// AddTasks assigns sequential IDs to any task missing one, rejects the
// batch if its dependsOn edges contain a cycle, persists, and emits
// TaskAdded once per task. The batch is rejected as a whole on a cycle —
// no partial insertion.
func (s *Store) AddTasks(batch []*models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	assigned := make([]*models.Task, len(batch))
	seq := s.nextSeq
	for i, t := range batch {
		cp := *t
		if cp.TaskID == "" {
			cp.TaskID = nextTaskID(seq)
			seq++
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		if cp.Status == "" {
			cp.Status = models.TaskStatusPending
		}
		if cp.MergeStatus == "" {
			cp.MergeStatus = models.MergeStatusPending
		}
		assigned[i] = &cp
	}

	edges := make(map[string][]string, len(s.tasks)+len(assigned))
	for id, t := range s.tasks {
		edges[id] = t.DependsOn
	}
	for _, t := range assigned {
		edges[t.TaskID] = t.DependsOn
	}
	if err := graph.CheckCycles(edges); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrCycleDetected, err)
	}

	err := s.withLock(func() error {
		for _, t := range assigned {
			s.tasks[t.TaskID] = t
			s.order = append(s.order, t.TaskID)
		}
		s.nextSeq = seq
		s.persist()
		return nil
	})
	if err != nil {
		return err
	}

	for _, t := range assigned {
		s.emit(Event{Type: EventTaskAdded, Task: *t})
	}
	return nil
}

// statusByID builds the status map Task.Claimable needs, from the current
// in-memory state. Caller must hold s.mu.
func (s *Store) statusByID() map[string]models.TaskStatus {
	m := make(map[string]models.TaskStatus, len(s.tasks))
	for id, t := range s.tasks {
		m[id] = t.Status
	}
	return m
}

// releaseStaleClaimsLocked reverts any InProgress task whose claim has aged
// past the stale timeout back to Pending. Caller must hold s.mu.
func (s *Store) releaseStaleClaimsLocked() bool {
	changed := false
	cutoff := time.Now().Add(-s.staleTimeout)
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status == models.TaskStatusInProgress && t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff) {
			t.Status = models.TaskStatusPending
			t.ClaimedByAgentID = ""
			t.ClaimedAt = nil
			changed = true
		}
	}
	return changed
}

// ReleaseStaleClaims is the exported, independently callable form of the
// opportunistic check tryClaim performs on every invocation.
func (s *Store) ReleaseStaleClaims() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.releaseStaleClaimsLocked() {
		_ = s.withLock(func() error {
			s.persist()
			return nil
		})
	}
}

// TryClaim scans claimable tasks in priority order (Critical..Low, ties
// broken by insertion order) and claims the first match for agentID. It
// returns (nil, nil) on contention — no claimable task right now is not an
// error.
func (s *Store) TryClaim(agentID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseStaleClaimsLocked()

	byStatus := s.statusByID()
	best := s.bestClaimableLocked(byStatus)
	if best == nil {
		return nil, nil
	}

	now := time.Now()
	best.Status = models.TaskStatusInProgress
	best.ClaimedByAgentID = agentID
	best.ClaimedAt = &now

	if err := s.withLock(func() error { s.persist(); return nil }); err != nil {
		return nil, err
	}

	claimed := *best
	s.emit(Event{Type: EventTaskClaimed, Task: claimed})
	return &claimed, nil
}

// TryClaimSpecific attempts to claim exactly taskID for agentID. Returns
// (nil, nil) if the task does not exist or is not currently claimable.
func (s *Store) TryClaimSpecific(taskID, agentID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseStaleClaimsLocked()

	t, ok := s.tasks[taskID]
	if !ok || !t.Claimable(s.statusByID()) {
		return nil, nil
	}

	now := time.Now()
	t.Status = models.TaskStatusInProgress
	t.ClaimedByAgentID = agentID
	t.ClaimedAt = &now

	if err := s.withLock(func() error { s.persist(); return nil }); err != nil {
		return nil, err
	}

	claimed := *t
	s.emit(Event{Type: EventTaskClaimed, Task: claimed})
	return &claimed, nil
}

// bestClaimableLocked returns the highest-priority claimable task, ties
// broken by insertion order. Caller must hold s.mu.
func (s *Store) bestClaimableLocked(byStatus map[string]models.TaskStatus) *models.Task {
	var best *models.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if !t.Claimable(byStatus) {
			continue
		}
		if best == nil || t.Priority.Weight() > best.Priority.Weight() {
			best = t
		}
	}
	return best
}

// Complete marks taskID Completed with result, persists, emits
// TaskCompleted, and emits TaskUnblocked for every dependent that becomes
// claimable as a result.
func (s *Store) Complete(taskID string, result models.TaskResult) error {
	s.mu.Lock()

	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", errs.ErrUnknownTask, taskID)
	}
	t.Status = models.TaskStatusCompleted
	t.Result = &result
	t.Error = ""

	if err := s.withLock(func() error { s.persist(); return nil }); err != nil {
		s.mu.Unlock()
		return err
	}

	completed := *t
	byStatus := s.statusByID()
	var unblocked []models.Task
	for _, id := range s.order {
		dep := s.tasks[id]
		if dep.Status != models.TaskStatusPending {
			continue
		}
		if !dependsOn(dep, taskID) {
			continue
		}
		if dep.Claimable(byStatus) {
			unblocked = append(unblocked, *dep)
		}
	}
	s.mu.Unlock()

	s.emit(Event{Type: EventTaskCompleted, Task: completed})
	for _, dep := range unblocked {
		s.emit(Event{Type: EventTaskUnblocked, Task: dep})
	}
	return nil
}

func dependsOn(t *models.Task, id string) bool {
	for _, dep := range t.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// Fail increments taskID's retry count. If under maxRetries it resets to
// Pending for re-claiming; otherwise it becomes terminally Failed and
// TaskFailed is emitted.
func (s *Store) Fail(taskID string, cause error) error {
	s.mu.Lock()

	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", errs.ErrUnknownTask, taskID)
	}

	t.RetryCount++
	t.Error = cause.Error()
	t.ClaimedByAgentID = ""
	t.ClaimedAt = nil

	terminal := t.RetryCount > t.MaxRetries
	if terminal {
		t.Status = models.TaskStatusFailed
	} else {
		t.Status = models.TaskStatusPending
	}

	if err := s.withLock(func() error { s.persist(); return nil }); err != nil {
		s.mu.Unlock()
		return err
	}
	failed := *t
	s.mu.Unlock()

	if terminal {
		s.emit(Event{Type: EventTaskFailed, Task: failed})
	}
	return nil
}

// GetAll returns every task, in insertion order.
func (s *Store) GetAll() []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

// GetClaimable returns every currently claimable task, highest priority
// first, ties broken by insertion order.
func (s *Store) GetClaimable() []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStatus := s.statusByID()
	var out []models.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Claimable(byStatus) {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Weight() > out[j].Priority.Weight()
	})
	return out
}

// GetBlockedBy returns every task that names taskID in its dependsOn set.
func (s *Store) GetBlockedBy(taskID string) []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if dependsOn(t, taskID) {
			out = append(out, *t)
		}
	}
	return out
}

// GetByStatus returns every task with the given status, in insertion order.
func (s *Store) GetByStatus(status models.TaskStatus) []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Task
	for _, id := range s.order {
		if t := s.tasks[id]; t.Status == status {
			out = append(out, *t)
		}
	}
	return out
}

// GetByID returns the task with the given ID, if any.
func (s *Store) GetByID(taskID string) (models.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return models.Task{}, false
	}
	return *t, true
}

// Statistics summarizes task counts by status and overall completion.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Statistics
	for _, id := range s.order {
		switch s.tasks[id].Status {
		case models.TaskStatusPending:
			stats.Pending++
		case models.TaskStatusInProgress:
			stats.InProgress++
		case models.TaskStatusCompleted:
			stats.Completed++
		case models.TaskStatusFailed:
			stats.Failed++
		}
	}
	stats.Total = len(s.order)
	if stats.Total > 0 {
		stats.CompletionPercent = 100 * float64(stats.Completed) / float64(stats.Total)
	}
	return stats
}

// AllTerminal reports whether every task is Completed or terminally Failed
// — the condition the lead's coordination loop waits for before finalizing.
func (s *Store) AllTerminal() bool {
	stats := s.Statistics()
	return stats.Pending == 0 && stats.InProgress == 0
}
