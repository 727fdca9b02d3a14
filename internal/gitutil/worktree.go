package gitutil

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shayc/crewctl/pkg/models"
)

// branchPrefix namespaces the branches this engine creates, so orphan
// recovery can tell its own worktrees apart from ones a developer created
// by hand.
const branchPrefix = "crewctl/"

// WorktreeManager creates and tears down one git worktree per working agent,
// isolating each agent's file changes on its own branch until merge time.
type WorktreeManager struct {
	baseDir  string
	repoPath string
	git      Runner
	mu       sync.Mutex
}

// NewWorktreeManager creates a manager rooted at repoPath, with worktrees
// materialized under baseDir (created if absent).
func NewWorktreeManager(baseDir, repoPath string, runner Runner) (*WorktreeManager, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".cache", "crewctl", "worktrees")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}
	if runner == nil {
		runner = NewExecRunner(repoPath)
	}
	return &WorktreeManager{baseDir: baseDir, repoPath: repoPath, git: runner}, nil
}

// BaseDir returns the directory worktrees are created under.
func (m *WorktreeManager) BaseDir() string { return m.baseDir }

// RepoPath returns the path to the main repository.
func (m *WorktreeManager) RepoPath() string { return m.repoPath }

// Create materializes a new worktree and branch for agentID, branching from
// base (typically the team's integration branch at the time the agent is
// spawned).
func (m *WorktreeManager) Create(ctx context.Context, agentID, base string) (*models.Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := branchPrefix + agentID
	path := filepath.Join(m.baseDir, agentID)

	if err := m.git.RunSilent(ctx, "worktree", "add", "-b", branch, path, base); err != nil {
		return nil, fmt.Errorf("create worktree for %s: %w", agentID, err)
	}

	return &models.Worktree{
		Path:      path,
		Branch:    branch,
		CreatedAt: time.Now(),
	}, nil
}

// Remove deletes the worktree at path. Force is set when the worktree may
// still have uncommitted changes (e.g. after an agent failure).
func (m *WorktreeManager) Remove(ctx context.Context, path string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if err := m.git.RunSilent(ctx, args...); err != nil {
		return fmt.Errorf("remove worktree %s: %w", path, err)
	}
	return nil
}

// List returns every worktree known to git for this repository, including
// the main working tree.
func (m *WorktreeManager) List(ctx context.Context) ([]*models.Worktree, error) {
	out, err := m.git.Run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return parseWorktreeList(out), nil
}

// Prune removes git's stale administrative worktree entries for directories
// that no longer exist on disk.
func (m *WorktreeManager) Prune(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.git.RunSilent(ctx, "worktree", "prune")
}

// ConflictedFiles inspects the worktree at worktreePath for unmerged paths
// and returns them paired with their absolute location.
func (m *WorktreeManager) ConflictedFiles(ctx context.Context, worktreePath string) ([]models.ConflictedFile, error) {
	runner := NewExecRunner(worktreePath)
	rel, err := ConflictedFiles(ctx, runner)
	if err != nil {
		return nil, err
	}
	files := make([]models.ConflictedFile, 0, len(rel))
	for _, p := range rel {
		files = append(files, models.ConflictedFile{
			Path:     p,
			FullPath: filepath.Join(worktreePath, p),
		})
	}
	return files, nil
}

// parseWorktreeList parses the `git worktree list --porcelain` output into
// Worktree records. Each entry is separated by a blank line and begins with
// a "worktree <path>" line.
func parseWorktreeList(out string) []*models.Worktree {
	var worktrees []*models.Worktree
	var cur *models.Worktree

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				worktrees = append(worktrees, cur)
			}
			cur = &models.Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			if cur != nil {
				cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			}
		case line == "":
			if cur != nil {
				worktrees = append(worktrees, cur)
				cur = nil
			}
		}
	}
	if cur != nil {
		worktrees = append(worktrees, cur)
	}
	return worktrees
}

// ListOrphans returns worktrees this engine created (branchPrefix-namespaced)
// whose agent ID is not present in activeAgentIDs — left behind by a crash
// or an ungraceful shutdown.
func (m *WorktreeManager) ListOrphans(ctx context.Context, activeAgentIDs []string) ([]*models.Worktree, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	active := make(map[string]bool, len(activeAgentIDs))
	for _, id := range activeAgentIDs {
		active[id] = true
	}

	var orphans []*models.Worktree
	for _, wt := range all {
		if !strings.HasPrefix(wt.Branch, branchPrefix) {
			continue
		}
		agentID := strings.TrimPrefix(wt.Branch, branchPrefix)
		if !active[agentID] {
			orphans = append(orphans, wt)
		}
	}
	return orphans, nil
}

// CleanupOrphans force-removes every orphaned worktree and returns the
// number removed. notify, if non-nil, is called with each path before it is
// removed.
func (m *WorktreeManager) CleanupOrphans(ctx context.Context, activeAgentIDs []string, notify func(path string)) (int, error) {
	orphans, err := m.ListOrphans(ctx, activeAgentIDs)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, wt := range orphans {
		if notify != nil {
			notify(wt.Path)
		}
		if err := m.Remove(ctx, wt.Path, true); err != nil {
			continue
		}
		removed++
	}
	if removed > 0 {
		_ = m.Prune(ctx)
	}
	return removed, nil
}
