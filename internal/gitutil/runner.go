// Package gitutil wraps git plumbing needed by the coordination engine:
// branch and worktree lifecycle, diff/status queries, and merge/rebase
// operations. All subprocess invocation goes through internal/procutil so
// stdout and stderr are always drained concurrently.
package gitutil

import (
	"context"
	"fmt"
	"strings"

	"github.com/shayc/crewctl/internal/procutil"
)

// Runner is the git command surface the rest of the package depends on.
// Tests substitute a fake implementing this interface.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
	RunSilent(ctx context.Context, args ...string) error
}

// ExecRunner implements Runner over procutil.Runner, scoped to one repo path.
type ExecRunner struct {
	repoPath string
	proc     procutil.Runner
}

// NewExecRunner creates a git runner rooted at repoPath.
func NewExecRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath, proc: procutil.NewExecRunner()}
}

// Run executes a git command and returns trimmed stdout.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	res, err := r.proc.Run(ctx, r.repoPath, "git", args...)
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// RunSilent executes a git command and discards its stdout.
func (r *ExecRunner) RunSilent(ctx context.Context, args ...string) error {
	_, err := r.Run(ctx, args...)
	return err
}

var _ Runner = (*ExecRunner)(nil)

// CurrentBranch returns the name of the current branch.
func CurrentBranch(ctx context.Context, r Runner) (string, error) {
	return r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// CreateAndCheckoutBranch creates and switches to a new branch from base.
func CreateAndCheckoutBranch(ctx context.Context, r Runner, name, base string) error {
	return r.RunSilent(ctx, "checkout", "-b", name, base)
}

// CheckoutBranch switches to the specified branch.
func CheckoutBranch(ctx context.Context, r Runner, name string) error {
	return r.RunSilent(ctx, "checkout", name)
}

// DeleteBranch force-deletes the specified branch.
func DeleteBranch(ctx context.Context, r Runner, name string) error {
	return r.RunSilent(ctx, "branch", "-D", name)
}

// Status returns the output of git status --porcelain.
func Status(ctx context.Context, r Runner) (string, error) {
	return r.Run(ctx, "status", "--porcelain")
}

// HasChanges reports whether the working tree has uncommitted changes.
func HasChanges(ctx context.Context, r Runner) (bool, error) {
	status, err := Status(ctx, r)
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// ChangedFiles returns files changed relative to base, empty-safe.
func ChangedFiles(ctx context.Context, r Runner, base string) ([]string, error) {
	out, err := r.Run(ctx, "diff", "--name-only", base)
	if err != nil {
		return nil, err
	}
	return splitNonEmpty(out), nil
}

// Add stages the given paths.
func Add(ctx context.Context, r Runner, paths ...string) error {
	args := append([]string{"add"}, paths...)
	return r.RunSilent(ctx, args...)
}

// Commit creates a commit with the given message.
func Commit(ctx context.Context, r Runner, message string) error {
	return r.RunSilent(ctx, "commit", "-m", message)
}

// MergeNoFF merges branch into the current branch, always creating a merge commit.
func MergeNoFF(ctx context.Context, r Runner, branch, message string) error {
	return r.RunSilent(ctx, "merge", "--no-ff", "-m", message, branch)
}

// MergeAbort aborts an in-progress merge.
func MergeAbort(ctx context.Context, r Runner) error {
	return r.RunSilent(ctx, "merge", "--abort")
}

// Rebase rebases the current branch onto base.
func Rebase(ctx context.Context, r Runner, base string) error {
	return r.RunSilent(ctx, "rebase", base)
}

// RebaseAbort aborts an in-progress rebase.
func RebaseAbort(ctx context.Context, r Runner) error {
	return r.RunSilent(ctx, "rebase", "--abort")
}

// RebaseContinue resumes an in-progress rebase after its conflicts have
// been staged. Unlike finishing a merge, a plain commit does not advance a
// rebase in progress.
func RebaseContinue(ctx context.Context, r Runner) error {
	return r.RunSilent(ctx, "rebase", "--continue")
}

// conflictPrefixes are the git status --porcelain XY codes for unmerged paths.
var conflictPrefixes = []string{"UU", "AA", "DD", "AU", "UA", "DU", "UD"}

// ConflictedFiles returns the repo-relative paths of files with merge conflicts.
func ConflictedFiles(ctx context.Context, r Runner) ([]string, error) {
	status, err := Status(ctx, r)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range splitNonEmpty(status) {
		if len(line) < 3 {
			continue
		}
		prefix := line[:2]
		for _, cp := range conflictPrefixes {
			if prefix == cp {
				paths = append(paths, strings.TrimSpace(line[2:]))
				break
			}
		}
	}
	return paths, nil
}

// CheckoutOurs checks out the "ours" side of a conflicted file.
func CheckoutOurs(ctx context.Context, r Runner, path string) error {
	return r.RunSilent(ctx, "checkout", "--ours", path)
}

// CheckoutTheirs checks out the "theirs" side of a conflicted file.
func CheckoutTheirs(ctx context.Context, r Runner, path string) error {
	return r.RunSilent(ctx, "checkout", "--theirs", path)
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
