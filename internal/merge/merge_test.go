package merge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shayc/crewctl/internal/gitutil"
	"github.com/shayc/crewctl/internal/negotiator"
	"github.com/shayc/crewctl/internal/provider"
	"github.com/shayc/crewctl/pkg/models"
)

// fakeRunner scripts git command responses without touching a real repo or
// binary, mirroring gitutil's own test fake.
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   [][]string
}

func (f *fakeRunner) key(args []string) string { return strings.Join(args, " ") }

func (f *fakeRunner) Run(ctx context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	k := f.key(args)
	if err, ok := f.errs[k]; ok {
		return "", err
	}
	return f.outputs[k], nil
}

func (f *fakeRunner) RunSilent(ctx context.Context, args ...string) error {
	_, err := f.Run(ctx, args...)
	return err
}

func TestDetectFileOverlapFlagsSharedFiles(t *testing.T) {
	tasks := []models.Task{
		{TaskID: "task-1", Status: models.TaskStatusPending, Files: []string{"a.go", "shared.go"}},
		{TaskID: "task-2", Status: models.TaskStatusPending, Files: []string{"shared.go", "b.go"}},
		{TaskID: "task-3", Status: models.TaskStatusCompleted, Files: []string{"shared.go"}},
	}

	warnings := DetectFileOverlap(tasks)
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
	if warnings[0].File != "shared.go" {
		t.Errorf("File = %q", warnings[0].File)
	}
	if len(warnings[0].TaskIDs) != 2 {
		t.Errorf("TaskIDs = %v, want 2 entries", warnings[0].TaskIDs)
	}
}

func TestDetectFileOverlapIgnoresNonPendingTasks(t *testing.T) {
	tasks := []models.Task{
		{TaskID: "task-1", Status: models.TaskStatusCompleted, Files: []string{"a.go"}},
		{TaskID: "task-2", Status: models.TaskStatusInProgress, Files: []string{"a.go"}},
	}
	if warnings := DetectFileOverlap(tasks); len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
}

func TestQueueForMergeMarksQueued(t *testing.T) {
	m := New(&fakeRunner{}, nil, StrategyRebaseThenMerge, nil)
	m.QueueForMerge(models.MergeJob{TaskID: "task-1"})
	if got := m.StatusOf("task-1"); got != models.MergeStatusQueued {
		t.Errorf("StatusOf() = %q, want Queued", got)
	}
}

func TestProcessNextSkipsJobWithUnmergedDependency(t *testing.T) {
	f := &fakeRunner{}
	m := New(f, nil, StrategyRebaseThenMerge, nil)
	m.QueueForMerge(models.MergeJob{TaskID: "task-2", DependsOn: []string{"task-1"}})

	ran, err := m.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error = %v", err)
	}
	if ran {
		t.Fatal("expected no job to run since its dependency is not yet Merged")
	}
}

func TestProcessNextRunsReadyJobWithRebaseThenMerge(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{
		"rebase main":                 "",
		"checkout main":               "",
		"merge --no-ff -m merge crewctl/agent-a (task-1) into main crewctl/agent-a": "",
		"rev-parse HEAD":              "abc123\n",
		"branch -D crewctl/agent-a":   "",
	}}
	m := New(f, nil, StrategyRebaseThenMerge, nil)
	m.worktreeGit = func(string) gitutil.Runner { return f }
	m.QueueForMerge(models.MergeJob{
		TaskID:       "task-1",
		Branch:       "crewctl/agent-a",
		TargetBranch: "main",
		WorktreePath: "/tmp/worktree-a",
	})

	ran, err := m.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error = %v", err)
	}
	if !ran {
		t.Fatal("expected the ready job to run")
	}
	if got := m.StatusOf("task-1"); got != models.MergeStatusMerged {
		t.Errorf("StatusOf() = %q, want Merged", got)
	}
}

func TestProcessNextUnblocksDependentAfterDependencyMerges(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{
		"rebase main":                  "",
		"checkout main":                "",
		"merge --no-ff -m merge crewctl/agent-a (task-1) into main crewctl/agent-a": "",
		"merge --no-ff -m merge crewctl/agent-b (task-2) into main crewctl/agent-b": "",
		"rev-parse HEAD":               "abc123\n",
		"branch -D crewctl/agent-a":    "",
		"branch -D crewctl/agent-b":    "",
	}}
	m := New(f, nil, StrategyRebaseThenMerge, nil)
	m.worktreeGit = func(string) gitutil.Runner { return f }
	m.QueueForMerge(models.MergeJob{TaskID: "task-2", Branch: "crewctl/agent-b", TargetBranch: "main", DependsOn: []string{"task-1"}})
	m.QueueForMerge(models.MergeJob{TaskID: "task-1", Branch: "crewctl/agent-a", TargetBranch: "main"})

	// task-2 is queued first but isn't ready; task-1 has no dependency and
	// runs first despite its later position in FIFO order.
	ran, err := m.ProcessNext(context.Background())
	if err != nil || !ran {
		t.Fatalf("ProcessNext() ran=%v err=%v, want ran=true", ran, err)
	}
	if got := m.StatusOf("task-1"); got != models.MergeStatusMerged {
		t.Fatalf("StatusOf(task-1) = %q, want Merged", got)
	}

	ran, err = m.ProcessNext(context.Background())
	if err != nil || !ran {
		t.Fatalf("second ProcessNext() ran=%v err=%v, want ran=true", ran, err)
	}
	if got := m.StatusOf("task-2"); got != models.MergeStatusMerged {
		t.Fatalf("StatusOf(task-2) = %q, want Merged", got)
	}
}

// TestProcessNextHandsOffToNegotiatorOnConflict uses distinct fakes for the
// job's own worktree and the target-branch checkout, so it actually catches
// a rebase run against the wrong git state: a fake that ignores cwd (like a
// single shared fakeRunner would) can't tell "rebase ran in the worktree"
// from "rebase ran in the main checkout that was already on main".
func TestProcessNextHandsOffToNegotiatorOnConflict(t *testing.T) {
	wt := &fakeRunner{
		outputs: map[string]string{"status --porcelain": "UU shared.go\n"},
		errs:    map[string]error{"rebase main": errors.New("conflict during rebase")},
	}
	target := &fakeRunner{
		outputs: map[string]string{"rev-parse HEAD": "def456\n"},
	}

	resolveCalled := false
	resolveCtx := func(ctx context.Context, job models.MergeJob, conflicts []models.ConflictedFile) (NegotiatorInput, error) {
		resolveCalled = true
		if len(conflicts) != 1 || conflicts[0].Path != "shared.go" {
			t.Fatalf("conflicts = %+v, want [shared.go]", conflicts)
		}
		return NegotiatorInput{
			AgentA:     negotiator.TaskIntent{AgentID: "agent-a"},
			AgentB:     negotiator.TaskIntent{AgentID: "agent-b"},
			FileBodies: map[string]string{"shared.go": "conflicted content"},
		}, nil
	}

	neg := negotiator.New(&stubInvoker{text: "---RESOLUTION---\nfile: shared.go\ncontent:\nresolved\n---END_RESOLUTION---\n"}, provider.Config{})

	m := New(target, neg, StrategyRebaseThenMerge, resolveCtx)
	m.worktreeGit = func(string) gitutil.Runner { return wt }
	m.QueueForMerge(models.MergeJob{TaskID: "task-1", Branch: "crewctl/agent-a", TargetBranch: "main", WorktreePath: t.TempDir()})

	ran, err := m.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error = %v", err)
	}
	if !ran {
		t.Fatal("expected the job to run")
	}
	if !resolveCalled {
		t.Fatal("expected resolveCtx to be invoked on conflict")
	}
	if got := m.StatusOf("task-1"); got != models.MergeStatusMerged {
		t.Errorf("StatusOf() = %q, want Merged after successful negotiation", got)
	}

	var sawAbort, sawContinue bool
	for _, call := range wt.calls {
		switch strings.Join(call, " ") {
		case "rebase --abort":
			sawAbort = true
		case "rebase --continue":
			sawContinue = true
		}
	}
	if sawAbort {
		t.Error("rebase --abort must not run once conflicts are handed to the negotiator")
	}
	if !sawContinue {
		t.Error("expected rebase --continue to resume the worktree's rebase after resolution")
	}

	var sawCheckout, sawMerge bool
	for _, call := range target.calls {
		switch strings.Join(call, " ") {
		case "checkout main":
			sawCheckout = true
		case "merge --no-ff -m merge crewctl/agent-a (task-1) into main crewctl/agent-a":
			sawMerge = true
		}
	}
	if !sawCheckout || !sawMerge {
		t.Errorf("expected the resumed rebase to still be merged into the target checkout: checkout=%v merge=%v", sawCheckout, sawMerge)
	}
}

func TestProcessNextMarksFailedWhenNegotiatorUnavailable(t *testing.T) {
	wt := &fakeRunner{
		outputs: map[string]string{"status --porcelain": "UU shared.go\n"},
		errs:    map[string]error{"rebase main": errors.New("conflict during rebase")},
	}

	m := New(&fakeRunner{}, nil, StrategyRebaseThenMerge, nil)
	m.worktreeGit = func(string) gitutil.Runner { return wt }
	m.QueueForMerge(models.MergeJob{TaskID: "task-1", Branch: "crewctl/agent-a", TargetBranch: "main", WorktreePath: t.TempDir()})

	ran, err := m.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error = %v", err)
	}
	if !ran {
		t.Fatal("expected the job to run")
	}
	if got := m.StatusOf("task-1"); got != models.MergeStatusFailed {
		t.Errorf("StatusOf() = %q, want Failed", got)
	}

	sawAbort := false
	for _, call := range wt.calls {
		if strings.Join(call, " ") == "rebase --abort" {
			sawAbort = true
		}
	}
	if !sawAbort {
		t.Error("expected the worktree's rebase to be aborted when no negotiator is configured")
	}
}

func TestProcessNextEmptyQueueReturnsFalse(t *testing.T) {
	m := New(&fakeRunner{}, nil, StrategyRebaseThenMerge, nil)
	ran, err := m.ProcessNext(context.Background())
	if err != nil || ran {
		t.Fatalf("ProcessNext() ran=%v err=%v, want false, nil", ran, err)
	}
}

type stubInvoker struct {
	text string
}

func (s *stubInvoker) Invoke(ctx context.Context, cfg provider.Config, prompt, workingDir string, onOutput provider.OnOutput) (provider.Result, error) {
	return provider.Result{Success: true, ParsedText: s.text}, nil
}
