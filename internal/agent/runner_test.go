package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shayc/crewctl/internal/messagebus"
	"github.com/shayc/crewctl/internal/provider"
	"github.com/shayc/crewctl/internal/taskstore"
	"github.com/shayc/crewctl/pkg/models"
)

func TestCanTransitionAllowsSpawningToReady(t *testing.T) {
	if !CanTransition(models.AgentStateSpawning, models.AgentStateReady) {
		t.Error("expected Spawning -> Ready to be legal")
	}
}

func TestCanTransitionRejectsSkippingStates(t *testing.T) {
	if CanTransition(models.AgentStateSpawning, models.AgentStateWorking) {
		t.Error("expected Spawning -> Working to be illegal")
	}
}

func TestCanTransitionTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, to := range []models.AgentState{models.AgentStateReady, models.AgentStateWorking, models.AgentStateIdle} {
		if CanTransition(models.AgentStateStopped, to) {
			t.Errorf("Stopped -> %s should be illegal", to)
		}
		if CanTransition(models.AgentStateError, to) {
			t.Errorf("Error -> %s should be illegal", to)
		}
	}
}

func TestCanTransitionPlanningWorkRetryAndRelease(t *testing.T) {
	if !CanTransition(models.AgentStatePlanningWork, models.AgentStatePlanningWork) {
		t.Error("expected PlanningWork -> PlanningWork (retry) to be legal")
	}
	if !CanTransition(models.AgentStatePlanningWork, models.AgentStateIdle) {
		t.Error("expected PlanningWork -> Idle (revisions exhausted) to be legal")
	}
}

func TestIdleBackoffSequence(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{9, 30 * time.Second},
	}
	for _, c := range cases {
		if got := idleBackoff(c.attempt); got != c.want {
			t.Errorf("idleBackoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBuildWorkingPromptAssemblesAllSections(t *testing.T) {
	prompt := buildWorkingPrompt("system ctx", "spawn prompt", []string{"hello from lead"}, "do the thing")

	for _, want := range []string{"system ctx", "spawn prompt", "hello from lead", "do the thing"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildWorkingPromptOmitsEmptySections(t *testing.T) {
	prompt := buildWorkingPrompt("", "", nil, "do the thing")
	if strings.Contains(prompt, "Messages received") {
		t.Error("prompt should not include the pending-context header when there is none")
	}
	if strings.TrimSpace(prompt) != "do the thing" {
		t.Errorf("prompt = %q, want just the task description", prompt)
	}
}

type stubInvoker struct {
	result provider.Result
	err    error
}

func (s *stubInvoker) Invoke(ctx context.Context, cfg provider.Config, prompt, workingDir string, onOutput provider.OnOutput) (provider.Result, error) {
	return s.result, s.err
}

type fakeGitRunner struct {
	outputs map[string]string
}

func (f *fakeGitRunner) Run(ctx context.Context, args ...string) (string, error) {
	return f.outputs[strings.Join(args, " ")], nil
}

func (f *fakeGitRunner) RunSilent(ctx context.Context, args ...string) error {
	return nil
}

func newTestRunner(t *testing.T, invoker provider.Invoker) (*Runner, *taskstore.Store, *messagebus.Bus, string) {
	t.Helper()
	store, err := taskstore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("taskstore.Open() error = %v", err)
	}
	mailboxDir := t.TempDir()
	bus := messagebus.New(mailboxDir, "agent-1")

	r := New(Config{
		AgentID:      "agent-1",
		WorktreePath: "/tmp/worktree-1",
		TargetBranch: "main",
		Store:        store,
		Bus:          bus,
		Invoker:      invoker,
		Git:          &fakeGitRunner{outputs: map[string]string{"rev-parse HEAD": "sha123\n"}},
	})
	return r, store, bus, mailboxDir
}

func TestStepClaimingGoesIdleWhenNothingClaimable(t *testing.T) {
	r, _, _, _ := newTestRunner(t, &stubInvoker{})
	if err := r.transition(models.AgentStateReady); err != nil {
		t.Fatalf("transition to Ready: %v", err)
	}
	if err := r.transition(models.AgentStateClaiming); err != nil {
		t.Fatalf("transition to Claiming: %v", err)
	}

	if err := r.stepClaiming(context.Background()); err != nil {
		t.Fatalf("stepClaiming() error = %v", err)
	}
	if got := r.State(); got != models.AgentStateIdle {
		t.Errorf("State() = %s, want Idle", got)
	}
}

func TestStepClaimingGoesWorkingWhenTaskAvailable(t *testing.T) {
	r, store, _, _ := newTestRunner(t, &stubInvoker{})
	if err := store.AddTasks([]*models.Task{{Title: "t", Priority: models.PriorityMedium, MaxRetries: 1}}); err != nil {
		t.Fatalf("AddTasks() error = %v", err)
	}
	if err := r.transition(models.AgentStateReady); err != nil {
		t.Fatal(err)
	}
	if err := r.transition(models.AgentStateClaiming); err != nil {
		t.Fatal(err)
	}

	if err := r.stepClaiming(context.Background()); err != nil {
		t.Fatalf("stepClaiming() error = %v", err)
	}
	if got := r.State(); got != models.AgentStateWorking {
		t.Errorf("State() = %s, want Working", got)
	}
}

func TestStepClaimingGoesPlanningWorkWhenApprovalRequired(t *testing.T) {
	r, store, _, _ := newTestRunner(t, &stubInvoker{})
	r.cfg.RequirePlanApproval = true
	if err := store.AddTasks([]*models.Task{{Title: "t", Priority: models.PriorityMedium, MaxRetries: 1}}); err != nil {
		t.Fatalf("AddTasks() error = %v", err)
	}
	if err := r.transition(models.AgentStateReady); err != nil {
		t.Fatal(err)
	}
	if err := r.transition(models.AgentStateClaiming); err != nil {
		t.Fatal(err)
	}

	if err := r.stepClaiming(context.Background()); err != nil {
		t.Fatalf("stepClaiming() error = %v", err)
	}
	if got := r.State(); got != models.AgentStatePlanningWork {
		t.Errorf("State() = %s, want PlanningWork", got)
	}
}

func TestStepWorkingCompletesTaskOnProviderSuccess(t *testing.T) {
	r, store, _, _ := newTestRunner(t, &stubInvoker{result: provider.Result{Success: true, ParsedText: "done"}})
	if err := store.AddTasks([]*models.Task{{Title: "t", Priority: models.PriorityMedium, MaxRetries: 1}}); err != nil {
		t.Fatalf("AddTasks() error = %v", err)
	}

	task, err := store.TryClaim("agent-1")
	if err != nil || task == nil {
		t.Fatalf("TryClaim() = %v, %v", task, err)
	}
	r.currentTask = task
	_ = r.transition(models.AgentStateReady)
	_ = r.transition(models.AgentStateClaiming)
	_ = r.transition(models.AgentStateWorking)

	if err := r.stepWorking(context.Background()); err != nil {
		t.Fatalf("stepWorking() error = %v", err)
	}
	if got := r.State(); got != models.AgentStateClaiming {
		t.Errorf("State() = %s, want Claiming", got)
	}

	completed, ok := store.GetByID(task.TaskID)
	if !ok || completed.Status != models.TaskStatusCompleted {
		t.Errorf("task status = %+v, want Completed", completed)
	}
}

func TestStepWorkingFailsTaskOnProviderError(t *testing.T) {
	r, store, _, _ := newTestRunner(t, &stubInvoker{result: provider.Result{Success: false, Error: "boom"}})
	if err := store.AddTasks([]*models.Task{{Title: "t", Priority: models.PriorityMedium, MaxRetries: 1}}); err != nil {
		t.Fatalf("AddTasks() error = %v", err)
	}

	task, _ := store.TryClaim("agent-1")
	r.currentTask = task
	_ = r.transition(models.AgentStateReady)
	_ = r.transition(models.AgentStateClaiming)
	_ = r.transition(models.AgentStateWorking)

	if err := r.stepWorking(context.Background()); err != nil {
		t.Fatalf("stepWorking() error = %v", err)
	}

	got, ok := store.GetByID(task.TaskID)
	if !ok {
		t.Fatal("task disappeared")
	}
	if got.Status != models.TaskStatusPending && got.Status != models.TaskStatusFailed {
		t.Errorf("task status = %s, want Pending (retry) or Failed (terminal)", got.Status)
	}
	if got.RetryCount == 0 {
		t.Error("expected RetryCount to be incremented")
	}
}

func TestHandleMessageTextAppendsPendingContext(t *testing.T) {
	r, _, _, _ := newTestRunner(t, &stubInvoker{})
	r.handleMessage(models.Message{Type: models.MessageTypeText, Content: "heads up"})
	if len(r.pendingContext) != 1 || r.pendingContext[0] != "heads up" {
		t.Errorf("pendingContext = %v", r.pendingContext)
	}
}

func TestHandleMessageTaskAssignmentSetsTargetedClaim(t *testing.T) {
	r, _, _, _ := newTestRunner(t, &stubInvoker{})
	r.handleMessage(models.Message{Type: models.MessageTypeTaskAssignment, Metadata: map[string]string{"task_id": "task-7"}})
	if r.pendingTaskID != "task-7" {
		t.Errorf("pendingTaskID = %q, want task-7", r.pendingTaskID)
	}
}

func TestHandleMessageShutdownRequestAcceptsImmediatelyWhenIdle(t *testing.T) {
	r, _, _, mailboxDir := newTestRunner(t, &stubInvoker{})
	_ = r.transition(models.AgentStateReady)
	_ = r.transition(models.AgentStateClaiming)
	_ = r.transition(models.AgentStateIdle)

	lead := messagebus.New(mailboxDir, models.LeadAgentID)
	r.handleMessage(models.Message{Type: models.MessageTypeShutdownRequest, FromAgentID: models.LeadAgentID})

	if got := r.State(); got != models.AgentStateShuttingDown {
		t.Errorf("State() = %s, want ShuttingDown", got)
	}

	msgs, err := lead.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != models.MessageTypeShutdownResponse || !msgs[0].Accepted() {
		t.Errorf("lead inbox = %+v, want one accepted ShutdownResponse", msgs)
	}
}

func TestHandleMessageShutdownRequestDefersWhileWorking(t *testing.T) {
	r, _, _, _ := newTestRunner(t, &stubInvoker{})
	_ = r.transition(models.AgentStateReady)
	_ = r.transition(models.AgentStateClaiming)
	_ = r.transition(models.AgentStateWorking)

	r.handleMessage(models.Message{Type: models.MessageTypeShutdownRequest, FromAgentID: models.LeadAgentID})

	if got := r.State(); got != models.AgentStateWorking {
		t.Errorf("State() = %s, want still Working (deferred)", got)
	}
	if !r.shutdownDeferred {
		t.Error("expected shutdownDeferred to be set")
	}
}

func TestHandleMessagePlanApprovalDeliversToRendezvous(t *testing.T) {
	r, _, _, _ := newTestRunner(t, &stubInvoker{})
	r.handleMessage(models.Message{Type: models.MessageTypePlanApproval, Metadata: map[string]string{"approved": "true"}})

	select {
	case msg := <-r.planApprovalCh:
		if !msg.Approved() {
			t.Error("expected the buffered message to report approved=true")
		}
	default:
		t.Fatal("expected a message on planApprovalCh")
	}
}
