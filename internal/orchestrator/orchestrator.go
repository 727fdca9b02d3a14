// Package orchestrator implements the lead: it decomposes a feature
// request into tasks, spawns a bounded pool of agents against the task
// store and message bus, runs the coordination loop that reviews plans,
// detects stuck agents, and drains the merge queue, then finalizes the run
// with a graceful shutdown and a synthesized summary.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shayc/crewctl/internal/agent"
	"github.com/shayc/crewctl/internal/gitutil"
	"github.com/shayc/crewctl/internal/merge"
	"github.com/shayc/crewctl/internal/messagebus"
	"github.com/shayc/crewctl/internal/provider"
	"github.com/shayc/crewctl/internal/taskstore"
	"github.com/shayc/crewctl/pkg/models"
)

// pollInterval is the coordination loop's idle tick: how often it checks
// the inbox, stuck agents, and the merge queue when nothing else wakes it.
const pollInterval = 200 * time.Millisecond

// heartbeatGrace is how long a Working agent may go without a status-check
// reply before its task is released.
const heartbeatGrace = 60 * time.Second

// shutdownDeadline bounds how long Finalize waits for agents to acknowledge
// a ShutdownRequest before force-stopping them.
const shutdownDeadline = 60 * time.Second

// defaultAverageTaskDuration is used for the stuck-agent heuristic before
// any task has completed.
const defaultAverageTaskDuration = 10 * time.Minute

// Config configures one team run.
type Config struct {
	TargetBranch        string
	MaxAgents           int
	RequirePlanApproval bool
	DelegateMode        bool
	MergeStrategy       merge.Strategy
	LeadProvider        provider.Config
	AgentProvider       provider.Config
	Log                 *slog.Logger
}

// agentHandle tracks one spawned agent's running goroutine alongside its
// worktree, so Finalize can wait for it and then clean up. cancel stops the
// agent's Run loop directly when it does not acknowledge a ShutdownRequest
// within shutdownDeadline.
type agentHandle struct {
	runner   *agent.Runner
	bus      *messagebus.Bus
	worktree *models.Worktree
	cancel   context.CancelFunc
	done     chan struct{}
}

// Lead coordinates one team run against a shared TaskStore, MessageBus,
// and MergeManager.
type Lead struct {
	cfg Config

	store      *taskstore.Store
	bus        *messagebus.Bus
	mailboxDir string
	merger     *merge.Manager
	worktrees  *gitutil.WorktreeManager
	invoker    provider.Invoker
	events     *EventEmitter
	log        *slog.Logger

	mu              sync.Mutex
	agents          map[string]*agentHandle
	activity        map[string]time.Time // agentID -> last observed liveness
	workingSince    map[string]time.Time // agentID -> when it entered Working
	statusCheckSent map[string]time.Time // agentID -> when a status-check Text was sent
	findings        []string
	shutdownReasons map[string]string
	summary         string
}

// New constructs a Lead. store, bus (rooted at models.LeadAgentID),
// mailboxDir, merger, and worktrees are owned by the caller and shared with
// every spawned agent.
func New(cfg Config, store *taskstore.Store, bus *messagebus.Bus, mailboxDir string, merger *merge.Manager, worktrees *gitutil.WorktreeManager, invoker provider.Invoker) *Lead {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 1
	}
	return &Lead{
		cfg:             cfg,
		store:           store,
		bus:             bus,
		mailboxDir:      mailboxDir,
		merger:          merger,
		worktrees:       worktrees,
		invoker:         invoker,
		events:          NewEventEmitter(256),
		log:             log,
		agents:          make(map[string]*agentHandle),
		activity:        make(map[string]time.Time),
		workingSince:    make(map[string]time.Time),
		statusCheckSent: make(map[string]time.Time),
		shutdownReasons: make(map[string]string),
	}
}

// Events returns the channel the TUI (or any other observer) reads from.
func (l *Lead) Events() <-chan Event {
	return l.events.Events()
}

// Run executes the full three-phase lifecycle: Setup, the coordination
// loop, then Finalize. Finalize always runs, even when ctx is canceled or
// the loop returns early, so worktrees and mailboxes are never leaked.
func (l *Lead) Run(ctx context.Context, request string) error {
	if err := l.Setup(ctx, request); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	loopErr := l.coordinationLoop(ctx)

	if err := l.Finalize(); err != nil {
		l.log.Error("finalize failed", "error", err)
	}

	return loopErr
}

// averageTaskDuration returns the mean duration of completed tasks, or
// defaultAverageTaskDuration if none have completed yet.
func (l *Lead) averageTaskDuration() time.Duration {
	completed := l.store.GetByStatus(models.TaskStatusCompleted)
	var total time.Duration
	var n int
	for _, t := range completed {
		if t.Result != nil {
			total += t.Result.Duration
			n++
		}
	}
	if n == 0 {
		return defaultAverageTaskDuration
	}
	return total / time.Duration(n)
}
