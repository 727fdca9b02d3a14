package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shayc/crewctl/internal/config"
	"github.com/shayc/crewctl/internal/gitutil"
	"github.com/shayc/crewctl/internal/merge"
	"github.com/shayc/crewctl/internal/messagebus"
	"github.com/shayc/crewctl/internal/negotiator"
	"github.com/shayc/crewctl/internal/orchestrator"
	"github.com/shayc/crewctl/internal/provider"
	"github.com/shayc/crewctl/internal/taskstore"
	"github.com/shayc/crewctl/internal/teamlog"
	"github.com/shayc/crewctl/internal/tui"
)

var (
	runHeadless     bool
	runMaxAgents    int
	runTargetBranch string
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Start a team run against a request",
	Long: `Run decomposes a request into a dependency-ordered task list and
spawns a team of agents to claim and execute it, merging completed work
into the target branch as it lands.

Use --headless to run without the TUI, printing progress to stdout
instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTeam,
}

func init() {
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Run without the TUI, printing progress lines instead")
	runCmd.Flags().IntVar(&runMaxAgents, "max-agents", 0, "Override the configured maximum number of concurrent agents")
	runCmd.Flags().StringVar(&runTargetBranch, "target-branch", "", "Override the configured target branch")
}

func runTeam(cmd *cobra.Command, args []string) error {
	request := strings.Join(args, " ")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Provider.InProcess {
		if err := CheckClaudeCLI(); err != nil {
			return err
		}
	}
	if runMaxAgents > 0 {
		cfg.Team.MaxAgents = runMaxAgents
	}
	if runTargetBranch != "" {
		cfg.Team.TargetBranch = runTargetBranch
	}

	repoPath, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	runID := time.Now().UTC().Format("20060102-150405")
	rootDir := cfg.Store.RootDir
	if !filepath.IsAbs(rootDir) {
		rootDir = filepath.Join(repoPath, rootDir)
	}
	runDir := filepath.Join(rootDir, "runs", runID)
	tasksDir := filepath.Join(runDir, "tasks")
	mailboxDir := filepath.Join(runDir, "mailbox")

	log := teamlog.ForRun(rootDir, runID, slog.LevelInfo)

	store, err := taskstore.Open(tasksDir, log)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	store.SetStaleClaimTimeout(cfg.Team.StaleClaimTimeout)

	bus := messagebus.New(mailboxDir, "lead")

	worktreeDir := cfg.Store.WorktreeDir
	if !filepath.IsAbs(worktreeDir) {
		worktreeDir = filepath.Join(repoPath, worktreeDir)
	}
	git := gitutil.NewExecRunner(repoPath)
	worktrees, err := gitutil.NewWorktreeManager(worktreeDir, repoPath, git)
	if err != nil {
		return fmt.Errorf("create worktree manager: %w", err)
	}

	invoker := provider.NewDefaultInvoker()
	leadProviderCfg := leadProviderConfig(cfg)
	neg := negotiator.New(invoker, leadProviderCfg)

	merger := merge.New(git, neg, cfg.MergeStrategy(), orchestrator.BuildNegotiatorInput(store, worktrees, git))

	lead := orchestrator.New(orchestrator.Config{
		TargetBranch:        cfg.Team.TargetBranch,
		MaxAgents:           cfg.Team.MaxAgents,
		RequirePlanApproval: cfg.Team.RequirePlanApproval,
		DelegateMode:        cfg.Team.DelegateMode,
		MergeStrategy:       cfg.MergeStrategy(),
		LeadProvider:        leadProviderCfg,
		AgentProvider:       agentProviderConfig(cfg),
		Log:                 log,
	}, store, bus, mailboxDir, merger, worktrees, invoker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nreceived interrupt, finalizing run...")
		cancel()
	}()

	if runHeadless {
		return runHeadlessMode(ctx, lead, request)
	}
	return runTUIMode(ctx, lead, request)
}

func runHeadlessMode(ctx context.Context, lead *orchestrator.Lead, request string) error {
	events := lead.Events()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range events {
			fmt.Printf("[%s] %s %s %s\n", evt.Timestamp.Format(time.Kitchen), evt.Type, evt.AgentID, evt.Message)
		}
	}()

	err := lead.Run(ctx, request)
	<-done

	if summary := lead.Summary(); summary != "" {
		fmt.Println("\n" + summary)
	}
	return err
}

func runTUIMode(ctx context.Context, lead *orchestrator.Lead, request string) error {
	tuiEvents := make(chan tui.Event)
	go func() {
		defer close(tuiEvents)
		for evt := range lead.Events() {
			tuiEvents <- tui.Event{
				Type:      tui.EventType(evt.Type),
				AgentID:   evt.AgentID,
				TaskID:    evt.TaskID,
				Message:   evt.Message,
				Timestamp: evt.Timestamp,
			}
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- lead.Run(ctx, request)
	}()

	if err := tui.Run(tuiEvents); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return <-runErr
}

// leadProviderConfig returns the provider config the lead uses for
// decomposition, plan review, and run synthesis.
func leadProviderConfig(cfg *config.Config) provider.Config {
	return provider.Config{
		Name:              "lead",
		Command:           cfg.Provider.Command,
		Args:              cfg.Provider.Args,
		Delivery:          provider.DeliveryMode(cfg.Provider.Delivery),
		StreamJSON:        cfg.Provider.StreamJSON,
		Env:               cfg.Provider.Env,
		InProcess:         cfg.Provider.InProcess,
		Model:             cfg.Provider.Model,
		APIKey:            cfg.Provider.APIKey,
		HeartbeatInterval: cfg.Provider.HeartbeatInterval,
	}
}

// agentProviderConfig is identical to the lead's provider config today;
// kept as a distinct function since per-agent overrides (a cheaper model
// for worker agents, say) are a config surface that belongs here.
func agentProviderConfig(cfg *config.Config) provider.Config {
	c := leadProviderConfig(cfg)
	c.Name = "agent"
	return c
}
