package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/audit"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/config"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/decision"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/escalation"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/events"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/git"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/logging"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/metrics"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/orchestrator"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/pool"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/provider"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/provider/anthropic"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/retry"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/state"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/workflow"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/workspace"
)

// appOptions adjusts how the component graph is built for one command.
type appOptions struct {
	// dryRun answers every action and decision with the scripted echo provider.
	dryRun bool
	// sinks receive run events in addition to the configured ones.
	sinks []events.Sink
}

// app is the wired component graph shared by the commands. Nothing in it is
// global; each command builds one and closes it.
type app struct {
	cfg *config.Config

	logger     *logging.DebugLogger
	registry   *workflow.Registry
	store      state.Store
	queue      *escalation.Queue
	auditDB    *audit.DB
	factory    *provider.Factory
	pool       *pool.Pool
	decider    *decision.Engine
	workspaces *workspace.Manager
	engine     *workflow.Engine
	orch       *orchestrator.Orchestrator

	promRegistry *prometheus.Registry
	metrics      *metrics.Prom
	emitter      *events.Emitter

	closers []func() error
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Paths.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	a.logger = logging.NewDebugLoggerForDir(cfg.Paths.LogsDir())
	if verbose {
		log.SetOutput(io.MultiWriter(os.Stderr, a.logger.Writer()))
	} else {
		log.SetOutput(a.logger.Writer())
	}
	a.closers = append(a.closers, a.logger.Close)

	a.promRegistry = prometheus.NewRegistry()
	a.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewProm(cfg.Metrics.Namespace, a.promRegistry)

	if err := a.openStore(); err != nil {
		return nil, err
	}

	var err error
	a.auditDB, err = audit.OpenAndMigrate(audit.DefaultPath(cfg.Paths.StateDir))
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	a.closers = append(a.closers, a.auditDB.Close)

	a.queue, err = escalation.NewQueue(cfg.Paths.EscalationsDir(),
		escalation.WithRecorder(a.auditDB),
		escalation.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}

	a.factory = provider.NewFactory()
	a.factory.Register(anthropic.New(cfg.Anthropic.DefaultModel))
	a.factory.Register(provider.NewScripted("", nil))

	creds := config.Credentials(cfg)
	a.pool = pool.New(a.factory, pool.Config{
		MaxConcurrent:  cfg.Pool.MaxConcurrent,
		DefaultTimeout: cfg.Pool.DefaultTimeout,
		Credentials:    creds,
		Metrics:        a.metrics,
	})

	if err := a.buildDecider(creds, opts.dryRun); err != nil {
		return nil, err
	}

	a.workspaces = workspace.NewManager(
		workspace.NewGitBackend(git.NewRunner("."), cfg.Workspace.Remote),
		workspace.Config{
			BaseDir:      cfg.Workspace.BaseDir,
			BranchPrefix: cfg.Workspace.BranchPrefix,
			BaseRef:      cfg.Workspace.BaseRef,
		})

	a.registry = workflow.NewRegistry()
	if n, err := a.registry.LoadDir(cfg.Paths.Workflows); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Printf("[agentorch] no workflow directory at %s", cfg.Paths.Workflows)
	} else {
		log.Printf("[agentorch] loaded %d workflows from %s", n, cfg.Paths.Workflows)
	}

	sinks := append([]events.Sink(nil), opts.sinks...)
	if cfg.Events.Log {
		sinks = append(sinks, events.LogSink{})
	}
	if cfg.Events.NatsURL != "" {
		nats, err := events.NewNatsSink(cfg.Events.NatsURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, nats)
		a.closers = append(a.closers, func() error { nats.Close(); return nil })
	}
	a.emitter = events.NewEmitter(cfg.Events.BufferSize, sinks...)
	a.closers = append(a.closers, func() error { a.emitter.Close(); return nil })

	engineCfg := workflow.Config{
		MaxStepExecutions: cfg.Engine.MaxStepExecutions,
		DefaultProvider:   cfg.Engine.DefaultProvider,
		DefaultModel:      cfg.Engine.DefaultModel,
	}
	if opts.dryRun {
		engineCfg.DefaultProvider = provider.ScriptedName
		engineCfg.DefaultModel = ""
	}
	a.engine = workflow.New(workflow.Deps{
		Registry:   a.registry,
		Store:      a.store,
		Executor:   a.pool,
		Decider:    a.decider,
		Workspaces: a.workspaces,
		Policy:     a.retryPolicy(),
		Events:     a.emitter,
		Metrics:    a.metrics,
	}, engineCfg)

	a.orch, err = orchestrator.New(orchestrator.Config{
		Engine: a.engine,
		Store:  a.store,
		Queue:  a.queue,
	})
	if err != nil {
		return nil, err
	}
	built = true
	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.Store.Backend {
	case config.StoreRedis:
		rs, err := state.NewRedisStore(a.cfg.Store.RedisURL, a.cfg.Store.RedisPrefix)
		if err != nil {
			return err
		}
		a.store = rs
		a.closers = append(a.closers, rs.Close)
	default:
		fs, err := state.NewFileStore(a.cfg.Paths.RunsDir())
		if err != nil {
			return err
		}
		a.store = fs
	}
	return nil
}

// buildDecider creates the decision engine. Without usable credentials the
// engine still answers from the knowledge file and escalates the rest.
func (a *app) buildDecider(creds provider.Credentials, dryRun bool) error {
	var opts []decision.Option
	opts = append(opts,
		decision.WithThreshold(a.cfg.Decision.Threshold),
		decision.WithRecorder(a.auditDB),
		decision.WithMetrics(a.metrics))
	if path := a.cfg.Decision.KnowledgeFile; path != "" {
		k, err := decision.LoadKnowledgeFile(path)
		if err != nil {
			return err
		}
		opts = append(opts, decision.WithKnowledge(k))
	}

	providerName, model := a.cfg.Decision.Provider, a.cfg.Decision.Model
	if dryRun {
		providerName, model = provider.ScriptedName, ""
	}
	// Model calls go through the pool so decisions count against its
	// capacity and carry its invocation timeout.
	var completer decision.Completer
	if _, err := a.factory.CreateClient(providerName, model, creds); err != nil {
		log.Printf("[agentorch] decision client unavailable, questions will escalate: %v", err)
	} else {
		completer = a.pool.Completer(pool.TaskSpec{
			Provider: providerName,
			Model:    model,
			Groups:   map[string]string{"provider": providerName, "component": "decision"},
		}, a.retryPolicy())
	}
	a.decider = decision.New(completer, a.queue, opts...)
	return nil
}

func (a *app) retryPolicy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		MaxDelay:    a.cfg.Retry.MaxDelay,
		Sleep:       retry.SleepContext,
	}
}

// Close stops the orchestrator, parking any executing runs, then releases
// resources in reverse order of acquisition.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("[agentorch] close: %v", err)
		}
	}
	a.closers = nil
}
