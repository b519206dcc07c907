// Package core wires the runtime: store, bus, registry, breaker, recorder,
// playbooks, orchestrator, reactor, self-improving loop, heartbeat and the
// observability surfaces, all built from one Config.
package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/agent/registry"
	"github.com/aios/aios/internal/agent/worker"
	"github.com/aios/aios/internal/breaker"
	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/config"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events/bus"
	"github.com/aios/aios/internal/events/store"
	"github.com/aios/aios/internal/heartbeat"
	"github.com/aios/aios/internal/improve"
	"github.com/aios/aios/internal/improve/gates"
	"github.com/aios/aios/internal/improve/rollback"
	"github.com/aios/aios/internal/notify"
	"github.com/aios/aios/internal/observability"
	"github.com/aios/aios/internal/orchestrator/dispatcher"
	"github.com/aios/aios/internal/orchestrator/planner"
	"github.com/aios/aios/internal/orchestrator/router"
	"github.com/aios/aios/internal/orchestrator/scheduler"
	"github.com/aios/aios/internal/playbook"
	"github.com/aios/aios/internal/reactor"
	"github.com/aios/aios/internal/server/stream"
	"github.com/aios/aios/internal/trace"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// Core is the dependency container. Everything is constructed in New and
// started/stopped together.
type Core struct {
	Config *config.Config
	Clock  clock.Clock
	Log    *logger.Logger

	Store *store.Store
	// EventStream is the store stream durable events land in: test_events
	// when Env is test, events otherwise.
	EventStream string
	Bus         *bus.InProcessBus
	Registry    *registry.Registry
	Rollback    *rollback.Manager
	Breaker     *breaker.Breaker
	Recorder    *trace.Recorder
	Library     *playbook.Library
	Planner     *planner.Planner
	Router      *router.Router
	Dispatcher  *dispatcher.Dispatcher
	Scheduler   *scheduler.Scheduler
	Gates       *gates.Gates
	Loop        *improve.Loop
	Reactor     *reactor.Reactor
	Heartbeat   *heartbeat.Heartbeat
	Metrics     *observability.Metrics
	Health      *observability.Health
	Hub         *stream.Hub
	Notifier    notify.Notifier
	Watcher     *notify.Watcher
}

// New builds the full runtime. wrk may be nil, in which case the configured
// exec worker (or the simulated development worker) is used.
func New(cfg *config.Config, clk clock.Clock, wrk dispatcher.Worker, log *logger.Logger) (*Core, error) {
	if clk == nil {
		clk = clock.NewReal()
	}

	st, err := store.Open(cfg.Store.DataDir, store.Options{
		MaxSegmentBytes: cfg.Store.MaxSegmentBytes,
		Retention:       time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	eventStream := store.StreamEvents
	if cfg.Env == string(v1.EnvTest) {
		eventStream = store.StreamTestEvents
	}
	eventBus := bus.NewInProcessBus(st, clk, bus.Options{
		QueueSize: cfg.Bus.QueueSize,
		Stream:    eventStream,
	}, log)

	reg := registry.NewRegistry(st, eventBus, clk, cfg.Store.DataDir, log)

	rb := rollback.New(st, reg, eventBus, clk, rollback.Thresholds{
		SuccessRateDrop:  cfg.Improve.SuccessDropLimit,
		DurationIncrease: cfg.Improve.DurationRiseLimit,
		MinSamples:       cfg.Improve.MinVerifyTraces,
	}, log)
	reg.SetSnapshotSink(rb)
	if err := rb.Load(); err != nil {
		return nil, fmt.Errorf("load rollback history: %w", err)
	}
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("load agent registry: %w", err)
	}

	brk := breaker.New(breaker.Config{
		Threshold:       cfg.Breaker.Threshold,
		Window:          cfg.Breaker.Window,
		Cooldown:        cfg.Breaker.Cooldown,
		CooldownMax:     cfg.Breaker.CooldownMax,
		QuarantineAfter: cfg.Breaker.QuarantineAfter,
	}, clk, eventBus, log)

	recorder := trace.NewRecorder(st, eventBus, reg, clk, log)
	metrics := observability.New(eventBus, clk, log)

	library, err := playbook.NewLibrary(cfg.PlaybooksPath, log)
	if err != nil {
		return nil, fmt.Errorf("load playbooks: %w", err)
	}

	if wrk == nil {
		if cfg.Worker.Command != "" {
			wrk, err = worker.NewExecWorker(cfg.Worker.Command, log)
			if err != nil {
				return nil, fmt.Errorf("build exec worker: %w", err)
			}
		} else {
			log.Warn("no worker command configured, using simulated worker")
			wrk = &worker.SimWorker{}
		}
	}

	disp := dispatcher.New(wrk, recorder, brk, log)
	rt := router.New(reg, brk, disp, log)
	sched := scheduler.New(scheduler.Config{
		Workers:           cfg.Scheduler.Workers,
		MaxQueueSize:      cfg.Scheduler.QueueSize,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
		RetryBase:         cfg.Scheduler.RetryBackoffBase,
		RetryMax:          cfg.Scheduler.RetryBackoffMax,
		BubbleFailures:    cfg.Scheduler.BubbleFailures,
	}, rt, disp, recorder, eventBus, st, clk, log)

	pl := planner.New(st, clk, log)

	replay := gates.NewTraceReplay(recorder, cfg.Improve.MinVerifyTraces)
	g := gates.New(replay, 0, log)
	loop := improve.New(improve.Config{
		ObserveWindow:     cfg.Improve.ObservationWindow,
		AgentCooldown:     cfg.Improve.AgentCooldown,
		TargetSuccessRate: cfg.Improve.TargetSuccessRate,
	}, recorder, reg, g, rb, st, eventBus, clk, log)

	rc := reactor.New(library, brk, metrics, eventBus, st, clk, log)

	health := observability.NewHealth(brk, st, eventBus, reg, metrics)
	hb := heartbeat.New(heartbeat.Config{
		Interval:       cfg.Heartbeat.Interval,
		ImproveCadence: cfg.Improve.Cadence,
	}, sched, health, loop, eventBus, clk, log)

	rc.RegisterHandler(v1.ActionConfigUpdate, reactor.ConfigUpdateHandler(&registryPatcher{reg: reg}, hb))
	rc.RegisterHandler(v1.ActionAgentRestart, reactor.AgentRestartHandler(&agentRestarter{reg: reg, brk: brk}))
	rc.RegisterHandler(v1.ActionExecCommand, reactor.ExecCommandHandler(cfg.Reactor.ExecAllowlist))
	rc.RegisterHandler(v1.ActionSchedulerEnqueue, reactor.SchedulerEnqueueHandler(sched))
	rc.RegisterHandler(v1.ActionRollbackTrigger, reactor.RollbackTriggerHandler(rb))

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, log)
	} else {
		notifier = notify.NewLogNotifier(log)
	}
	rc.RegisterHandler(v1.ActionNotify, reactor.NotifyHandler(notifier))
	watcher := notify.NewWatcher(notifier, eventBus, log)

	hub := stream.NewHub(eventBus, log)

	core := &Core{
		Config:      cfg,
		Clock:       clk,
		Log:         log,
		Store:       st,
		EventStream: eventStream,
		Bus:         eventBus,
		Registry:    reg,
		Rollback:    rb,
		Breaker:     brk,
		Recorder:    recorder,
		Library:     library,
		Planner:     pl,
		Router:      rt,
		Dispatcher:  disp,
		Scheduler:   sched,
		Gates:       g,
		Loop:        loop,
		Reactor:     rc,
		Heartbeat:   hb,
		Metrics:     metrics,
		Health:      health,
		Hub:         hub,
		Notifier:    notifier,
		Watcher:     watcher,
	}
	core.addJobs()
	return core, nil
}

// addJobs registers the recurring maintenance jobs on the heartbeat.
func (c *Core) addJobs() {
	c.Heartbeat.AddJob("metrics-refresh", 0, func(context.Context) {
		c.Metrics.UpdateQueue(c.Scheduler.QueueStatus())
		c.Metrics.UpdateBreakers(len(c.Breaker.Snapshot()))
	})
	c.Heartbeat.AddJob("store-prune", time.Hour, func(context.Context) {
		if n := c.Store.Prune(c.Clock.Now()); n > 0 {
			c.Log.Info("pruned rotated segments", zap.Int("segments", n))
		}
	})
}

// Start brings the runtime up: recover the queue journal, then start every
// component in dependency order.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Metrics.Start(); err != nil {
		return fmt.Errorf("start metrics: %w", err)
	}
	if err := c.Hub.Start(); err != nil {
		return fmt.Errorf("start stream hub: %w", err)
	}
	if err := c.Watcher.Start(); err != nil {
		return fmt.Errorf("start notify watcher: %w", err)
	}
	if err := c.Library.Watch(); err != nil {
		c.Log.Warn("playbook hot-reload unavailable", zap.Error(err))
	}

	if err := c.Scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("recover task queue: %w", err)
	}
	c.Scheduler.Start(ctx)
	if err := c.Reactor.Start(); err != nil {
		return fmt.Errorf("start reactor: %w", err)
	}
	if err := c.Loop.Start(ctx); err != nil {
		return fmt.Errorf("start improve loop: %w", err)
	}
	c.Heartbeat.Start(ctx)

	c.Log.Info("core started",
		zap.String("env", c.Config.Env),
		zap.Int("agents", len(c.Registry.List())),
		zap.Int("playbooks", len(c.Library.List())))
	return nil
}

// Stop shuts the runtime down in reverse order.
func (c *Core) Stop() {
	c.Heartbeat.Stop()
	c.Loop.Stop()
	c.Reactor.Stop()
	c.Scheduler.Stop()
	c.Library.Close()
	c.Watcher.Stop()
	c.Hub.Stop()
	c.Metrics.Stop()
	c.Bus.Close()
	if err := c.Store.Close(); err != nil {
		c.Log.Error("event store close failed", zap.Error(err))
	}
	c.Log.Info("core stopped")
}
