// Package heartbeat is the periodic driver: each tick advances the
// scheduler, runs due scheduled jobs, triggers the self-improving loop on
// its cadence, and emits a health report.
package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// SchedulerHook is the scheduler surface the heartbeat drives.
type SchedulerHook interface {
	Advance()
	QueueStatus() v1.QueueStatus
}

// HealthSource contributes to the health report.
type HealthSource interface {
	BreakerSnapshot() []v1.BreakerInfo
	StorageBytes() int64
	StorageDegraded() bool
	AgentCount() int
	RecentFailureRate() float64
}

// CycleRunner is the self-improving loop surface.
type CycleRunner interface {
	RunCycle(ctx context.Context)
}

// Job is a named scheduled job with a fixed period.
type Job struct {
	Name   string
	Every  time.Duration
	Run    func(ctx context.Context)
	lastAt time.Time
}

// Config tunes the heartbeat.
type Config struct {
	Interval       time.Duration
	ImproveCadence time.Duration
}

// Heartbeat drives the periodic work.
type Heartbeat struct {
	scheduler SchedulerHook
	health    HealthSource
	improve   CycleRunner
	bus       bus.EventBus
	clk       clock.Clock
	log       *logger.Logger

	mu          sync.Mutex
	interval    time.Duration
	cadence     time.Duration
	jobs        []*Job
	lastImprove time.Time
	startedAt   time.Time
	running     bool

	reset  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a heartbeat. improve and health may be nil in tests.
func New(cfg Config, sched SchedulerHook, health HealthSource, improve CycleRunner, eventBus bus.EventBus, clk clock.Clock, log *logger.Logger) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ImproveCadence <= 0 {
		cfg.ImproveCadence = time.Hour
	}
	return &Heartbeat{
		scheduler: sched,
		health:    health,
		improve:   improve,
		bus:       eventBus,
		clk:       clk,
		log:       log.WithFields(zap.String("component", "heartbeat")),
		interval:  cfg.Interval,
		cadence:   cfg.ImproveCadence,
		reset:     make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// AddJob registers a scheduled job (hourly, daily, ...). Jobs run on the
// first tick after their period elapses.
func (h *Heartbeat) AddJob(name string, every time.Duration, run func(ctx context.Context)) {
	h.mu.Lock()
	h.jobs = append(h.jobs, &Job{Name: name, Every: every, Run: run, lastAt: h.clk.Now()})
	h.mu.Unlock()
}

// Start launches the tick loop.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.startedAt = h.clk.Now()
	h.lastImprove = h.clk.Now()
	h.mu.Unlock()

	h.wg.Add(1)
	go h.loop(ctx)
	h.log.Info("heartbeat started", zap.Duration("interval", h.Interval()))
}

// Stop halts the tick loop.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()
	close(h.stopCh)
	h.wg.Wait()
}

// Interval returns the current tick interval.
func (h *Heartbeat) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// ApplySetting implements the reactor's runtime-setting target. Supported
// keys: heartbeat_interval (duration string or milliseconds number).
func (h *Heartbeat) ApplySetting(key string, value interface{}) error {
	switch key {
	case "heartbeat_interval":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("heartbeat_interval: %w", err)
		}
		if d < time.Second {
			return fmt.Errorf("heartbeat_interval %s below 1s floor", d)
		}
		h.mu.Lock()
		h.interval = d
		h.mu.Unlock()
		select {
		case h.reset <- struct{}{}:
		default:
		}
		h.log.Info("heartbeat interval updated", zap.Duration("interval", d))
		return nil
	}
	return fmt.Errorf("unknown setting %q", key)
}

// Tick runs one heartbeat pass immediately. Exposed for the control
// surface's trigger endpoint and for tests.
func (h *Heartbeat) Tick(ctx context.Context) {
	if h.scheduler != nil {
		h.scheduler.Advance()
	}
	h.runDueJobs(ctx)
	h.maybeImprove(ctx)
	h.report(ctx)
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()
	timer := time.NewTimer(h.Interval())
	defer timer.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-h.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(h.Interval())
		case <-timer.C:
			h.Tick(ctx)
			timer.Reset(h.Interval())
		}
	}
}

func (h *Heartbeat) runDueJobs(ctx context.Context) {
	now := h.clk.Now()
	h.mu.Lock()
	var due []*Job
	for _, job := range h.jobs {
		if now.Sub(job.lastAt) >= job.Every {
			job.lastAt = now
			due = append(due, job)
		}
	}
	h.mu.Unlock()

	for _, job := range due {
		h.log.Debug("running scheduled job", zap.String("job", job.Name))
		job.Run(ctx)
	}
}

func (h *Heartbeat) maybeImprove(ctx context.Context) {
	if h.improve == nil {
		return
	}
	h.mu.Lock()
	due := h.clk.Since(h.lastImprove) >= h.cadence
	if due {
		h.lastImprove = h.clk.Now()
	}
	h.mu.Unlock()
	if due {
		h.improve.RunCycle(ctx)
	}
}

// report emits exactly one core.health.report per tick.
func (h *Heartbeat) report(ctx context.Context) {
	if h.bus == nil {
		return
	}
	health := h.Snapshot()
	event := bus.NewEvent(events.CoreHealthReport, "heartbeat", map[string]interface{}{
		"healthy":             health.Healthy,
		"queued":              health.Queue.Queued,
		"blocked":             health.Queue.Blocked,
		"running":             health.Queue.Running,
		"workers":             health.Queue.Workers,
		"open_breakers":       len(health.OpenBreakers),
		"recent_failure_rate": health.RecentFailureRate,
		"storage_bytes":       health.StorageBytes,
		"storage_degraded":    health.StorageDegraded,
		"agents":              health.Agents,
		"uptime_ms":           health.UptimeMS,
	})
	if err := h.bus.Publish(ctx, event); err != nil {
		h.log.Error("failed to publish health report", zap.Error(err))
	}
}

// Snapshot builds the current system health projection.
func (h *Heartbeat) Snapshot() v1.SystemHealth {
	var health v1.SystemHealth
	if h.scheduler != nil {
		health.Queue = h.scheduler.QueueStatus()
	}
	if h.health != nil {
		health.OpenBreakers = h.health.BreakerSnapshot()
		health.RecentFailureRate = h.health.RecentFailureRate()
		health.StorageBytes = h.health.StorageBytes()
		health.StorageDegraded = h.health.StorageDegraded()
		health.Agents = h.health.AgentCount()
	}
	h.mu.Lock()
	if !h.startedAt.IsZero() {
		health.UptimeMS = h.clk.Since(h.startedAt).Milliseconds()
	}
	h.mu.Unlock()

	health.Healthy = !health.StorageDegraded && health.RecentFailureRate < 0.5
	for _, b := range health.OpenBreakers {
		if b.State == "quarantined" {
			health.Healthy = false
		}
	}
	return health
}

func parseDuration(value interface{}) (time.Duration, error) {
	switch v := value.(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		return 0, fmt.Errorf("cannot parse %q as duration", v)
	case float64:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("unsupported duration type %T", value)
}
