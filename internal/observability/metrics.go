// Package observability exposes Prometheus metrics fed from the event bus
// and a named-metric table that playbook verify predicates evaluate.
package observability

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events/bus"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// Metrics is the metric surface.
type Metrics struct {
	registry *prometheus.Registry
	clk      clock.Clock
	log      *logger.Logger
	bus      bus.EventBus
	subID    string

	eventsTotal    *prometheus.CounterVec
	tasksTotal     *prometheus.CounterVec
	taskDuration   prometheus.Histogram
	queueDepth     prometheus.Gauge
	runningTasks   prometheus.Gauge
	openBreakers   prometheus.Gauge
	proposalsTotal *prometheus.CounterVec
	playbooksTotal *prometheus.CounterVec

	// poll is the verify re-check interval; tests shorten it.
	poll time.Duration

	mu     sync.RWMutex
	gauges map[string]gaugeSample
}

type gaugeSample struct {
	value float64
	at    time.Time
}

// New creates the metrics surface and registers its collectors.
func New(eventBus bus.EventBus, clk clock.Clock, log *logger.Logger) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		clk:      clk,
		log:      log,
		bus:      eventBus,
		poll:     time.Second,
		gauges:   make(map[string]gaugeSample),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aios_events_total",
			Help: "Events observed on the bus by type family.",
		}, []string{"family"}),
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aios_tasks_total",
			Help: "Task terminal outcomes.",
		}, []string{"outcome"}),
		taskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aios_task_duration_seconds",
			Help:    "Task attempt durations.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aios_queue_depth",
			Help: "Tasks waiting in the scheduler queue.",
		}),
		runningTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aios_running_tasks",
			Help: "Tasks currently executing.",
		}),
		openBreakers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aios_open_breakers",
			Help: "Circuit breaker keys not in the closed state.",
		}),
		proposalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aios_proposals_total",
			Help: "Change proposal transitions.",
		}, []string{"status"}),
		playbooksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aios_playbook_runs_total",
			Help: "Reactor playbook outcomes.",
		}, []string{"outcome"}),
	}
	return m
}

// Start subscribes the metrics surface to the full event stream.
func (m *Metrics) Start() error {
	if m.bus == nil {
		return nil
	}
	id, err := m.bus.Subscribe("*", m.observe)
	if err != nil {
		return err
	}
	m.subID = id
	return nil
}

// Stop unsubscribes.
func (m *Metrics) Stop() {
	if m.bus != nil && m.subID != "" {
		m.bus.Unsubscribe(m.subID)
		m.subID = ""
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// UpdateQueue refreshes the scheduler gauges. Called on each health tick.
func (m *Metrics) UpdateQueue(status v1.QueueStatus) {
	m.queueDepth.Set(float64(status.Queued))
	m.runningTasks.Set(float64(status.Running))
}

// UpdateBreakers refreshes the breaker gauge.
func (m *Metrics) UpdateBreakers(open int) {
	m.openBreakers.Set(float64(open))
}

// observe folds one event into the counters and the named-metric table.
func (m *Metrics) observe(_ context.Context, event *v1.Event) {
	family := event.Type
	if i := strings.IndexByte(family, '.'); i > 0 {
		family = family[:i]
	}
	m.eventsTotal.WithLabelValues(family).Inc()

	switch {
	case strings.HasPrefix(event.Type, "task."):
		outcome := strings.TrimPrefix(event.Type, "task.")
		switch outcome {
		case "succeeded", "failed", "cancelled", "rejected":
			m.tasksTotal.WithLabelValues(outcome).Inc()
		}
		if d, ok := event.Payload["duration_ms"].(float64); ok {
			m.taskDuration.Observe(d / 1000)
		} else if d, ok := event.Payload["duration_ms"].(int64); ok {
			m.taskDuration.Observe(float64(d) / 1000)
		}
	case strings.HasPrefix(event.Type, "proposal."):
		m.proposalsTotal.WithLabelValues(strings.TrimPrefix(event.Type, "proposal.")).Inc()
	case strings.HasPrefix(event.Type, "reactor."):
		m.playbooksTotal.WithLabelValues(strings.TrimPrefix(event.Type, "reactor.")).Inc()
	case strings.HasPrefix(event.Type, "resource."):
		// resource.* events feed the named-metric table the playbook
		// verify predicates read: resource.cpu.high {value: 95} sets
		// metric "cpu" to 95.
		if value, ok := toFloat(event.Payload["value"]); ok {
			name := metricName(event.Type)
			m.SetMetric(name, value)
		}
	}
}

// metricName maps resource.cpu.high -> cpu.
func metricName(eventType string) string {
	segs := strings.Split(eventType, ".")
	if len(segs) >= 2 {
		return segs[1]
	}
	return eventType
}

// SetMetric records a named metric sample.
func (m *Metrics) SetMetric(name string, value float64) {
	m.mu.Lock()
	m.gauges[name] = gaugeSample{value: value, at: m.clk.Now()}
	m.mu.Unlock()
}

// Metric returns the latest sample for a named metric.
func (m *Metrics) Metric(name string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.gauges[name]
	return s.value, ok
}

// Verify implements the reactor's verifier: the named metric must satisfy
// the bound, re-checked every poll interval until the window is spent. The
// loop counts the window down rather than comparing against a wall-clock
// deadline, so it terminates after the same number of polls no matter which
// Clock the surface was built with. A metric that never reports within the
// window fails the predicate.
func (m *Metrics) Verify(ctx context.Context, spec *v1.VerifySpec) (bool, error) {
	if spec == nil {
		return true, nil
	}
	remaining := time.Duration(spec.WindowMS) * time.Millisecond
	for {
		if value, ok := m.Metric(spec.Metric); ok && compare(value, spec.Op, spec.Value) {
			return true, nil
		}
		if remaining <= 0 {
			return false, nil
		}
		wait := m.poll
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
		remaining -= wait
	}
}

func compare(value float64, op string, bound float64) bool {
	switch op {
	case "lt", "<":
		return value < bound
	case "lte", "<=":
		return value <= bound
	case "gt", ">":
		return value > bound
	case "gte", ">=":
		return value >= bound
	case "eq", "==":
		return value == bound
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// RecentFailureRate derives a failure rate from the task counters. Used by
// the heartbeat's health report.
func (m *Metrics) RecentFailureRate() float64 {
	succeeded := counterValue(m.tasksTotal.WithLabelValues("succeeded"))
	failed := counterValue(m.tasksTotal.WithLabelValues("failed"))
	total := succeeded + failed
	if total == 0 {
		return 0
	}
	return failed / total
}

func counterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err == nil && out.Counter != nil {
		return out.Counter.GetValue()
	}
	return 0
}
