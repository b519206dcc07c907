package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	v1 "github.com/aios/aios/pkg/api/v1"
)

type fakeSched struct {
	mu       sync.Mutex
	advances int
	status   v1.QueueStatus
}

func (s *fakeSched) Advance() {
	s.mu.Lock()
	s.advances++
	s.mu.Unlock()
}

func (s *fakeSched) QueueStatus() v1.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSched) advanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advances
}

type fakeHealth struct {
	breakers    []v1.BreakerInfo
	bytes       int64
	degraded    bool
	agents      int
	failureRate float64
}

func (h *fakeHealth) BreakerSnapshot() []v1.BreakerInfo { return h.breakers }
func (h *fakeHealth) StorageBytes() int64               { return h.bytes }
func (h *fakeHealth) StorageDegraded() bool             { return h.degraded }
func (h *fakeHealth) AgentCount() int                   { return h.agents }
func (h *fakeHealth) RecentFailureRate() float64        { return h.failureRate }

type fakeCycle struct {
	mu   sync.Mutex
	runs int
}

func (c *fakeCycle) RunCycle(ctx context.Context) {
	c.mu.Lock()
	c.runs++
	c.mu.Unlock()
}

func (c *fakeCycle) runCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func newTestHeartbeat(t *testing.T, health HealthSource, improve CycleRunner) (*Heartbeat, *fakeSched, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	sched := &fakeSched{status: v1.QueueStatus{Queued: 3, Running: 1, Workers: 4}}
	// A long interval keeps the background loop quiet; tests drive Tick.
	h := New(Config{Interval: time.Hour, ImproveCadence: time.Hour}, sched, health, improve, nil, clk, logger.NewNop())
	return h, sched, clk
}

func TestTickAdvancesScheduler(t *testing.T) {
	h, sched, _ := newTestHeartbeat(t, nil, nil)
	h.Tick(context.Background())
	h.Tick(context.Background())
	if got := sched.advanceCount(); got != 2 {
		t.Errorf("scheduler advances = %d, want 2", got)
	}
}

func TestTickEmitsHealthReport(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	b := bus.NewInProcessBus(nil, clk, bus.Options{}, logger.NewNop())
	defer b.Close()

	var mu sync.Mutex
	var reports []*v1.Event
	if _, err := b.Subscribe(events.CoreHealthReport, func(ctx context.Context, event *v1.Event) {
		mu.Lock()
		reports = append(reports, event)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sched := &fakeSched{status: v1.QueueStatus{Queued: 3, Running: 1, Workers: 4}}
	h := New(Config{Interval: time.Hour}, sched, &fakeHealth{agents: 2, bytes: 4096}, nil, b, clk, logger.NewNop())
	h.Tick(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(reports)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health reports = %d, want 1", n)
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	payload := reports[0].Payload
	mu.Unlock()
	if payload["queued"] != 3 || payload["agents"] != 2 || payload["healthy"] != true {
		t.Errorf("payload = %v", payload)
	}
}

func TestImproveRunsOnCadence(t *testing.T) {
	cycle := &fakeCycle{}
	h, _, clk := newTestHeartbeat(t, nil, cycle)
	h.Start(context.Background())
	defer h.Stop()

	h.Tick(context.Background())
	if cycle.runCount() != 0 {
		t.Fatal("improve cycle ran before the cadence elapsed")
	}

	clk.Advance(2 * time.Hour)
	h.Tick(context.Background())
	if cycle.runCount() != 1 {
		t.Fatalf("runs = %d, want 1 after the cadence", cycle.runCount())
	}

	// The cadence clock restarts after a run.
	h.Tick(context.Background())
	if cycle.runCount() != 1 {
		t.Errorf("runs = %d, want still 1", cycle.runCount())
	}
}

func TestScheduledJobs(t *testing.T) {
	h, _, clk := newTestHeartbeat(t, nil, nil)
	var mu sync.Mutex
	runs := 0
	h.AddJob("retention-prune", 24*time.Hour, func(ctx context.Context) {
		mu.Lock()
		runs++
		mu.Unlock()
	})

	h.Tick(context.Background())
	mu.Lock()
	if runs != 0 {
		t.Fatal("daily job ran on the first tick")
	}
	mu.Unlock()

	clk.Advance(25 * time.Hour)
	h.Tick(context.Background())
	h.Tick(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("job runs = %d, want exactly 1 per period", runs)
	}
}

func TestApplySettingInterval(t *testing.T) {
	h, _, _ := newTestHeartbeat(t, nil, nil)

	if err := h.ApplySetting("heartbeat_interval", "10s"); err != nil {
		t.Fatalf("ApplySetting failed: %v", err)
	}
	if h.Interval() != 10*time.Second {
		t.Errorf("interval = %s, want 10s", h.Interval())
	}

	// Milliseconds arrive as float64 from JSON params.
	if err := h.ApplySetting("heartbeat_interval", float64(5000)); err != nil {
		t.Fatalf("ApplySetting failed: %v", err)
	}
	if h.Interval() != 5*time.Second {
		t.Errorf("interval = %s, want 5s", h.Interval())
	}

	if err := h.ApplySetting("heartbeat_interval", "500ms"); err == nil {
		t.Error("interval below the 1s floor should be rejected")
	}
	if err := h.ApplySetting("heartbeat_interval", "not a duration"); err == nil {
		t.Error("garbage duration should be rejected")
	}
	if err := h.ApplySetting("tick_color", "blue"); err == nil {
		t.Error("unknown setting should be rejected")
	}
}

func TestSnapshotHealthRules(t *testing.T) {
	tests := []struct {
		name   string
		health *fakeHealth
		want   bool
	}{
		{"all quiet", &fakeHealth{failureRate: 0.1}, true},
		{"storage degraded", &fakeHealth{degraded: true}, false},
		{"failure rate high", &fakeHealth{failureRate: 0.6}, false},
		{"open breaker still healthy", &fakeHealth{breakers: []v1.BreakerInfo{{Key: "a1", State: "open"}}}, true},
		{"quarantined breaker", &fakeHealth{breakers: []v1.BreakerInfo{{Key: "a1", State: "quarantined"}}}, false},
	}
	for _, tt := range tests {
		h, _, _ := newTestHeartbeat(t, tt.health, nil)
		if got := h.Snapshot().Healthy; got != tt.want {
			t.Errorf("%s: Healthy = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSnapshotUptime(t *testing.T) {
	h, _, clk := newTestHeartbeat(t, nil, nil)
	h.Start(context.Background())
	defer h.Stop()
	clk.Advance(90 * time.Second)
	if got := h.Snapshot().UptimeMS; got != 90000 {
		t.Errorf("UptimeMS = %d, want 90000", got)
	}
}
