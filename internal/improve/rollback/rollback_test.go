package rollback

import (
	"context"
	"testing"
	"time"

	"github.com/aios/aios/internal/agent/registry"
	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events/store"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// newTestSetup wires a real registry to the manager the way the runtime does:
// the registry snapshots into the manager, the manager restores through the
// registry.
func newTestSetup(t *testing.T, st *store.Store) (*Manager, *registry.Registry) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	reg := registry.NewRegistry(nil, nil, clk, t.TempDir(), logger.NewNop())
	m := New(st, reg, nil, clk, Thresholds{}, logger.NewNop())
	reg.SetSnapshotSink(m)
	if err := reg.Register(&v1.Agent{ID: "a1", ModelID: "model-a", TimeoutMS: 60000}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return m, reg
}

func patchModel(t *testing.T, reg *registry.Registry, model string) {
	t.Helper()
	if _, err := reg.Update(context.Background(), "a1", &registry.Patch{ModelID: &model}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestRevertLatest(t *testing.T) {
	m, reg := newTestSetup(t, nil)
	patchModel(t, reg, "model-b")

	if err := m.RevertLatest(context.Background(), "a1", "test"); err != nil {
		t.Fatalf("RevertLatest failed: %v", err)
	}
	agent, _ := reg.Get("a1")
	if agent.ModelID != "model-a" {
		t.Errorf("ModelID = %q, want model-a restored", agent.ModelID)
	}
	if agent.ConfigVersion != 3 {
		t.Errorf("ConfigVersion = %d, want 3 (revert bumps)", agent.ConfigVersion)
	}
}

func TestRevertLatestIdempotent(t *testing.T) {
	m, reg := newTestSetup(t, nil)
	patchModel(t, reg, "model-b")

	if err := m.RevertLatest(context.Background(), "a1", "first"); err != nil {
		t.Fatalf("first revert failed: %v", err)
	}
	version := agentVersion(t, reg)

	// A second revert finds the same update-origin snapshot; the live config
	// already equals it, so nothing changes.
	if err := m.RevertLatest(context.Background(), "a1", "second"); err != nil {
		t.Fatalf("second revert failed: %v", err)
	}
	if got := agentVersion(t, reg); got != version {
		t.Errorf("version after idempotent revert = %d, want %d", got, version)
	}
	agent, _ := reg.Get("a1")
	if agent.ModelID != "model-a" {
		t.Errorf("ModelID = %q after double revert", agent.ModelID)
	}
}

func TestRevertToVersion(t *testing.T) {
	m, reg := newTestSetup(t, nil)
	patchModel(t, reg, "model-b") // v2
	patchModel(t, reg, "model-c") // v3

	if err := m.RevertToVersion(context.Background(), "a1", 1, "back to the start"); err != nil {
		t.Fatalf("RevertToVersion failed: %v", err)
	}
	agent, _ := reg.Get("a1")
	if agent.ModelID != "model-a" {
		t.Errorf("ModelID = %q, want model-a", agent.ModelID)
	}
}

func TestRevertWithoutHistory(t *testing.T) {
	m, _ := newTestSetup(t, nil)
	if err := m.RevertLatest(context.Background(), "a1", "nothing there"); !errors.IsNotFound(err) {
		t.Errorf("RevertLatest with no snapshots = %v, want not found", err)
	}
	if err := m.RevertToVersion(context.Background(), "a1", 9, "ghost"); !errors.IsNotFound(err) {
		t.Errorf("RevertToVersion for unknown version = %v, want not found", err)
	}
}

func TestHistoryOrder(t *testing.T) {
	m, reg := newTestSetup(t, nil)
	patchModel(t, reg, "model-b")
	patchModel(t, reg, "model-c")

	history := m.History("a1")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].ModelID != "model-a" || history[1].ModelID != "model-b" {
		t.Errorf("history = [%s %s], want oldest first", history[0].ModelID, history[1].ModelID)
	}
}

func TestLoadRebuildsHistory(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Options{}, logger.NewNop())
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	defer st.Close()

	m, reg := newTestSetup(t, st)
	patchModel(t, reg, "model-b")
	_ = m

	// A fresh manager over the same stream sees the persisted snapshots.
	clk := clock.NewFake(time.Unix(1700000000, 0))
	m2 := New(st, reg, nil, clk, Thresholds{}, logger.NewNop())
	if err := m2.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	history := m2.History("a1")
	if len(history) != 1 || history[0].ModelID != "model-a" {
		t.Errorf("reloaded history = %v", history)
	}

	if err := m2.RevertLatest(context.Background(), "a1", "after restart"); err != nil {
		t.Fatalf("RevertLatest after reload failed: %v", err)
	}
	agent, _ := reg.Get("a1")
	if agent.ModelID != "model-a" {
		t.Errorf("ModelID = %q", agent.ModelID)
	}
}

func TestRegressed(t *testing.T) {
	m, _ := newTestSetup(t, nil)
	before := v1.AgentMetrics{SuccessRate: 0.9, AvgDurationMS: 1000, SampleCount: 20}

	tests := []struct {
		name  string
		after v1.AgentMetrics
		want  bool
	}{
		{"no change", v1.AgentMetrics{SuccessRate: 0.9, AvgDurationMS: 1000, SampleCount: 20}, false},
		{"small dip", v1.AgentMetrics{SuccessRate: 0.85, AvgDurationMS: 1000, SampleCount: 20}, false},
		{"success drop", v1.AgentMetrics{SuccessRate: 0.7, AvgDurationMS: 1000, SampleCount: 20}, true},
		{"duration blowup", v1.AgentMetrics{SuccessRate: 0.9, AvgDurationMS: 1500, SampleCount: 20}, true},
		{"too few samples", v1.AgentMetrics{SuccessRate: 0.5, AvgDurationMS: 5000, SampleCount: 2}, false},
	}
	for _, tt := range tests {
		if got := m.Regressed(before, tt.after); got != tt.want {
			t.Errorf("%s: Regressed = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func agentVersion(t *testing.T, reg *registry.Registry) int64 {
	t.Helper()
	agent, err := reg.Get("a1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return agent.ConfigVersion
}
