package registry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/common/logger"
	v1 "github.com/aios/aios/pkg/api/v1"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(nil, nil, clock.NewFake(time.Unix(1700000000, 0)), t.TempDir(), logger.NewNop())
}

func testAgent(id string) *v1.Agent {
	return &v1.Agent{
		ID:        id,
		RoleName:  "coder",
		ModelID:   "model-a",
		TaskTypes: []string{"code.build"},
		TimeoutMS: 60000,
	}
}

// snapshotRecorder captures snapshots the way the rollback manager does.
type snapshotRecorder struct {
	snapshots []*v1.Agent
}

func (s *snapshotRecorder) Snapshot(agent *v1.Agent) error {
	s.snapshots = append(s.snapshots, agent)
	return nil
}

func TestRegisterDefaults(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(testAgent("a1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	agent, err := r.Get("a1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if agent.ConfigVersion != 1 {
		t.Errorf("ConfigVersion = %d, want 1", agent.ConfigVersion)
	}
	if agent.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want default 2", agent.MaxConcurrent)
	}
	if agent.Env != v1.EnvProd {
		t.Errorf("Env = %q, want prod", agent.Env)
	}
	if agent.ThinkingLevel != v1.ThinkingMedium {
		t.Errorf("ThinkingLevel = %q, want medium", agent.ThinkingLevel)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(testAgent("a1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err := r.Register(testAgent("a1"))
	if err == nil {
		t.Fatal("duplicate Register should fail")
	}
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) || appErr.Code != errors.ErrCodeConflict {
		t.Errorf("error = %v, want conflict", err)
	}
}

func TestGetUnknown(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get("ghost"); err == nil {
		t.Error("Get of unknown agent should fail")
	}
}

func TestUpdateBumpsVersionAndSnapshots(t *testing.T) {
	r := newTestRegistry(t)
	sink := &snapshotRecorder{}
	r.SetSnapshotSink(sink)
	if err := r.Register(testAgent("a1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	model := "model-b"
	timeout := int64(120000)
	version, err := r.Update(context.Background(), "a1", &Patch{ModelID: &model, TimeoutMS: &timeout})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}

	agent, _ := r.Get("a1")
	if agent.ModelID != "model-b" || agent.TimeoutMS != 120000 {
		t.Errorf("patch not applied: %+v", agent)
	}
	if agent.RoleName != "coder" {
		t.Error("unpatched field changed")
	}

	if len(sink.snapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(sink.snapshots))
	}
	if sink.snapshots[0].ModelID != "model-a" || sink.snapshots[0].ConfigVersion != 1 {
		t.Errorf("snapshot holds %+v, want the prior config", sink.snapshots[0])
	}
}

func TestUpdateDoesNotMutateReaders(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(testAgent("a1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	before, _ := r.Get("a1")

	model := "model-b"
	if _, err := r.Update(context.Background(), "a1", &Patch{ModelID: &model}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if before.ModelID != "model-a" {
		t.Error("copy returned before the update was mutated")
	}
}

func TestRestoreIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(testAgent("a1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	snapshot, _ := r.Get("a1")

	model := "model-b"
	if _, err := r.Update(context.Background(), "a1", &Patch{ModelID: &model}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	version, err := r.Restore(context.Background(), "a1", snapshot)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if version != 3 {
		t.Errorf("version after restore = %d, want 3", version)
	}
	agent, _ := r.Get("a1")
	if agent.ModelID != "model-a" {
		t.Errorf("ModelID = %q, want restored model-a", agent.ModelID)
	}

	// Restoring the same snapshot again is a no-op.
	again, err := r.Restore(context.Background(), "a1", snapshot)
	if err != nil {
		t.Fatalf("second Restore failed: %v", err)
	}
	if again != 3 {
		t.Errorf("version after idempotent restore = %d, want 3", again)
	}
}

func TestRecordOutcomeStats(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(testAgent("a1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	r.RecordOutcome("a1", true, 100)
	r.RecordOutcome("a1", true, 300)
	r.RecordOutcome("a1", false, 200)

	agent, _ := r.Get("a1")
	if agent.Stats.TasksCompleted != 2 || agent.Stats.TasksFailed != 1 {
		t.Errorf("stats = %+v", agent.Stats)
	}
	if got := agent.Stats.SuccessRate; got < 0.66 || got > 0.67 {
		t.Errorf("SuccessRate = %v, want ~0.667", got)
	}
	if agent.Stats.AvgDurationMS != 200 {
		t.Errorf("AvgDurationMS = %d, want 200", agent.Stats.AvgDurationMS)
	}
	if agent.Stats.LastFailureMS == 0 {
		t.Error("LastFailureMS not recorded")
	}

	// Stats never touch the config version.
	if agent.ConfigVersion != 1 {
		t.Errorf("ConfigVersion = %d, want 1", agent.ConfigVersion)
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(r.List()) == 0 {
		t.Error("Load with no snapshot file should register the default agents")
	}
}

func TestLoadRestoresPersistedSet(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	r := NewRegistry(nil, nil, clk, dir, logger.NewNop())
	if err := r.Register(testAgent("a1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	model := "model-b"
	if _, err := r.Update(context.Background(), "a1", &Patch{ModelID: &model}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	r2 := NewRegistry(nil, nil, clk, dir, logger.NewNop())
	if err := r2.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	agent, err := r2.Get("a1")
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if agent.ModelID != "model-b" || agent.ConfigVersion != 2 {
		t.Errorf("reloaded agent = %+v", agent)
	}
}

func TestListOrdered(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"c", "a", "b"} {
		if err := r.Register(testAgent(id)); err != nil {
			t.Fatalf("Register(%s) failed: %v", id, err)
		}
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List returned %d agents", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].ID != want {
			t.Errorf("list[%d] = %q, want %q", i, list[i].ID, want)
		}
	}
}
