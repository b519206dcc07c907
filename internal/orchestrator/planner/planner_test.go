package planner

import (
	"testing"
	"time"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/logger"
	v1 "github.com/aios/aios/pkg/api/v1"
)

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	return New(nil, clock.NewFake(time.Unix(1700000000, 0)), logger.NewNop())
}

func TestDecomposeSequential(t *testing.T) {
	p := newTestPlanner(t)
	plan, err := p.Decompose("design the schema, then write the migration, then test it", v1.StrategyAuto, v1.PriorityNormal)
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if plan.Strategy != v1.StrategySequential {
		t.Errorf("strategy = %q, want sequential for ordered wording", plan.Strategy)
	}
	if len(plan.Subtasks) != 3 {
		t.Fatalf("got %d subtasks, want 3", len(plan.Subtasks))
	}
	// Each subtask depends on the previous one.
	if len(plan.Subtasks[0].Dependencies) != 0 {
		t.Error("first subtask should have no dependencies")
	}
	for i := 1; i < 3; i++ {
		deps := plan.Subtasks[i].Dependencies
		if len(deps) != 1 || deps[0] != plan.Subtasks[i-1].ID {
			t.Errorf("subtask %d dependencies = %v", i, deps)
		}
	}
	for _, sub := range plan.Subtasks {
		if sub.ParentPlan != plan.ID {
			t.Errorf("subtask %s not linked to the plan", sub.ID)
		}
		if sub.Priority != v1.PriorityNormal {
			t.Errorf("subtask priority = %v", sub.Priority)
		}
	}
}

func TestDecomposeParallel(t *testing.T) {
	p := newTestPlanner(t)
	plan, err := p.Decompose("update the docs; bump the version", v1.StrategyAuto, v1.PriorityNormal)
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if plan.Strategy != v1.StrategyParallel {
		t.Errorf("strategy = %q, want parallel for short unordered list", plan.Strategy)
	}
	for _, sub := range plan.Subtasks {
		if len(sub.Dependencies) != 0 {
			t.Errorf("parallel subtask %s has dependencies %v", sub.ID, sub.Dependencies)
		}
	}
}

func TestDecomposeExplicitStrategy(t *testing.T) {
	p := newTestPlanner(t)
	plan, err := p.Decompose("update the docs; bump the version", v1.StrategySequential, v1.PriorityNormal)
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if plan.Strategy != v1.StrategySequential {
		t.Errorf("strategy = %q, explicit choice should win", plan.Strategy)
	}
	if len(plan.Subtasks[1].Dependencies) != 1 {
		t.Error("sequential plan missing the chain dependency")
	}
}

func TestDecomposeSingleFragment(t *testing.T) {
	p := newTestPlanner(t)
	plan, err := p.Decompose("just do the thing", v1.StrategyAuto, v1.PriorityNormal)
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if len(plan.Subtasks) != 1 {
		t.Fatalf("got %d subtasks, want 1", len(plan.Subtasks))
	}
	if plan.Strategy != v1.StrategySequential {
		t.Errorf("strategy = %q", plan.Strategy)
	}
}

func TestDecomposeEmptyDescription(t *testing.T) {
	p := newTestPlanner(t)
	if _, err := p.Decompose("   ", v1.StrategyAuto, v1.PriorityNormal); err == nil {
		t.Error("empty description should be rejected")
	}
}

func TestInferType(t *testing.T) {
	tests := []struct {
		fragment string
		want     string
	}{
		{"review the pull request", v1.TaskTypeReview},
		{"test the login flow", v1.TaskTypeTest},
		{"analyze last week's incidents", v1.TaskTypeAnalysis},
		{"research caching options", v1.TaskTypeResearch},
		{"design the storage layout", v1.TaskTypeDesign},
		{"fix the crash on startup", v1.TaskTypeFix},
		{"monitor the rollout", v1.TaskTypeMonitor},
		{"implement the endpoint", v1.TaskTypeCode},
	}
	for _, tt := range tests {
		if got := inferType(tt.fragment); got != tt.want {
			t.Errorf("inferType(%q) = %q, want %q", tt.fragment, got, tt.want)
		}
	}
}

func TestBuildDAG(t *testing.T) {
	p := newTestPlanner(t)
	subtasks := []*v1.Task{
		{ID: "a", Type: "code.build"},
		{ID: "b", Type: "code.test", Dependencies: []string{"a"}},
		{ID: "c", Type: "code.review", Dependencies: []string{"a", "b"}},
	}
	plan, err := p.BuildDAG("build, test, review", subtasks)
	if err != nil {
		t.Fatalf("BuildDAG failed: %v", err)
	}
	if plan.Strategy != v1.StrategyDAG {
		t.Errorf("strategy = %q", plan.Strategy)
	}
	for _, sub := range plan.Subtasks {
		if sub.ParentPlan != plan.ID || sub.Status != v1.TaskStatusQueued {
			t.Errorf("subtask %s = %+v", sub.ID, sub)
		}
	}
}

func TestBuildDAGRejectsCycle(t *testing.T) {
	p := newTestPlanner(t)
	_, err := p.BuildDAG("cyclic", []*v1.Task{
		{ID: "a", Type: "x.y", Dependencies: []string{"b"}},
		{ID: "b", Type: "x.y", Dependencies: []string{"a"}},
	})
	if err == nil {
		t.Error("cycle should be rejected")
	}
}

func TestBuildDAGRejectsForeignDependency(t *testing.T) {
	p := newTestPlanner(t)
	_, err := p.BuildDAG("dangling", []*v1.Task{
		{ID: "a", Type: "x.y", Dependencies: []string{"outside"}},
	})
	if err == nil {
		t.Error("dependency outside the plan should be rejected")
	}
}

func TestBuildDAGRejectsDuplicateIDs(t *testing.T) {
	p := newTestPlanner(t)
	_, err := p.BuildDAG("dup", []*v1.Task{
		{ID: "a", Type: "x.y"},
		{ID: "a", Type: "x.z"},
	})
	if err == nil {
		t.Error("duplicate subtask ids should be rejected")
	}
}
