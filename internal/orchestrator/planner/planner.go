// Package planner decomposes a free-form description into a Plan: an
// ordered set of subtasks with explicit dependencies. The planner only
// structures work; the scheduler executes it.
package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events/store"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// autoParallelThreshold: auto picks parallel for short fragment lists with
// no ordering words, sequential otherwise.
const autoParallelThreshold = 3

var orderingWords = regexp.MustCompile(`(?i)\b(then|after|before|first|next|finally|once)\b`)

// Planner builds plans from descriptions.
type Planner struct {
	store *store.Store
	clk   clock.Clock
	log   *logger.Logger
}

// New creates a planner. st may be nil in tests.
func New(st *store.Store, clk clock.Clock, log *logger.Logger) *Planner {
	return &Planner{
		store: st,
		clk:   clk,
		log:   log.WithFields(zap.String("component", "planner")),
	}
}

// Decompose splits a description into subtasks under the given strategy and
// persists the resulting plan. Strategy auto is resolved by a heuristic on
// the fragment count and the presence of ordering words.
func (p *Planner) Decompose(description string, strategy v1.PlanStrategy, priority v1.Priority) (*v1.Plan, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, errors.ValidationError("description", "must not be empty")
	}
	if strategy == "" {
		strategy = v1.StrategyAuto
	}

	fragments := split(description)
	if strategy == v1.StrategyAuto {
		strategy = choose(description, fragments)
	}

	plan := &v1.Plan{
		ID:                  uuid.New().String(),
		OriginalDescription: description,
		Strategy:            strategy,
		CreatedAt:           p.clk.Now(),
	}

	for i, frag := range fragments {
		task := &v1.Task{
			ID:          fmt.Sprintf("%s-%d", plan.ID, i+1),
			Type:        inferType(frag),
			Description: frag,
			Priority:    priority,
			Status:      v1.TaskStatusQueued,
			ParentPlan:  plan.ID,
			SubmittedAt: p.clk.Now(),
		}
		if strategy == v1.StrategySequential && i > 0 {
			task.Dependencies = []string{plan.Subtasks[i-1].ID}
		}
		plan.Subtasks = append(plan.Subtasks, task)
	}

	if p.store != nil {
		if _, err := p.store.Append(store.StreamPlans, plan); err != nil {
			p.log.Error("failed to persist plan", zap.String("plan_id", plan.ID), zap.Error(err))
		}
	}
	return plan, nil
}

// BuildDAG assembles a plan from explicit subtask specs. Dependencies must
// reference other subtasks in the same plan and form no cycle.
func (p *Planner) BuildDAG(description string, subtasks []*v1.Task) (*v1.Plan, error) {
	if len(subtasks) == 0 {
		return nil, errors.ValidationError("subtasks", "at least one subtask is required")
	}
	plan := &v1.Plan{
		ID:                  uuid.New().String(),
		OriginalDescription: description,
		Strategy:            v1.StrategyDAG,
		CreatedAt:           p.clk.Now(),
	}
	ids := make(map[string]bool, len(subtasks))
	for _, t := range subtasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if ids[t.ID] {
			return nil, errors.ValidationError("subtasks", "duplicate subtask id '"+t.ID+"'")
		}
		ids[t.ID] = true
	}
	for _, t := range subtasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return nil, errors.ValidationError("dependencies",
					"subtask '"+t.ID+"' depends on '"+dep+"' outside the plan")
			}
		}
		t.ParentPlan = plan.ID
		t.Status = v1.TaskStatusQueued
		if t.SubmittedAt.IsZero() {
			t.SubmittedAt = p.clk.Now()
		}
	}
	if hasCycle(subtasks) {
		return nil, errors.ValidationError("dependencies", "plan dependencies form a cycle")
	}
	plan.Subtasks = subtasks

	if p.store != nil {
		if _, err := p.store.Append(store.StreamPlans, plan); err != nil {
			p.log.Error("failed to persist plan", zap.String("plan_id", plan.ID), zap.Error(err))
		}
	}
	return plan, nil
}

// split breaks the description into subtask fragments on newlines,
// semicolons and ordered connective words.
func split(description string) []string {
	parts := regexp.MustCompile(`(?i)\n+|;|\bthen\b|\band then\b`).Split(description, -1)
	var out []string
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), ".,")
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{description}
	}
	return out
}

func choose(description string, fragments []string) v1.PlanStrategy {
	if len(fragments) <= 1 {
		return v1.StrategySequential
	}
	if orderingWords.MatchString(description) {
		return v1.StrategySequential
	}
	if len(fragments) <= autoParallelThreshold {
		return v1.StrategyParallel
	}
	return v1.StrategySequential
}

// inferType guesses the task type from the fragment wording, defaulting to
// code work.
func inferType(fragment string) string {
	f := strings.ToLower(fragment)
	switch {
	case strings.Contains(f, "review"):
		return v1.TaskTypeReview
	case strings.Contains(f, "test"):
		return v1.TaskTypeTest
	case strings.Contains(f, "analy"), strings.Contains(f, "investigate"):
		return v1.TaskTypeAnalysis
	case strings.Contains(f, "research"):
		return v1.TaskTypeResearch
	case strings.Contains(f, "design"), strings.Contains(f, "architect"):
		return v1.TaskTypeDesign
	case strings.Contains(f, "fix"), strings.Contains(f, "bug"):
		return v1.TaskTypeFix
	case strings.Contains(f, "monitor"), strings.Contains(f, "watch"):
		return v1.TaskTypeMonitor
	}
	return v1.TaskTypeCode
}

// hasCycle runs a depth-first check over the dependency edges.
func hasCycle(tasks []*v1.Task) bool {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
	}
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		state[id] = done
		return false
	}
	for _, t := range tasks {
		if visit(t.ID) {
			return true
		}
	}
	return false
}
