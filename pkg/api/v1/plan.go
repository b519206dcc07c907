package v1

import "time"

// PlanStrategy selects how a description is decomposed into subtasks.
type PlanStrategy string

const (
	StrategySequential PlanStrategy = "sequential"
	StrategyParallel   PlanStrategy = "parallel"
	StrategyDAG        PlanStrategy = "dag"
	StrategyAuto       PlanStrategy = "auto"
)

// Plan is a dependency DAG of tasks sharing one parent description. The
// planner only structures subtasks; the scheduler executes them.
type Plan struct {
	ID                  string       `json:"id"`
	OriginalDescription string       `json:"original_description"`
	Strategy            PlanStrategy `json:"strategy"`
	Subtasks            []*Task      `json:"subtasks"`
	CreatedAt           time.Time    `json:"created_at"`
	Status              string       `json:"status,omitempty"`
}
