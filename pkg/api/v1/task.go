package v1

import "time"

// Priority orders tasks in the scheduler queue. Lower value means more urgent.
type Priority int

const (
	PriorityCritical Priority = iota // P0
	PriorityHigh                     // P1
	PriorityNormal                   // P2
	PriorityLow                      // P3
)

// String returns the operator-facing name (P0..P3).
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "P0"
	case PriorityHigh:
		return "P1"
	case PriorityNormal:
		return "P2"
	case PriorityLow:
		return "P3"
	default:
		return "P2"
	}
}

// Valid reports whether the priority is one of P0..P3.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimedOut  TaskStatus = "timed_out"
)

// Terminal reports whether a task in this status has left the live state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimedOut:
		return true
	}
	return false
}

// Well-known task types. Installations may define more; the router only needs
// agents that declare eligibility for a type.
const (
	TaskTypeCode     = "code"
	TaskTypeAnalysis = "analysis"
	TaskTypeMonitor  = "monitor"
	TaskTypeResearch = "research"
	TaskTypeDesign   = "design"
	TaskTypeFix      = "fix"
	TaskTypeReview   = "review"
	TaskTypeTest     = "test"
)

// Task is a unit of work submitted to the scheduler.
type Task struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Description     string                 `json:"description"`
	Priority        Priority               `json:"priority"`
	SubmittedAt     time.Time              `json:"submitted_at"`
	Deadline        *time.Time             `json:"deadline,omitempty"`
	Dependencies    []string               `json:"dependencies,omitempty"`
	ParentPlan      string                 `json:"parent_plan,omitempty"`
	MaxRetries      int                    `json:"max_retries"`
	TimeoutMS       int64                  `json:"timeout_ms,omitempty"`
	Attempt         int                    `json:"attempt"`
	Status          TaskStatus             `json:"status"`
	AssignedAgentID string                 `json:"assigned_agent_id,omitempty"`
	Env             Env                    `json:"env,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	ErrorSignature  string                 `json:"error_signature,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Timeout returns the explicit per-task timeout, or zero when unset.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

// Clone returns a copy of the task safe to hand across component boundaries.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Result != nil {
		cp.Result = make(map[string]interface{}, len(t.Result))
		for k, v := range t.Result {
			cp.Result[k] = v
		}
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
