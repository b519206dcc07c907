package v1

// Env labels agents and traces so test noise never drives prod self-improvement.
type Env string

const (
	EnvProd Env = "prod"
	EnvTest Env = "test"
)

// ThinkingLevel controls how much deliberation an agent's model is asked for.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// Valid reports whether the value is a known thinking level.
func (l ThinkingLevel) Valid() bool {
	switch l {
	case ThinkingOff, ThinkingLow, ThinkingMedium, ThinkingHigh:
		return true
	}
	return false
}

// Raise returns the next level up, capped at high.
func (l ThinkingLevel) Raise() ThinkingLevel {
	switch l {
	case ThinkingOff:
		return ThinkingLow
	case ThinkingLow:
		return ThinkingMedium
	default:
		return ThinkingHigh
	}
}

// AgentStats holds per-agent execution counters. Updated on a fast path that
// does not bump the config version.
type AgentStats struct {
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationMS  int64   `json:"avg_duration_ms"`
	LastFailureMS  int64   `json:"last_failure_ms,omitempty"`
}

// Agent is a configurable execution role. The registry owns the authoritative
// record; every config mutation bumps ConfigVersion and snapshots the prior
// version for rollback.
type Agent struct {
	ID              string        `json:"id"`
	RoleName        string        `json:"role_name"`
	TaskTypes       []string      `json:"task_types"`
	ModelID         string        `json:"model_id"`
	ThinkingLevel   ThinkingLevel `json:"thinking_level"`
	TimeoutMS       int64         `json:"timeout_ms"`
	SystemPrompt    string        `json:"system_prompt"`
	ToolPermissions []string      `json:"tool_permissions,omitempty"`
	PriorityClass   string        `json:"priority_class,omitempty"`
	Keywords        []string      `json:"keywords,omitempty"`
	MaxConcurrent   int           `json:"max_concurrent"`
	Critical        bool          `json:"critical,omitempty"`
	ConfigVersion   int64         `json:"config_version"`
	Stats           AgentStats    `json:"stats"`
	Env             Env           `json:"env"`
}

// EligibleFor reports whether the agent declares the given task type.
func (a *Agent) EligibleFor(taskType string) bool {
	for _, t := range a.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the agent record.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.TaskTypes = append([]string(nil), a.TaskTypes...)
	if a.ToolPermissions != nil {
		cp.ToolPermissions = append([]string(nil), a.ToolPermissions...)
	}
	if a.Keywords != nil {
		cp.Keywords = append([]string(nil), a.Keywords...)
	}
	return &cp
}

// ConfigEqual reports whether two records carry the same configuration,
// ignoring version and stats. Used to make rollback idempotent.
func (a *Agent) ConfigEqual(b *Agent) bool {
	if a.ModelID != b.ModelID ||
		a.ThinkingLevel != b.ThinkingLevel ||
		a.TimeoutMS != b.TimeoutMS ||
		a.SystemPrompt != b.SystemPrompt ||
		a.MaxConcurrent != b.MaxConcurrent ||
		len(a.TaskTypes) != len(b.TaskTypes) ||
		len(a.ToolPermissions) != len(b.ToolPermissions) {
		return false
	}
	for i, t := range a.TaskTypes {
		if b.TaskTypes[i] != t {
			return false
		}
	}
	for i, p := range a.ToolPermissions {
		if b.ToolPermissions[i] != p {
			return false
		}
	}
	return true
}
