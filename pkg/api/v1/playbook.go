package v1

// RiskClass grades a playbook or change proposal by blast radius.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// Valid reports whether the value is a known risk class.
func (r RiskClass) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Escalate returns the next risk class up, capped at critical.
func (r RiskClass) Escalate() RiskClass {
	switch r {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Condition is a predicate over an event payload field.
// Supported operators: eq, ne, gt, gte, lt, lte, regex.
type Condition struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// Action is a declarative remediation step executed by a registered handler.
type Action struct {
	Type      string                 `json:"type"`
	Params    map[string]interface{} `json:"params,omitempty"`
	TimeoutMS int64                  `json:"timeout_ms,omitempty"`
}

// Registered action types.
const (
	ActionConfigUpdate     = "config.update"
	ActionAgentRestart     = "agent.restart"
	ActionNotify           = "notify"
	ActionExecCommand      = "exec.command"
	ActionSchedulerEnqueue = "scheduler.enqueue"
	ActionRollbackTrigger  = "rollback.trigger"
)

// VerifySpec is a post-action predicate: "metric is within bound within the
// window". The reactor's verifier evaluates it against live metrics.
type VerifySpec struct {
	Metric   string  `json:"metric"`
	Op       string  `json:"op"`
	Value    float64 `json:"value"`
	WindowMS int64   `json:"window_ms,omitempty"`
}

// Playbook is a declarative remediation rule: trigger, ordered actions,
// verify predicate, optional rollback actions.
type Playbook struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Trigger         string      `json:"trigger"`
	Conditions      []Condition `json:"conditions,omitempty"`
	MultiMatch      bool        `json:"multi_match,omitempty"`
	Actions         []Action    `json:"actions"`
	RiskClass       RiskClass   `json:"risk_class"`
	AutoExecute     bool        `json:"auto_execute"`
	CooldownMS      int64       `json:"cooldown_ms"`
	Verify          *VerifySpec `json:"verify,omitempty"`
	RollbackActions []Action    `json:"rollback_actions,omitempty"`
}

// PlaybookExecution is the persisted record of one playbook run.
type PlaybookExecution struct {
	PlaybookID  string `json:"playbook_id"`
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	StartedAtMS int64  `json:"started_at_ms"`
	EndedAtMS   int64  `json:"ended_at_ms"`
	Outcome     string `json:"outcome"` // success, failed, rolled_back, pending_confirm, skipped
	Detail      string `json:"detail,omitempty"`
}
