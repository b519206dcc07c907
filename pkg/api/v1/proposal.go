package v1

// ProposalStatus tracks a change proposal through the quality gates.
type ProposalStatus string

const (
	ProposalDraft    ProposalStatus = "draft"
	ProposalGated    ProposalStatus = "gated"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalApplied  ProposalStatus = "applied"
	ProposalReverted ProposalStatus = "reverted"
)

// Terminal reports whether the proposal can no longer advance.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case ProposalRejected, ProposalReverted:
		return true
	}
	return false
}

// FieldChange describes one field mutation in a proposal diff.
type FieldChange struct {
	Field string      `json:"field"`
	From  interface{} `json:"from"`
	To    interface{} `json:"to"`
}

// AgentMetrics is a point-in-time summary used to judge a change.
type AgentMetrics struct {
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS int64   `json:"avg_duration_ms"`
	SampleCount   int     `json:"sample_count"`
}

// ChangeProposal is a proposed, gated, applied-or-reverted mutation of an
// agent's configuration, produced by the self-improving loop or an operator.
type ChangeProposal struct {
	ID             string         `json:"id"`
	TargetAgentID  string         `json:"target_agent_id"`
	TargetVersion  int64          `json:"target_version"`
	Diff           []FieldChange  `json:"diff"`
	Justification  string         `json:"justification"`
	RiskClass      RiskClass      `json:"risk_class"`
	Status         ProposalStatus `json:"status"`
	FailedGate     string         `json:"failed_gate,omitempty"`
	MetricsBefore  AgentMetrics   `json:"metrics_before"`
	MetricsAfter   *AgentMetrics  `json:"metrics_after,omitempty"`
	AppliedVersion int64          `json:"applied_version,omitempty"`
	CreatedAtMS    int64          `json:"created_at_ms"`
	UpdatedAtMS    int64          `json:"updated_at_ms"`
}
