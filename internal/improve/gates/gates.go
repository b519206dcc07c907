// Package gates runs quality gates over change proposals: L0 validates the
// diff against per-field schemas, L1 replays recent traces against the
// proposed config (or escalates risk when replay is unavailable), L2 holds
// medium-and-above risk for human approval.
package gates

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/logger"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// Gate names recorded on rejected proposals.
const (
	GateL0 = "L0"
	GateL1 = "L1"
	GateL2 = "L2"
)

// Field bounds enforced by L0.
const (
	minTimeout       = time.Second
	maxTimeout       = 30 * time.Minute
	maxConcurrentCap = 16
)

// L1 regression bounds for replay results.
const (
	maxSuccessRateDrop  = 0.10
	maxDurationIncrease = 0.20
)

// ReplayRunner replays the last K completed traces of an agent against a
// proposed config. Implemented by the agent-worker when it supports
// deterministic replay; CanReplay reports availability.
type ReplayRunner interface {
	CanReplay(agentID string) bool
	Replay(ctx context.Context, proposal *v1.ChangeProposal, lastK int) (v1.AgentMetrics, error)
}

// Outcome of a gate run.
type Outcome struct {
	Status     v1.ProposalStatus
	FailedGate string
	Detail     string
	// RiskEscalated is set when L1 was skipped and the risk class was
	// raised one step in compensation.
	RiskEscalated bool
}

// Gates is the gate runner.
type Gates struct {
	replay  ReplayRunner
	replayK int
	log     *logger.Logger
}

// New creates the gate runner. replay may be nil (no replay support).
func New(replay ReplayRunner, replayK int, log *logger.Logger) *Gates {
	if replayK <= 0 {
		replayK = 20
	}
	return &Gates{
		replay:  replay,
		replayK: replayK,
		log:     log.WithFields(zap.String("component", "quality-gates")),
	}
}

// Run takes a proposal through L0, L1 and L2 in order. It mutates the
// proposal's risk class only when L1 escalates; status transitions are the
// caller's job, driven by the returned outcome.
func (g *Gates) Run(ctx context.Context, proposal *v1.ChangeProposal) Outcome {
	if detail := g.runL0(proposal); detail != "" {
		return Outcome{Status: v1.ProposalRejected, FailedGate: GateL0, Detail: detail}
	}

	escalated, detail := g.runL1(ctx, proposal)
	if detail != "" {
		return Outcome{Status: v1.ProposalRejected, FailedGate: GateL1, Detail: detail}
	}

	if escalated {
		proposal.RiskClass = proposal.RiskClass.Escalate()
	}

	// L2: anything above low risk needs a human.
	if proposal.RiskClass != v1.RiskLow {
		return Outcome{
			Status:        v1.ProposalGated,
			RiskEscalated: escalated,
			Detail:        fmt.Sprintf("risk class %s requires operator approval", proposal.RiskClass),
		}
	}
	return Outcome{Status: v1.ProposalApproved, RiskEscalated: escalated}
}

// runL0 validates every field change. Returns a rejection detail or "".
func (g *Gates) runL0(proposal *v1.ChangeProposal) string {
	if len(proposal.Diff) == 0 {
		return "proposal diff is empty"
	}
	for _, change := range proposal.Diff {
		if detail := validateField(change); detail != "" {
			return detail
		}
	}
	return ""
}

// runL1 replays recent traces when possible. Without replay, the proposal
// passes but its risk class is escalated one step (reported via the first
// return). The second return is a rejection detail or "".
func (g *Gates) runL1(ctx context.Context, proposal *v1.ChangeProposal) (bool, string) {
	if g.replay == nil || !g.replay.CanReplay(proposal.TargetAgentID) {
		g.log.Debug("replay unavailable, escalating risk",
			zap.String("proposal_id", proposal.ID),
			zap.String("agent_id", proposal.TargetAgentID))
		return true, ""
	}

	after, err := g.replay.Replay(ctx, proposal, g.replayK)
	if err != nil {
		return false, fmt.Sprintf("replay failed: %v", err)
	}
	before := proposal.MetricsBefore
	if after.SuccessRate < before.SuccessRate-maxSuccessRateDrop {
		return false, fmt.Sprintf("replay success rate %.2f drops more than %.0f%% below %.2f",
			after.SuccessRate, maxSuccessRateDrop*100, before.SuccessRate)
	}
	if before.AvgDurationMS > 0 {
		limit := float64(before.AvgDurationMS) * (1 + maxDurationIncrease)
		if float64(after.AvgDurationMS) > limit {
			return false, fmt.Sprintf("replay avg duration %dms exceeds %.0fms",
				after.AvgDurationMS, limit)
		}
	}
	return false, ""
}

func validateField(change v1.FieldChange) string {
	switch change.Field {
	case "timeout_ms":
		ms, ok := toInt64(change.To)
		if !ok {
			return "timeout_ms must be a number"
		}
		d := time.Duration(ms) * time.Millisecond
		if d < minTimeout || d > maxTimeout {
			return fmt.Sprintf("timeout_ms %d outside [%s, %s]", ms, minTimeout, maxTimeout)
		}
	case "thinking_level":
		s, _ := change.To.(string)
		if !v1.ThinkingLevel(s).Valid() {
			return fmt.Sprintf("invalid thinking_level %q", s)
		}
	case "system_prompt":
		s, _ := change.To.(string)
		if s == "" {
			return "system_prompt must not be empty"
		}
	case "max_concurrent":
		n, ok := toInt64(change.To)
		if !ok || n < 1 || n > maxConcurrentCap {
			return fmt.Sprintf("max_concurrent must be in [1, %d]", maxConcurrentCap)
		}
	case "model_id":
		s, _ := change.To.(string)
		if s == "" {
			return "model_id must not be empty"
		}
	default:
		return fmt.Sprintf("field %q is not mutable by proposal", change.Field)
	}
	return ""
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
