package gates

import (
	"context"
	"testing"

	"github.com/aios/aios/internal/common/logger"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// fixedReplay returns canned metrics for every replay.
type fixedReplay struct {
	available bool
	metrics   v1.AgentMetrics
	err       error
}

func (r *fixedReplay) CanReplay(string) bool { return r.available }

func (r *fixedReplay) Replay(context.Context, *v1.ChangeProposal, int) (v1.AgentMetrics, error) {
	return r.metrics, r.err
}

func timeoutProposal(riskClass v1.RiskClass) *v1.ChangeProposal {
	return &v1.ChangeProposal{
		ID:            "p1",
		TargetAgentID: "a1",
		RiskClass:     riskClass,
		Diff: []v1.FieldChange{
			{Field: "timeout_ms", From: 60000, To: 120000},
		},
		MetricsBefore: v1.AgentMetrics{SuccessRate: 0.8, AvgDurationMS: 1000, SampleCount: 20},
	}
}

func TestRunApprovesLowRisk(t *testing.T) {
	g := New(&fixedReplay{available: true, metrics: v1.AgentMetrics{SuccessRate: 0.85, AvgDurationMS: 1000}}, 20, logger.NewNop())
	out := g.Run(context.Background(), timeoutProposal(v1.RiskLow))
	if out.Status != v1.ProposalApproved {
		t.Errorf("outcome = %+v, want approved", out)
	}
}

func TestRunGatesMediumRisk(t *testing.T) {
	g := New(&fixedReplay{available: true, metrics: v1.AgentMetrics{SuccessRate: 0.85, AvgDurationMS: 1000}}, 20, logger.NewNop())
	out := g.Run(context.Background(), timeoutProposal(v1.RiskMedium))
	if out.Status != v1.ProposalGated {
		t.Errorf("outcome = %+v, want gated for operator approval", out)
	}
}

func TestL0RejectsInvalidDiff(t *testing.T) {
	g := New(nil, 20, logger.NewNop())
	cases := map[string][]v1.FieldChange{
		"empty diff":        nil,
		"timeout too small": {{Field: "timeout_ms", To: 100}},
		"timeout too big":   {{Field: "timeout_ms", To: int64(2 * 60 * 60 * 1000)}},
		"bad thinking":      {{Field: "thinking_level", To: "galaxy"}},
		"empty prompt":      {{Field: "system_prompt", To: ""}},
		"zero concurrency":  {{Field: "max_concurrent", To: 0}},
		"huge concurrency":  {{Field: "max_concurrent", To: 64}},
		"empty model":       {{Field: "model_id", To: ""}},
		"immutable field":   {{Field: "role", To: "admin"}},
	}
	for name, diff := range cases {
		p := &v1.ChangeProposal{ID: "p1", TargetAgentID: "a1", RiskClass: v1.RiskLow, Diff: diff}
		out := g.Run(context.Background(), p)
		if out.Status != v1.ProposalRejected || out.FailedGate != GateL0 {
			t.Errorf("%s: outcome = %+v, want L0 rejection", name, out)
		}
	}
}

func TestL1RejectsRegression(t *testing.T) {
	// Replayed success rate drops 0.8 -> 0.6, past the allowed 10 points.
	g := New(&fixedReplay{available: true, metrics: v1.AgentMetrics{SuccessRate: 0.6, AvgDurationMS: 1000}}, 20, logger.NewNop())
	out := g.Run(context.Background(), timeoutProposal(v1.RiskLow))
	if out.Status != v1.ProposalRejected || out.FailedGate != GateL1 {
		t.Errorf("outcome = %+v, want L1 rejection", out)
	}
}

func TestL1RejectsDurationBlowup(t *testing.T) {
	g := New(&fixedReplay{available: true, metrics: v1.AgentMetrics{SuccessRate: 0.85, AvgDurationMS: 1500}}, 20, logger.NewNop())
	out := g.Run(context.Background(), timeoutProposal(v1.RiskLow))
	if out.Status != v1.ProposalRejected || out.FailedGate != GateL1 {
		t.Errorf("outcome = %+v, want L1 rejection", out)
	}
}

func TestL1UnavailableEscalatesRisk(t *testing.T) {
	g := New(&fixedReplay{available: false}, 20, logger.NewNop())
	p := timeoutProposal(v1.RiskLow)
	out := g.Run(context.Background(), p)
	if out.Status != v1.ProposalGated || !out.RiskEscalated {
		t.Errorf("outcome = %+v, want gated with escalated risk", out)
	}
	if p.RiskClass != v1.RiskMedium {
		t.Errorf("risk class = %q, want medium after escalation", p.RiskClass)
	}
}
