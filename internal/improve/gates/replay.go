package gates

import (
	"context"
	"fmt"

	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/trace"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// TraceSource supplies recorded traces. Implemented by the trace recorder.
type TraceSource interface {
	ReadTraces(f trace.Filter) ([]*v1.Trace, error)
}

// TraceReplay is a ReplayRunner that re-scores an agent's recent prod traces
// under the proposed config. Deterministic fields (timeout_ms,
// max_concurrent) flip the failures they would have prevented; fields whose
// effect cannot be predicted from the journal leave the outcome unchanged,
// so their risk is judged by L2 instead.
type TraceReplay struct {
	traces     TraceSource
	minSamples int
}

// NewTraceReplay creates a journal-backed replay runner.
func NewTraceReplay(traces TraceSource, minSamples int) *TraceReplay {
	if minSamples <= 0 {
		minSamples = 5
	}
	return &TraceReplay{traces: traces, minSamples: minSamples}
}

// CanReplay reports whether the agent has enough prod traces to re-score.
func (r *TraceReplay) CanReplay(agentID string) bool {
	out, err := r.traces.ReadTraces(trace.Filter{
		AgentID: agentID,
		Env:     v1.EnvProd,
		Limit:   r.minSamples,
	})
	return err == nil && len(out) >= r.minSamples
}

// Replay re-scores the last K traces under the proposal's diff.
func (r *TraceReplay) Replay(_ context.Context, proposal *v1.ChangeProposal, lastK int) (v1.AgentMetrics, error) {
	out, err := r.traces.ReadTraces(trace.Filter{
		AgentID: proposal.TargetAgentID,
		Env:     v1.EnvProd,
		Limit:   lastK,
	})
	if err != nil {
		return v1.AgentMetrics{}, fmt.Errorf("read traces: %w", err)
	}
	if len(out) == 0 {
		return v1.AgentMetrics{}, fmt.Errorf("no traces for agent %q", proposal.TargetAgentID)
	}

	var newTimeout int64
	liftRateLimit := false
	for _, change := range proposal.Diff {
		switch change.Field {
		case "timeout_ms":
			if ms, ok := toInt64(change.To); ok {
				newTimeout = ms
			}
		case "max_concurrent":
			from, okFrom := toInt64(change.From)
			to, okTo := toInt64(change.To)
			liftRateLimit = okFrom && okTo && to < from
		}
	}

	var successes int
	var totalDuration int64
	for _, tr := range out {
		success := tr.Success
		if !success {
			switch tr.ErrorSignature {
			case errors.SigTimeout:
				// A longer budget would have let this attempt finish.
				if newTimeout > 0 && newTimeout > tr.DurationMS {
					success = true
				}
			case errors.SigAPIRateLimit:
				if liftRateLimit {
					success = true
				}
			}
		}
		if success {
			successes++
		}
		totalDuration += tr.DurationMS
	}

	metrics := v1.AgentMetrics{
		SuccessRate: float64(successes) / float64(len(out)),
		SampleCount: len(out),
	}
	metrics.AvgDurationMS = totalDuration / int64(len(out))
	return metrics, nil
}
