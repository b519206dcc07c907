// Package improve implements the self-improving loop: observe recent
// traces, analyze failure patterns, propose agent config changes, gate
// them, apply approved ones, verify the result and revert regressions.
package improve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aios/aios/internal/agent/registry"
	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	"github.com/aios/aios/internal/events/store"
	"github.com/aios/aios/internal/improve/gates"
	"github.com/aios/aios/internal/improve/rollback"
	"github.com/aios/aios/internal/trace"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// Config tunes the loop.
type Config struct {
	// ObserveWindow is how far back the analyzer reads traces.
	ObserveWindow time.Duration
	// AgentCooldown prevents proposal thrashing per agent.
	AgentCooldown time.Duration
	// VerifyWindow is how long an applied change observes before judgement.
	VerifyWindow time.Duration
	// TargetSuccessRate triggers thinking-level proposals when undershot.
	TargetSuccessRate float64
	// MinSamples is the floor below which the analyzer stays quiet.
	MinSamples int
	// BurstThreshold failures within BurstWindow trigger an out-of-cadence
	// cycle for the failing agent.
	BurstThreshold int
	BurstWindow    time.Duration
}

// DefaultConfig returns the stock loop tuning.
func DefaultConfig() Config {
	return Config{
		ObserveWindow:     24 * time.Hour,
		AgentCooldown:     6 * time.Hour,
		VerifyWindow:      30 * time.Minute,
		TargetSuccessRate: 0.80,
		MinSamples:        10,
		BurstThreshold:    5,
		BurstWindow:       5 * time.Minute,
	}
}

// TraceReader supplies the traces the analyzer observes.
type TraceReader interface {
	ReadTraces(f trace.Filter) ([]*v1.Trace, error)
}

// Loop is the self-improving cycle driver.
type Loop struct {
	cfg       Config
	traces    TraceReader
	registry  *registry.Registry
	gates     *gates.Gates
	rollback  *rollback.Manager
	proposals *proposalStore
	bus       bus.EventBus
	clk       clock.Clock
	log       *logger.Logger

	mu       sync.Mutex
	lastRun  map[string]time.Time // per-agent cooldown
	failures map[string][]time.Time
	applied  map[string]time.Time // proposal id -> applied at

	subID string
}

// New creates the loop.
func New(cfg Config, traces TraceReader, reg *registry.Registry, g *gates.Gates, rb *rollback.Manager, st *store.Store, eventBus bus.EventBus, clk clock.Clock, log *logger.Logger) *Loop {
	if cfg.ObserveWindow <= 0 {
		cfg.ObserveWindow = 24 * time.Hour
	}
	if cfg.AgentCooldown <= 0 {
		cfg.AgentCooldown = 6 * time.Hour
	}
	if cfg.VerifyWindow <= 0 {
		cfg.VerifyWindow = 30 * time.Minute
	}
	if cfg.TargetSuccessRate <= 0 {
		cfg.TargetSuccessRate = 0.80
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.BurstThreshold <= 0 {
		cfg.BurstThreshold = 5
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = 5 * time.Minute
	}
	l := &Loop{
		cfg:       cfg,
		traces:    traces,
		registry:  reg,
		gates:     g,
		rollback:  rb,
		proposals: newProposalStore(st, clk, log.WithFields(zap.String("component", "improve-loop"))),
		bus:       eventBus,
		clk:       clk,
		log:       log.WithFields(zap.String("component", "improve-loop")),
		lastRun:   make(map[string]time.Time),
		failures:  make(map[string][]time.Time),
		applied:   make(map[string]time.Time),
	}
	return l
}

// Start loads persisted proposals and subscribes to failure bursts.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.proposals.load(); err != nil {
		return err
	}
	if l.bus != nil {
		id, err := l.bus.Subscribe(events.AgentTaskFailed, l.onFailure)
		if err != nil {
			return err
		}
		l.subID = id
	}
	return nil
}

// Stop unsubscribes from the bus.
func (l *Loop) Stop() {
	if l.bus != nil && l.subID != "" {
		l.bus.Unsubscribe(l.subID)
		l.subID = ""
	}
}

// RunCycle runs one full pass: verify previously applied changes, then
// analyze every prod agent. Called by the heartbeat on its cadence.
func (l *Loop) RunCycle(ctx context.Context) {
	l.verifyApplied(ctx)
	for _, agent := range l.registry.List() {
		if agent.Env != v1.EnvProd {
			continue
		}
		l.runAgent(ctx, agent)
	}
}

// onFailure counts failures per agent; a burst forces an immediate cycle
// for that agent regardless of heartbeat cadence.
func (l *Loop) onFailure(ctx context.Context, event *v1.Event) {
	if event.AgentID == "" {
		return
	}
	now := l.clk.Now()
	cutoff := now.Add(-l.cfg.BurstWindow)

	l.mu.Lock()
	recent := l.failures[event.AgentID]
	kept := recent[:0]
	for _, t := range recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.failures[event.AgentID] = kept
	burst := len(kept) >= l.cfg.BurstThreshold
	if burst {
		l.failures[event.AgentID] = nil
	}
	l.mu.Unlock()

	if !burst {
		return
	}
	agent, err := l.registry.Get(event.AgentID)
	if err != nil || agent.Env != v1.EnvProd {
		return
	}
	l.log.Warn("failure burst, running improvement cycle",
		zap.String("agent_id", agent.ID))
	l.runAgent(ctx, agent)
}

// runAgent analyzes one agent and advances at most one proposal for it.
func (l *Loop) runAgent(ctx context.Context, agent *v1.Agent) {
	l.mu.Lock()
	last, ran := l.lastRun[agent.ID]
	if ran && l.clk.Since(last) < l.cfg.AgentCooldown {
		l.mu.Unlock()
		return
	}
	l.lastRun[agent.ID] = l.clk.Now()
	l.mu.Unlock()

	if l.proposals.hasOpenFor(agent.ID) {
		return
	}

	finding := l.analyze(agent)
	if finding == nil {
		return
	}

	proposal := l.propose(agent, finding)
	if proposal == nil {
		return
	}
	l.proposals.save(proposal)
	l.emitProposal(ctx, events.ProposalCreated, proposal, "")

	outcome := l.gates.Run(ctx, proposal)
	proposal.Status = outcome.Status
	proposal.FailedGate = outcome.FailedGate
	l.proposals.save(proposal)

	switch outcome.Status {
	case v1.ProposalRejected:
		l.emitProposal(ctx, events.ProposalRejected, proposal, outcome.Detail)
	case v1.ProposalGated:
		l.emitProposal(ctx, events.ProposalGated, proposal, outcome.Detail)
	case v1.ProposalApproved:
		l.emitProposal(ctx, events.ProposalApproved, proposal, "")
		if err := l.apply(ctx, proposal); err != nil {
			l.log.Error("failed to apply proposal",
				zap.String("proposal_id", proposal.ID), zap.Error(err))
		}
	}
}

// finding is one analyzer conclusion.
type finding struct {
	signature string
	count     int
	metrics   v1.AgentMetrics
}

// analyze reads the agent's recent prod traces and returns the dominant
// actionable finding, or nil. The failure-count threshold adapts to the
// agent's task frequency and criticality.
func (l *Loop) analyze(agent *v1.Agent) *finding {
	since := l.clk.Now().Add(-l.cfg.ObserveWindow).UnixMilli()
	traces, err := l.traces.ReadTraces(trace.Filter{
		AgentID: agent.ID,
		Env:     v1.EnvProd,
		SinceMS: since,
	})
	if err != nil {
		l.log.Error("failed to read traces", zap.String("agent_id", agent.ID), zap.Error(err))
		return nil
	}
	if len(traces) < l.cfg.MinSamples {
		return nil
	}

	var successes int
	var durationSum int64
	counts := make(map[string]int)
	for _, tr := range traces {
		if tr.Success {
			successes++
		} else {
			counts[tr.ErrorSignature]++
		}
		durationSum += tr.DurationMS
	}
	metrics := v1.AgentMetrics{
		SuccessRate:   float64(successes) / float64(len(traces)),
		AvgDurationMS: durationSum / int64(len(traces)),
		SampleCount:   len(traces),
	}

	threshold := l.threshold(agent, len(traces))
	if counts[errors.SigTimeout] >= threshold {
		return &finding{signature: errors.SigTimeout, count: counts[errors.SigTimeout], metrics: metrics}
	}
	if counts[errors.SigAPIRateLimit] >= threshold {
		return &finding{signature: errors.SigAPIRateLimit, count: counts[errors.SigAPIRateLimit], metrics: metrics}
	}
	if metrics.SuccessRate < l.cfg.TargetSuccessRate {
		return &finding{signature: "low_success_rate", metrics: metrics}
	}
	return nil
}

// threshold derives the failure-count trigger: base by task frequency,
// halved for critical agents so they react sooner.
func (l *Loop) threshold(agent *v1.Agent, samples int) int {
	perDay := float64(samples) * float64(24*time.Hour) / float64(l.cfg.ObserveWindow)
	base := 3
	switch {
	case perDay >= 100:
		base = 10
	case perDay >= 20:
		base = 5
	}
	if agent.Critical {
		base = (base + 1) / 2
	}
	if base < 2 {
		base = 2
	}
	return base
}

// propose maps a finding to a concrete config change.
func (l *Loop) propose(agent *v1.Agent, f *finding) *v1.ChangeProposal {
	proposal := &v1.ChangeProposal{
		ID:            uuid.New().String(),
		TargetAgentID: agent.ID,
		TargetVersion: agent.ConfigVersion,
		Status:        v1.ProposalDraft,
		MetricsBefore: f.metrics,
		CreatedAtMS:   l.clk.NowMS(),
	}

	switch f.signature {
	case errors.SigTimeout:
		// Timeouts dominate: raise the timeout by 50%.
		next := agent.TimeoutMS + agent.TimeoutMS/2
		proposal.Diff = []v1.FieldChange{{Field: "timeout_ms", From: agent.TimeoutMS, To: next}}
		proposal.Justification = fmt.Sprintf("%d timeout failures in window; raising timeout %dms -> %dms",
			f.count, agent.TimeoutMS, next)
		proposal.RiskClass = v1.RiskLow

	case errors.SigAPIRateLimit:
		next := agent.MaxConcurrent - 1
		if next < 1 {
			return nil
		}
		proposal.Diff = []v1.FieldChange{{Field: "max_concurrent", From: agent.MaxConcurrent, To: next}}
		proposal.Justification = fmt.Sprintf("%d rate-limit failures in window; lowering concurrency %d -> %d",
			f.count, agent.MaxConcurrent, next)
		proposal.RiskClass = v1.RiskLow

	case "low_success_rate":
		next := agent.ThinkingLevel.Raise()
		if next == agent.ThinkingLevel {
			return nil
		}
		proposal.Diff = []v1.FieldChange{{Field: "thinking_level", From: string(agent.ThinkingLevel), To: string(next)}}
		proposal.Justification = fmt.Sprintf("success rate %.2f below target %.2f; raising thinking level %s -> %s",
			f.metrics.SuccessRate, l.cfg.TargetSuccessRate, agent.ThinkingLevel, next)
		proposal.RiskClass = v1.RiskMedium

	default:
		return nil
	}
	return proposal
}

// apply pushes an approved proposal through the registry. Only approved
// proposals ever reach here; the registry snapshots via rollback first.
func (l *Loop) apply(ctx context.Context, proposal *v1.ChangeProposal) error {
	if proposal.Status != v1.ProposalApproved {
		return fmt.Errorf("proposal %s is %s, not approved", proposal.ID, proposal.Status)
	}
	patch, err := patchFromDiff(proposal.Diff)
	if err != nil {
		return err
	}
	version, err := l.registry.Update(ctx, proposal.TargetAgentID, patch)
	if err != nil {
		return errors.Wrap(err, "apply proposal "+proposal.ID)
	}
	proposal.Status = v1.ProposalApplied
	proposal.AppliedVersion = version
	l.proposals.save(proposal)

	l.mu.Lock()
	l.applied[proposal.ID] = l.clk.Now()
	l.mu.Unlock()

	l.emitProposal(ctx, events.ProposalApplied, proposal, "")
	return nil
}

// verifyApplied judges applied proposals whose observation window elapsed:
// compare metrics after against before, revert regressions.
func (l *Loop) verifyApplied(ctx context.Context) {
	l.mu.Lock()
	due := make(map[string]time.Time)
	for id, at := range l.applied {
		if l.clk.Since(at) >= l.cfg.VerifyWindow {
			due[id] = at
		}
	}
	l.mu.Unlock()

	for id, appliedAt := range due {
		proposal, err := l.proposals.get(id)
		if err != nil || proposal.Status != v1.ProposalApplied {
			l.forget(id)
			continue
		}
		after, ok := l.metricsSince(proposal.TargetAgentID, appliedAt)
		if !ok {
			// Not enough traffic yet; keep observing.
			continue
		}
		proposal.MetricsAfter = &after

		if l.rollback.Regressed(proposal.MetricsBefore, after) {
			if err := l.rollback.RevertLatest(ctx, proposal.TargetAgentID,
				"proposal "+proposal.ID+" regressed"); err != nil {
				l.log.Error("failed to revert regressed proposal",
					zap.String("proposal_id", proposal.ID), zap.Error(err))
				continue
			}
			proposal.Status = v1.ProposalReverted
			l.proposals.save(proposal)
			l.emitProposal(ctx, events.ProposalReverted, proposal, "metrics regressed")
		} else {
			l.proposals.save(proposal)
			l.log.Info("applied proposal verified",
				zap.String("proposal_id", proposal.ID),
				zap.Float64("success_rate", after.SuccessRate))
		}
		l.forget(id)
	}
}

func (l *Loop) metricsSince(agentID string, since time.Time) (v1.AgentMetrics, bool) {
	traces, err := l.traces.ReadTraces(trace.Filter{
		AgentID: agentID,
		Env:     v1.EnvProd,
		SinceMS: since.UnixMilli(),
	})
	if err != nil || len(traces) == 0 {
		return v1.AgentMetrics{}, false
	}
	var successes int
	var durationSum int64
	for _, tr := range traces {
		if tr.Success {
			successes++
		}
		durationSum += tr.DurationMS
	}
	return v1.AgentMetrics{
		SuccessRate:   float64(successes) / float64(len(traces)),
		AvgDurationMS: durationSum / int64(len(traces)),
		SampleCount:   len(traces),
	}, true
}

func (l *Loop) forget(proposalID string) {
	l.mu.Lock()
	delete(l.applied, proposalID)
	l.mu.Unlock()
}

// Approve moves a gated proposal to approved and applies it. Operator path.
func (l *Loop) Approve(ctx context.Context, id string) (*v1.ChangeProposal, error) {
	proposal, err := l.proposals.get(id)
	if err != nil {
		return nil, err
	}
	if proposal.Status != v1.ProposalGated {
		return nil, errors.Conflict(fmt.Sprintf("proposal '%s' is %s, not gated", id, proposal.Status))
	}
	proposal.Status = v1.ProposalApproved
	l.proposals.save(proposal)
	l.emitProposal(ctx, events.ProposalApproved, proposal, "operator approval")
	if err := l.apply(ctx, proposal); err != nil {
		return nil, err
	}
	return l.proposals.get(id)
}

// Reject marks a draft or gated proposal rejected. Operator path.
func (l *Loop) Reject(ctx context.Context, id, reason string) (*v1.ChangeProposal, error) {
	proposal, err := l.proposals.get(id)
	if err != nil {
		return nil, err
	}
	switch proposal.Status {
	case v1.ProposalDraft, v1.ProposalGated:
	default:
		return nil, errors.Conflict(fmt.Sprintf("proposal '%s' is %s, cannot reject", id, proposal.Status))
	}
	proposal.Status = v1.ProposalRejected
	l.proposals.save(proposal)
	l.emitProposal(ctx, events.ProposalRejected, proposal, reason)
	return proposal, nil
}

// Get returns one proposal.
func (l *Loop) Get(id string) (*v1.ChangeProposal, error) {
	return l.proposals.get(id)
}

// List returns proposals, optionally filtered by status.
func (l *Loop) List(status v1.ProposalStatus) []*v1.ChangeProposal {
	return l.proposals.list(status)
}

func patchFromDiff(diff []v1.FieldChange) (*registry.Patch, error) {
	patch := &registry.Patch{}
	for _, change := range diff {
		switch change.Field {
		case "timeout_ms":
			ms, ok := asInt64(change.To)
			if !ok {
				return nil, fmt.Errorf("timeout_ms: not a number")
			}
			patch.TimeoutMS = &ms
		case "max_concurrent":
			n, ok := asInt64(change.To)
			if !ok {
				return nil, fmt.Errorf("max_concurrent: not a number")
			}
			v := int(n)
			patch.MaxConcurrent = &v
		case "thinking_level":
			s, _ := change.To.(string)
			level := v1.ThinkingLevel(s)
			patch.ThinkingLevel = &level
		case "system_prompt":
			s, _ := change.To.(string)
			patch.SystemPrompt = &s
		case "model_id":
			s, _ := change.To.(string)
			patch.ModelID = &s
		default:
			return nil, fmt.Errorf("field %q is not mutable by proposal", change.Field)
		}
	}
	return patch, nil
}

func asInt64(v interface{}) (int64, bool) {
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

func (l *Loop) emitProposal(ctx context.Context, eventType string, proposal *v1.ChangeProposal, detail string) {
	if l.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"proposal_id": proposal.ID,
		"risk_class":  string(proposal.RiskClass),
		"status":      string(proposal.Status),
	}
	if detail != "" {
		payload["detail"] = detail
	}
	event := bus.NewEvent(eventType, "improve-loop", payload)
	event.AgentID = proposal.TargetAgentID
	if err := l.bus.Publish(ctx, event); err != nil {
		l.log.Error("failed to publish proposal event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
