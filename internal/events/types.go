// Package events defines the stable event-type vocabulary and the wildcard
// pattern matching used by bus subscriptions and playbook triggers.
package events

import (
	"strings"

	v1 "github.com/aios/aios/pkg/api/v1"
)

// Core events
const (
	CoreHealthReport    = "core.health.report"
	CoreStorageDegraded = "core.storage.degraded"
	CoreStorageRepaired = "core.storage.repaired"
	CoreSubscriberError = "core.subscriber.error"
	CoreWorkerLost      = "core.worker.lost"
)

// Task lifecycle events (scheduler-emitted)
const (
	TaskSubmitted = "task.submitted"
	TaskStarted   = "task.started"
	TaskSucceeded = "task.succeeded"
	TaskFailed    = "task.failed"
	TaskCancelled = "task.cancelled"
	TaskRejected  = "task.rejected"
)

// Scheduler events
const (
	SchedulerRetry     = "scheduler.retry"
	SchedulerUnblocked = "scheduler.unblocked"
	SchedulerSaturated = "scheduler.saturated"
)

// Agent events (dispatcher/trace-recorder/registry-emitted)
const (
	AgentTaskStarted   = "agent.task.started"
	AgentTaskSucceeded = "agent.task.succeeded"
	AgentTaskFailed    = "agent.task.failed"
	AgentConfigUpdated = "agent.config.updated"
)

// Breaker events
const (
	BreakerOpened        = "breaker.opened"
	BreakerClosed        = "breaker.closed"
	BreakerHalfOpenProbe = "breaker.half_open_probe"
	BreakerQuarantined   = "breaker.quarantined"
)

// Reactor events
const (
	ReactorSuccess         = "reactor.success"
	ReactorFailed          = "reactor.failed"
	ReactorCooldownSkipped = "reactor.cooldown_skipped"
	ReactorPendingConfirm  = "reactor.pending_confirm"
)

// Proposal and rollback events
const (
	ProposalCreated  = "proposal.created"
	ProposalGated    = "proposal.gated"
	ProposalApproved = "proposal.approved"
	ProposalRejected = "proposal.rejected"
	ProposalApplied  = "proposal.applied"
	ProposalReverted = "proposal.reverted"
	RollbackExecuted = "rollback.executed"
)

// ValidType reports whether the type is a non-empty dotted identifier:
// segments of [a-z0-9_-] separated by single dots.
func ValidType(eventType string) bool {
	if eventType == "" {
		return false
	}
	for _, seg := range strings.Split(eventType, ".") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			default:
				return false
			}
		}
	}
	return true
}

// Match reports whether an event type matches a subscription pattern.
// Patterns are literal segments with '*' wildcards: "agent.*" matches
// "agent.task.started" but not "agent"; "*" matches everything. A trailing
// '*' matches one or more remaining segments; an inner '*' matches exactly
// one segment.
func Match(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == eventType {
		return true
	}
	pSegs := strings.Split(pattern, ".")
	eSegs := strings.Split(eventType, ".")
	for i, p := range pSegs {
		if p == "*" && i == len(pSegs)-1 {
			// trailing wildcard requires at least one more segment
			return len(eSegs) > i
		}
		if i >= len(eSegs) {
			return false
		}
		if p != "*" && p != eSegs[i] {
			return false
		}
	}
	return len(eSegs) == len(pSegs)
}

// SeverityFor derives a default severity from an event type when the emitter
// did not set one. Failure and systemic events rank warning or above so
// backpressure never drops them.
func SeverityFor(eventType string) v1.Severity {
	switch eventType {
	case CoreStorageDegraded, CoreWorkerLost, BreakerQuarantined:
		return v1.SeverityError
	}
	switch {
	case strings.HasSuffix(eventType, ".failed"),
		strings.HasSuffix(eventType, ".error"):
		return v1.SeverityError
	case strings.HasPrefix(eventType, "alert."),
		strings.HasPrefix(eventType, "breaker."),
		strings.HasPrefix(eventType, "rollback."),
		strings.HasSuffix(eventType, ".rejected"):
		return v1.SeverityWarning
	case strings.HasPrefix(eventType, "resource."):
		return v1.SeverityInfo
	}
	return v1.SeverityInfo
}

// DurableFor reports whether events of this type must be persisted before
// fanout. Error and state-change events are durable; bulk telemetry is not.
func DurableFor(eventType string, sev v1.Severity) bool {
	if sev.Rank() >= v1.SeverityWarning.Rank() {
		return true
	}
	switch {
	case strings.HasPrefix(eventType, "task."),
		strings.HasPrefix(eventType, "agent."),
		strings.HasPrefix(eventType, "proposal."),
		strings.HasPrefix(eventType, "rollback."),
		strings.HasPrefix(eventType, "breaker."),
		strings.HasPrefix(eventType, "reactor."):
		return true
	}
	return false
}
