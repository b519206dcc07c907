package events

import (
	"testing"

	v1 "github.com/aios/aios/pkg/api/v1"
)

func TestValidType(t *testing.T) {
	valid := []string{"task.submitted", "core.health.report", "alert.cpu_high", "a.b-c.d_1"}
	for _, s := range valid {
		if !ValidType(s) {
			t.Errorf("ValidType(%q) = false, want true", s)
		}
	}
	invalid := []string{"", ".", "task..done", "Task.Submitted", "task.done.", "task done"}
	for _, s := range invalid {
		if ValidType(s) {
			t.Errorf("ValidType(%q) = true, want false", s)
		}
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"*", "anything.at.all", true},
		{"task.submitted", "task.submitted", true},
		{"task.submitted", "task.failed", false},
		{"agent.*", "agent.task.started", true},
		{"agent.*", "agent.config.updated", true},
		{"agent.*", "agent", false},
		{"task.*", "scheduler.retry", false},
		{"*.failed", "task.failed", true},
		{"*.failed", "reactor.failed", true},
		{"*.failed", "agent.task.failed", false}, // inner '*' is one segment
		{"core.*.report", "core.health.report", true},
		{"core.*.report", "core.health.extra.report", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.eventType); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.eventType, got, tt.want)
		}
	}
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		eventType string
		want      v1.Severity
	}{
		{CoreStorageDegraded, v1.SeverityError},
		{CoreWorkerLost, v1.SeverityError},
		{TaskFailed, v1.SeverityError},
		{ReactorFailed, v1.SeverityError},
		{BreakerOpened, v1.SeverityWarning},
		{TaskRejected, v1.SeverityWarning},
		{RollbackExecuted, v1.SeverityWarning},
		{"alert.cpu.high", v1.SeverityWarning},
		{"resource.cpu.sample", v1.SeverityInfo},
		{TaskSubmitted, v1.SeverityInfo},
	}
	for _, tt := range tests {
		if got := SeverityFor(tt.eventType); got != tt.want {
			t.Errorf("SeverityFor(%q) = %q, want %q", tt.eventType, got, tt.want)
		}
	}
}

func TestDurableFor(t *testing.T) {
	// Warning and above is always durable, whatever the type.
	if !DurableFor("resource.cpu.sample", v1.SeverityWarning) {
		t.Error("warning severity should be durable")
	}
	// State-change families are durable even at info.
	for _, eventType := range []string{TaskSubmitted, AgentConfigUpdated, ProposalCreated} {
		if !DurableFor(eventType, v1.SeverityInfo) {
			t.Errorf("DurableFor(%q, info) = false, want true", eventType)
		}
	}
	// Bulk telemetry at info is not.
	if DurableFor("resource.cpu.sample", v1.SeverityInfo) {
		t.Error("info-level resource sample should not be durable")
	}
}
