package reactor

import (
	"context"
	"testing"

	v1 "github.com/aios/aios/pkg/api/v1"
)

type fakePatcher struct {
	agentID string
	fields  map[string]interface{}
	err     error
}

func (p *fakePatcher) PatchAgent(ctx context.Context, agentID string, fields map[string]interface{}) (int64, error) {
	p.agentID = agentID
	p.fields = fields
	return 7, p.err
}

type fakeSettings struct {
	applied map[string]interface{}
}

func (s *fakeSettings) ApplySetting(key string, value interface{}) error {
	if s.applied == nil {
		s.applied = make(map[string]interface{})
	}
	s.applied[key] = value
	return nil
}

type fakeRestarter struct {
	agentID string
}

func (r *fakeRestarter) RestartAgent(ctx context.Context, agentID string) error {
	r.agentID = agentID
	return nil
}

type fakeNotifier struct {
	severity, title, body, correlationID string
}

func (n *fakeNotifier) Notify(ctx context.Context, severity, title, body, correlationID string) {
	n.severity, n.title, n.body, n.correlationID = severity, title, body, correlationID
}

type fakeSubmitter struct {
	task *v1.Task
	err  error
}

func (s *fakeSubmitter) Submit(ctx context.Context, task *v1.Task) (string, error) {
	s.task = task
	return "t-1", s.err
}

type fakeReverter struct {
	agentID, reason string
}

func (r *fakeReverter) RevertLatest(ctx context.Context, agentID, reason string) error {
	r.agentID = agentID
	r.reason = reason
	return nil
}

func TestConfigUpdateHandlerPatchesAgent(t *testing.T) {
	patcher := &fakePatcher{}
	h := ConfigUpdateHandler(patcher, nil)

	action := v1.Action{Type: v1.ActionConfigUpdate, Params: map[string]interface{}{
		"agent_id":   "coder-1",
		"timeout_ms": float64(90000),
	}}
	result, err := h(context.Background(), action, &v1.Event{ID: "e1"})
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if !result.OK || result.SideEffects["config_version"] != int64(7) {
		t.Errorf("result = %+v", result)
	}
	if patcher.agentID != "coder-1" {
		t.Errorf("agentID = %q", patcher.agentID)
	}
	if _, ok := patcher.fields["agent_id"]; ok {
		t.Error("agent_id should be stripped from the patch fields")
	}
	if patcher.fields["timeout_ms"] != float64(90000) {
		t.Errorf("fields = %v", patcher.fields)
	}
}

func TestConfigUpdateHandlerRuntimeSettings(t *testing.T) {
	settings := &fakeSettings{}
	h := ConfigUpdateHandler(nil, settings)

	action := v1.Action{Params: map[string]interface{}{"heartbeat_interval": "10s"}}
	if _, err := h(context.Background(), action, &v1.Event{}); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if settings.applied["heartbeat_interval"] != "10s" {
		t.Errorf("applied = %v", settings.applied)
	}
}

func TestConfigUpdateHandlerRejectsEmptyParams(t *testing.T) {
	h := ConfigUpdateHandler(&fakePatcher{}, nil)
	if _, err := h(context.Background(), v1.Action{}, &v1.Event{}); err == nil {
		t.Error("empty params should fail")
	}
	bad := v1.Action{Params: map[string]interface{}{"agent_id": 42}}
	if _, err := h(context.Background(), bad, &v1.Event{}); err == nil {
		t.Error("non-string agent_id should fail")
	}
}

func TestAgentRestartHandlerFallsBackToEventAgent(t *testing.T) {
	restarter := &fakeRestarter{}
	h := AgentRestartHandler(restarter)

	if _, err := h(context.Background(), v1.Action{}, &v1.Event{AgentID: "coder-2"}); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if restarter.agentID != "coder-2" {
		t.Errorf("agentID = %q, want the event's agent", restarter.agentID)
	}

	if _, err := h(context.Background(), v1.Action{}, &v1.Event{}); err == nil {
		t.Error("no agent anywhere should fail")
	}
}

func TestNotifyHandlerDefaults(t *testing.T) {
	notifier := &fakeNotifier{}
	h := NotifyHandler(notifier)

	if _, err := h(context.Background(), v1.Action{}, &v1.Event{ID: "e9"}); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if notifier.severity != string(v1.SeverityWarning) {
		t.Errorf("severity = %q, want the warning default", notifier.severity)
	}
	if notifier.title == "" || notifier.correlationID != "e9" {
		t.Errorf("notification = %+v", notifier)
	}
}

func TestExecCommandHandlerAllowlist(t *testing.T) {
	h := ExecCommandHandler([]string{"echo"})

	result, err := h(context.Background(), v1.Action{Params: map[string]interface{}{
		"command": "echo hello",
	}}, &v1.Event{})
	if err != nil {
		t.Fatalf("allowlisted command failed: %v", err)
	}
	if result.Detail != "hello" {
		t.Errorf("detail = %q", result.Detail)
	}

	if _, err := h(context.Background(), v1.Action{Params: map[string]interface{}{
		"command": "rm -rf /tmp/x",
	}}, &v1.Event{}); err == nil {
		t.Error("non-allowlisted command should be refused")
	}
	if _, err := h(context.Background(), v1.Action{}, &v1.Event{}); err == nil {
		t.Error("missing command should fail")
	}

	disabled := ExecCommandHandler(nil)
	if _, err := disabled(context.Background(), v1.Action{Params: map[string]interface{}{
		"command": "echo hi",
	}}, &v1.Event{}); err == nil {
		t.Error("empty allowlist should disable the action")
	}
}

func TestSchedulerEnqueueHandler(t *testing.T) {
	submitter := &fakeSubmitter{}
	h := SchedulerEnqueueHandler(submitter)

	action := v1.Action{Params: map[string]interface{}{
		"type":        "code.fix",
		"description": "restart fallout cleanup",
		"priority":    float64(0),
	}}
	result, err := h(context.Background(), action, &v1.Event{ID: "e3"})
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if result.SideEffects["task_id"] != "t-1" {
		t.Errorf("result = %+v", result)
	}
	if submitter.task.Type != "code.fix" || submitter.task.Priority != v1.PriorityCritical {
		t.Errorf("task = %+v", submitter.task)
	}
	if submitter.task.Metadata["event_id"] != "e3" {
		t.Errorf("metadata = %v", submitter.task.Metadata)
	}

	if _, err := h(context.Background(), v1.Action{}, &v1.Event{}); err == nil {
		t.Error("missing type should fail")
	}
}

func TestSchedulerEnqueueHandlerDefaultPriority(t *testing.T) {
	submitter := &fakeSubmitter{}
	h := SchedulerEnqueueHandler(submitter)

	action := v1.Action{Params: map[string]interface{}{"type": "code.fix"}}
	if _, err := h(context.Background(), action, &v1.Event{}); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if submitter.task.Priority != v1.PriorityHigh {
		t.Errorf("priority = %v, want high default", submitter.task.Priority)
	}
}

func TestRollbackTriggerHandler(t *testing.T) {
	reverter := &fakeReverter{}
	h := RollbackTriggerHandler(reverter)

	action := v1.Action{Params: map[string]interface{}{"agent_id": "coder-1"}}
	if _, err := h(context.Background(), action, &v1.Event{Type: "alert.regression"}); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if reverter.agentID != "coder-1" {
		t.Errorf("agentID = %q", reverter.agentID)
	}
	if reverter.reason != "playbook alert.regression" {
		t.Errorf("reason = %q", reverter.reason)
	}

	if _, err := h(context.Background(), v1.Action{}, &v1.Event{}); err == nil {
		t.Error("no agent anywhere should fail")
	}
}
