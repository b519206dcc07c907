package reactor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	v1 "github.com/aios/aios/pkg/api/v1"
)

// AgentPatcher applies a config patch to an agent. Implemented by the
// registry (through a thin adapter that builds the typed patch).
type AgentPatcher interface {
	PatchAgent(ctx context.Context, agentID string, fields map[string]interface{}) (int64, error)
}

// SettingApplier mutates a named runtime setting (heartbeat_interval, ...).
type SettingApplier interface {
	ApplySetting(key string, value interface{}) error
}

// AgentRestarter restarts an agent's execution state.
type AgentRestarter interface {
	RestartAgent(ctx context.Context, agentID string) error
}

// Notifier delivers operator notifications. Failures are swallowed by the
// notify package itself.
type Notifier interface {
	Notify(ctx context.Context, severity, title, body, correlationID string)
}

// TaskSubmitter enqueues a task. Implemented by the scheduler.
type TaskSubmitter interface {
	Submit(ctx context.Context, task *v1.Task) (string, error)
}

// RollbackTrigger reverts an agent to its latest snapshot.
type RollbackTrigger interface {
	RevertLatest(ctx context.Context, agentID, reason string) error
}

// ConfigUpdateHandler builds the config.update action handler. Params with
// an agent_id patch that agent; all other params are runtime settings.
func ConfigUpdateHandler(patcher AgentPatcher, settings SettingApplier) ActionHandler {
	return func(ctx context.Context, action v1.Action, event *v1.Event) (*ActionResult, error) {
		params := action.Params
		if len(params) == 0 {
			return nil, fmt.Errorf("config.update requires params")
		}
		if rawID, ok := params["agent_id"]; ok {
			agentID, _ := rawID.(string)
			if agentID == "" {
				return nil, fmt.Errorf("config.update: agent_id must be a string")
			}
			fields := make(map[string]interface{}, len(params))
			for k, v := range params {
				if k != "agent_id" {
					fields[k] = v
				}
			}
			version, err := patcher.PatchAgent(ctx, agentID, fields)
			if err != nil {
				return nil, err
			}
			return &ActionResult{OK: true, SideEffects: map[string]interface{}{
				"agent_id":       agentID,
				"config_version": version,
			}}, nil
		}
		if settings == nil {
			return nil, fmt.Errorf("config.update: no runtime setting target wired")
		}
		for k, v := range params {
			if err := settings.ApplySetting(k, v); err != nil {
				return nil, fmt.Errorf("apply setting %q: %w", k, err)
			}
		}
		return &ActionResult{OK: true}, nil
	}
}

// AgentRestartHandler builds the agent.restart action handler.
func AgentRestartHandler(restarter AgentRestarter) ActionHandler {
	return func(ctx context.Context, action v1.Action, event *v1.Event) (*ActionResult, error) {
		agentID, _ := action.Params["agent_id"].(string)
		if agentID == "" {
			agentID = event.AgentID
		}
		if agentID == "" {
			return nil, fmt.Errorf("agent.restart: no agent_id in params or event")
		}
		if err := restarter.RestartAgent(ctx, agentID); err != nil {
			return nil, err
		}
		return &ActionResult{OK: true, SideEffects: map[string]interface{}{"agent_id": agentID}}, nil
	}
}

// NotifyHandler builds the notify action handler.
func NotifyHandler(notifier Notifier) ActionHandler {
	return func(ctx context.Context, action v1.Action, event *v1.Event) (*ActionResult, error) {
		severity, _ := action.Params["severity"].(string)
		if severity == "" {
			severity = string(v1.SeverityWarning)
		}
		title, _ := action.Params["title"].(string)
		if title == "" {
			title = "playbook notification"
		}
		body, _ := action.Params["body"].(string)
		notifier.Notify(ctx, severity, title, body, event.ID)
		return &ActionResult{OK: true}, nil
	}
}

// ExecCommandHandler builds the exec.command action handler. Only commands
// whose argv[0] is in the allowlist run; an empty allowlist disables the
// action entirely.
func ExecCommandHandler(allowlist []string) ActionHandler {
	allowed := make(map[string]bool, len(allowlist))
	for _, cmd := range allowlist {
		allowed[cmd] = true
	}
	return func(ctx context.Context, action v1.Action, event *v1.Event) (*ActionResult, error) {
		raw, _ := action.Params["command"].(string)
		argv := strings.Fields(raw)
		if len(argv) == 0 {
			return nil, fmt.Errorf("exec.command requires a command param")
		}
		if !allowed[argv[0]] {
			return nil, fmt.Errorf("exec.command: %q is not allowlisted", argv[0])
		}
		out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("exec.command %q: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
		}
		return &ActionResult{OK: true, Detail: strings.TrimSpace(string(out))}, nil
	}
}

// SchedulerEnqueueHandler builds the scheduler.enqueue action handler.
func SchedulerEnqueueHandler(submitter TaskSubmitter) ActionHandler {
	return func(ctx context.Context, action v1.Action, event *v1.Event) (*ActionResult, error) {
		taskType, _ := action.Params["type"].(string)
		if taskType == "" {
			return nil, fmt.Errorf("scheduler.enqueue requires a type param")
		}
		description, _ := action.Params["description"].(string)
		task := &v1.Task{
			Type:        taskType,
			Description: description,
			Priority:    v1.PriorityHigh,
			Metadata: map[string]interface{}{
				"origin":   "reactor",
				"event_id": event.ID,
			},
		}
		if p, ok := action.Params["priority"].(float64); ok && v1.Priority(int(p)).Valid() {
			task.Priority = v1.Priority(int(p))
		}
		id, err := submitter.Submit(ctx, task)
		if err != nil {
			return nil, err
		}
		return &ActionResult{OK: true, SideEffects: map[string]interface{}{"task_id": id}}, nil
	}
}

// RollbackTriggerHandler builds the rollback.trigger action handler.
func RollbackTriggerHandler(trigger RollbackTrigger) ActionHandler {
	return func(ctx context.Context, action v1.Action, event *v1.Event) (*ActionResult, error) {
		agentID, _ := action.Params["agent_id"].(string)
		if agentID == "" {
			agentID = event.AgentID
		}
		if agentID == "" {
			return nil, fmt.Errorf("rollback.trigger: no agent_id in params or event")
		}
		reason, _ := action.Params["reason"].(string)
		if reason == "" {
			reason = "playbook " + event.Type
		}
		if err := trigger.RevertLatest(ctx, agentID, reason); err != nil {
			return nil, err
		}
		return &ActionResult{OK: true, SideEffects: map[string]interface{}{"agent_id": agentID}}, nil
	}
}
