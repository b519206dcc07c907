package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/aios/aios/internal/agent/registry"
	"github.com/aios/aios/internal/breaker"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// registryPatcher adapts the registry to the reactor's AgentPatcher: it
// turns a loose params map into a typed patch.
type registryPatcher struct {
	reg *registry.Registry
}

func (p *registryPatcher) PatchAgent(ctx context.Context, agentID string, fields map[string]interface{}) (int64, error) {
	patch := &registry.Patch{}
	for field, value := range fields {
		switch field {
		case "model_id":
			s, ok := value.(string)
			if !ok {
				return 0, fmt.Errorf("model_id must be a string")
			}
			patch.ModelID = &s
		case "thinking_level":
			s, _ := value.(string)
			level := v1.ThinkingLevel(s)
			if !level.Valid() {
				return 0, fmt.Errorf("invalid thinking_level %q", s)
			}
			patch.ThinkingLevel = &level
		case "timeout_ms":
			ms, ok := toInt64(value)
			if !ok {
				return 0, fmt.Errorf("timeout_ms must be a number")
			}
			patch.TimeoutMS = &ms
		case "system_prompt":
			s, ok := value.(string)
			if !ok {
				return 0, fmt.Errorf("system_prompt must be a string")
			}
			patch.SystemPrompt = &s
		case "max_concurrent":
			n, ok := toInt64(value)
			if !ok {
				return 0, fmt.Errorf("max_concurrent must be a number")
			}
			v := int(n)
			patch.MaxConcurrent = &v
		default:
			return 0, fmt.Errorf("field %q is not patchable", field)
		}
	}
	return p.reg.Update(ctx, agentID, patch)
}

// agentRestarter implements the reactor's agent.restart action: it clears
// every breaker key belonging to the agent so routing resumes cleanly.
type agentRestarter struct {
	reg *registry.Registry
	brk *breaker.Breaker
}

func (r *agentRestarter) RestartAgent(_ context.Context, agentID string) error {
	agent, err := r.reg.Get(agentID)
	if err != nil {
		return err
	}
	for _, info := range r.brk.Snapshot() {
		if strings.HasPrefix(info.Key, agentID+"|") || info.Key == agentID {
			r.brk.Reset(info.Key)
		}
	}
	for _, taskType := range agent.TaskTypes {
		r.brk.Reset(breaker.Key(agentID, taskType))
	}
	return nil
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
