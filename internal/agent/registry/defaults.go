package registry

import v1 "github.com/aios/aios/pkg/api/v1"

// DefaultAgents returns the built-in agent fleet registered on first start.
// The coder agent doubles as the router's generic fallback.
func DefaultAgents() []*v1.Agent {
	return []*v1.Agent{
		{
			ID:            "coder",
			RoleName:      "Coding Agent",
			TaskTypes:     []string{v1.TaskTypeCode, v1.TaskTypeFix, v1.TaskTypeTest},
			ModelID:       "default-coder",
			ThinkingLevel: v1.ThinkingMedium,
			TimeoutMS:     300_000,
			SystemPrompt:  "You are an autonomous coding agent. Implement the requested change and verify it.",
			Keywords:      []string{"code", "implement", "bug", "compile", "refactor", "test"},
			MaxConcurrent: 2,
			Env:           v1.EnvProd,
		},
		{
			ID:            "reviewer",
			RoleName:      "Review Agent",
			TaskTypes:     []string{v1.TaskTypeReview},
			ModelID:       "default-reviewer",
			ThinkingLevel: v1.ThinkingHigh,
			TimeoutMS:     180_000,
			SystemPrompt:  "You review code changes for correctness, style and risk.",
			Keywords:      []string{"review", "diff", "pull", "approve"},
			MaxConcurrent: 2,
			Env:           v1.EnvProd,
		},
		{
			ID:            "analyst",
			RoleName:      "Analysis Agent",
			TaskTypes:     []string{v1.TaskTypeAnalysis, v1.TaskTypeResearch},
			ModelID:       "default-analyst",
			ThinkingLevel: v1.ThinkingHigh,
			TimeoutMS:     240_000,
			SystemPrompt:  "You analyze data, traces and documents and report findings.",
			Keywords:      []string{"analyze", "investigate", "research", "summarize", "report"},
			MaxConcurrent: 2,
			Env:           v1.EnvProd,
		},
		{
			ID:            "monitor",
			RoleName:      "Monitoring Agent",
			TaskTypes:     []string{v1.TaskTypeMonitor},
			ModelID:       "default-monitor",
			ThinkingLevel: v1.ThinkingLow,
			TimeoutMS:     120_000,
			SystemPrompt:  "You check the health of watched applications and raise alerts.",
			Keywords:      []string{"monitor", "health", "uptime", "alert", "watch"},
			MaxConcurrent: 1,
			Critical:      true,
			Env:           v1.EnvProd,
		},
		{
			ID:            "designer",
			RoleName:      "Design Agent",
			TaskTypes:     []string{v1.TaskTypeDesign},
			ModelID:       "default-designer",
			ThinkingLevel: v1.ThinkingHigh,
			TimeoutMS:     300_000,
			SystemPrompt:  "You produce designs and plans for requested systems or changes.",
			Keywords:      []string{"design", "architecture", "plan", "sketch"},
			MaxConcurrent: 1,
			Env:           v1.EnvProd,
		},
	}
}
