package api

// SubmitTaskRequest submits one task to the scheduler.
type SubmitTaskRequest struct {
	Type            string                 `json:"type" binding:"required"`
	Description     string                 `json:"description"`
	Priority        *int                   `json:"priority,omitempty"`
	DeadlineMS      int64                  `json:"deadline_ms,omitempty"`
	Dependencies    []string               `json:"dependencies,omitempty"`
	MaxRetries      *int                   `json:"max_retries,omitempty"`
	TimeoutMS       int64                  `json:"timeout_ms,omitempty"`
	AssignedAgentID string                 `json:"assigned_agent_id,omitempty"`
	Env             string                 `json:"env,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// SubmitPlanRequest decomposes a description and submits the subtasks.
type SubmitPlanRequest struct {
	Description string `json:"description" binding:"required"`
	Strategy    string `json:"strategy,omitempty"`
	Priority    *int   `json:"priority,omitempty"`
}

// UpdateAgentRequest is a partial agent config update. Nil fields are left
// unchanged.
type UpdateAgentRequest struct {
	ModelID         *string  `json:"model_id,omitempty"`
	ThinkingLevel   *string  `json:"thinking_level,omitempty"`
	TimeoutMS       *int64   `json:"timeout_ms,omitempty"`
	SystemPrompt    *string  `json:"system_prompt,omitempty"`
	MaxConcurrent   *int     `json:"max_concurrent,omitempty"`
	TaskTypes       []string `json:"task_types,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	ToolPermissions []string `json:"tool_permissions,omitempty"`
	Critical        *bool    `json:"critical,omitempty"`
}

// RollbackRequest reverts an agent's config.
type RollbackRequest struct {
	Version int64  `json:"version,omitempty"` // 0 means latest snapshot
	Reason  string `json:"reason,omitempty"`
}

// RejectProposalRequest rejects a gated proposal.
type RejectProposalRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TriggerPlaybookRequest fires a playbook by hand against a synthetic event.
type TriggerPlaybookRequest struct {
	EventType string                 `json:"event_type,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// TaskAcceptedResponse acknowledges a submitted task.
type TaskAcceptedResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// ListResponse wraps a collection with its total.
type ListResponse struct {
	Items interface{} `json:"items"`
	Total int         `json:"total"`
}
