package v1

// Trace is the recorded outcome of a single task-attempt on one agent.
// Exactly one trace is written per attempt; ErrorSignature is set iff the
// attempt failed.
type Trace struct {
	TraceID        string                 `json:"trace_id"`
	AgentID        string                 `json:"agent_id"`
	TaskID         string                 `json:"task_id"`
	TaskType       string                 `json:"task_type"`
	Attempt        int                    `json:"attempt"`
	StartedAtMS    int64                  `json:"started_at_ms"`
	EndedAtMS      int64                  `json:"ended_at_ms"`
	Success        bool                   `json:"success"`
	DurationMS     int64                  `json:"duration_ms"`
	ErrorSignature string                 `json:"error_signature,omitempty"`
	Env            Env                    `json:"env"`
	Context        map[string]interface{} `json:"context,omitempty"`
}
