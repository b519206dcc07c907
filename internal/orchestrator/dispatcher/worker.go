package dispatcher

import (
	"context"

	v1 "github.com/aios/aios/pkg/api/v1"
)

// ExecutionResult is the agent-worker's answer for one attempt.
type ExecutionResult struct {
	Success     bool                   `json:"success"`
	DurationMS  int64                  `json:"duration_ms"`
	Output      map[string]interface{} `json:"output,omitempty"`
	ErrorKind   string                 `json:"error_kind,omitempty"`
	ErrorDetail string                 `json:"error_detail,omitempty"`
}

// Worker is the external agent-worker boundary. The runtime never calls a
// model or external API itself; it only calls Execute. The worker is trusted
// to honor ctx cancellation within a bounded grace period.
type Worker interface {
	Execute(ctx context.Context, agent *v1.Agent, task *v1.Task) (*ExecutionResult, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, agent *v1.Agent, task *v1.Task) (*ExecutionResult, error)

// Execute implements Worker.
func (f WorkerFunc) Execute(ctx context.Context, agent *v1.Agent, task *v1.Task) (*ExecutionResult, error) {
	return f(ctx, agent, task)
}
