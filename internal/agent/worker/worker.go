// Package worker implements the agent-worker boundary. The runtime never
// calls a model API itself; ExecWorker launches a configured command per
// attempt and reads the result from its stdout.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/orchestrator/dispatcher"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// ExecWorker runs one process per attempt. The task is written to stdin as
// JSON; the agent config travels in AIOS_* environment variables. The last
// stdout line is parsed as an ExecutionResult; a bare exit 0 with no JSON
// counts as success with the raw stdout as output.
type ExecWorker struct {
	command []string
	log     *logger.Logger
}

// NewExecWorker creates a worker running the given command line.
func NewExecWorker(command string, log *logger.Logger) (*ExecWorker, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	return &ExecWorker{
		command: argv,
		log:     log.WithFields(zap.String("component", "exec-worker")),
	}, nil
}

// Execute implements dispatcher.Worker.
func (w *ExecWorker) Execute(ctx context.Context, agent *v1.Agent, task *v1.Task) (*dispatcher.ExecutionResult, error) {
	input, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	cmd := exec.CommandContext(ctx, w.command[0], w.command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(),
		"AIOS_AGENT_ID="+agent.ID,
		"AIOS_AGENT_ROLE="+agent.RoleName,
		"AIOS_MODEL_ID="+agent.ModelID,
		"AIOS_THINKING_LEVEL="+string(agent.ThinkingLevel),
		"AIOS_SYSTEM_PROMPT="+agent.SystemPrompt,
		"AIOS_TOOL_PERMISSIONS="+strings.Join(agent.ToolPermissions, ","),
		"AIOS_TASK_ID="+task.ID,
		"AIOS_TASK_TYPE="+task.Type,
		"AIOS_ATTEMPT="+strconv.Itoa(task.Attempt),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if result := parseResult(stdout.Bytes()); result != nil {
		result.DurationMS = duration.Milliseconds()
		return result, nil
	}

	if runErr != nil {
		w.log.Warn("worker process failed",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agent.ID),
			zap.Error(runErr))
		return &dispatcher.ExecutionResult{
			Success:     false,
			DurationMS:  duration.Milliseconds(),
			ErrorKind:   "runtime_error:process",
			ErrorDetail: firstLine(stderr.String(), runErr.Error()),
		}, nil
	}

	return &dispatcher.ExecutionResult{
		Success:    true,
		DurationMS: duration.Milliseconds(),
		Output:     map[string]interface{}{"stdout": stdout.String()},
	}, nil
}

// parseResult tries the last non-empty stdout line as a JSON result.
func parseResult(out []byte) *dispatcher.ExecutionResult {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var result dispatcher.ExecutionResult
		if err := json.Unmarshal(line, &result); err == nil {
			return &result
		}
		return nil
	}
	return nil
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}

// SimWorker is the development worker used when no command is configured. It
// sleeps briefly and succeeds, unless the task metadata scripts a failure
// ("fail_with": signature detail).
type SimWorker struct {
	Delay time.Duration
}

// Execute implements dispatcher.Worker.
func (s *SimWorker) Execute(ctx context.Context, _ *v1.Agent, task *v1.Task) (*dispatcher.ExecutionResult, error) {
	delay := s.Delay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}

	if kind, ok := task.Metadata["fail_with"].(string); ok && kind != "" {
		return &dispatcher.ExecutionResult{
			Success:     false,
			DurationMS:  delay.Milliseconds(),
			ErrorKind:   kind,
			ErrorDetail: "scripted failure",
		}, nil
	}
	return &dispatcher.ExecutionResult{
		Success:    true,
		DurationMS: delay.Milliseconds(),
		Output:     map[string]interface{}{"echo": task.Description},
	}, nil
}
