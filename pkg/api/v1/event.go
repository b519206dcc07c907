package v1

// Severity classifies an event for delivery and backpressure decisions.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering of a severity, higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityDebug:
		return 0
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 1
	}
}

// Event is an immutable record on the bus. Events are stamped with an ID and
// timestamp at emit time and persisted before fanout when durable.
type Event struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	TimestampMS int64                  `json:"timestamp_ms"`
	Severity    Severity               `json:"severity,omitempty"`
	Durable     bool                   `json:"durable,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	TaskID      string                 `json:"task_id,omitempty"`
	AgentID     string                 `json:"agent_id,omitempty"`
	TraceID     string                 `json:"trace_id,omitempty"`
}

// Clone returns a shallow copy with its own payload map so subscribers cannot
// mutate the emitter's view.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
