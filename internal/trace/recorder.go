// Package trace records one structured execution record per task attempt,
// classifies failures into stable signatures, and maintains bounded
// per-(agent, task type) duration windows for adaptive timeouts.
package trace

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	"github.com/aios/aios/internal/events/store"
	v1 "github.com/aios/aios/pkg/api/v1"
)

const (
	// windowSize is how many recent attempts feed the p95 estimate.
	windowSize = 64
	// maxWindows bounds the number of live (agent, task type) windows.
	maxWindows = 256
)

// StatsSink receives per-attempt outcomes. Implemented by the registry.
type StatsSink interface {
	RecordOutcome(agentID string, success bool, durationMS int64)
}

type activeTrace struct {
	trace *v1.Trace
	start time.Time
}

type window struct {
	mu      sync.Mutex
	samples []sample // ring, newest appended
}

type sample struct {
	success    bool
	durationMS int64
}

// Recorder writes traces and serves duration statistics.
type Recorder struct {
	store *store.Store
	bus   bus.EventBus
	stats StatsSink
	clk   clock.Clock
	log   *logger.Logger

	mu      sync.Mutex
	active  map[string]*activeTrace
	windows *lru.Cache[string, *window]
}

// NewRecorder creates a recorder. store, bus and stats may be nil in tests.
func NewRecorder(st *store.Store, eventBus bus.EventBus, stats StatsSink, clk clock.Clock, log *logger.Logger) *Recorder {
	windows, _ := lru.New[string, *window](maxWindows)
	return &Recorder{
		store:   st,
		bus:     eventBus,
		stats:   stats,
		clk:     clk,
		log:     log.WithFields(zap.String("component", "trace-recorder")),
		active:  make(map[string]*activeTrace),
		windows: windows,
	}
}

// Start opens a trace for one task attempt and returns its id.
func (r *Recorder) Start(task *v1.Task, agent *v1.Agent) string {
	traceID := uuid.New().String()
	now := r.clk.Now()

	tr := &v1.Trace{
		TraceID:     traceID,
		AgentID:     agent.ID,
		TaskID:      task.ID,
		TaskType:    task.Type,
		Attempt:     task.Attempt,
		StartedAtMS: now.UnixMilli(),
		Env:         agent.Env,
		Context: map[string]interface{}{
			"model_id":       agent.ModelID,
			"thinking_level": string(agent.ThinkingLevel),
		},
	}

	r.mu.Lock()
	r.active[traceID] = &activeTrace{trace: tr, start: now}
	r.mu.Unlock()
	return traceID
}

// End closes a trace: computes duration, classifies the error into a stable
// signature, persists the record, updates agent stats and emits the outcome
// event. Test-env traces always carry the test_error signature on failure.
func (r *Recorder) End(ctx context.Context, traceID string, success bool, errKind, errDetail string) (*v1.Trace, error) {
	r.mu.Lock()
	at, ok := r.active[traceID]
	if ok {
		delete(r.active, traceID)
	}
	r.mu.Unlock()
	if !ok {
		return nil, errors.NotFound("trace", traceID)
	}

	tr := at.trace
	tr.EndedAtMS = r.clk.NowMS()
	tr.DurationMS = r.clk.Since(at.start).Milliseconds()
	tr.Success = success
	if !success {
		if tr.Env == v1.EnvTest {
			tr.ErrorSignature = errors.SigTestError
		} else {
			tr.ErrorSignature = errors.Classify(errKind, errDetail)
		}
	}

	r.record(tr)

	if r.store != nil {
		if _, err := r.store.Append(store.StreamTraces, tr); err != nil {
			r.log.Error("failed to persist trace",
				zap.String("trace_id", traceID), zap.Error(err))
		}
	}
	if r.stats != nil {
		r.stats.RecordOutcome(tr.AgentID, success, tr.DurationMS)
	}
	r.emitOutcome(ctx, tr, errDetail)
	return tr, nil
}

func (r *Recorder) emitOutcome(ctx context.Context, tr *v1.Trace, errDetail string) {
	if r.bus == nil {
		return
	}
	eventType := events.AgentTaskSucceeded
	payload := map[string]interface{}{
		"task_type":   tr.TaskType,
		"duration_ms": tr.DurationMS,
		"attempt":     tr.Attempt,
		"env":         string(tr.Env),
	}
	if !tr.Success {
		eventType = events.AgentTaskFailed
		payload["error_signature"] = tr.ErrorSignature
		if errDetail != "" {
			payload["error_detail"] = errDetail
		}
	}
	event := bus.NewEvent(eventType, "trace-recorder", payload)
	event.TaskID = tr.TaskID
	event.AgentID = tr.AgentID
	event.TraceID = tr.TraceID
	if err := r.bus.Publish(ctx, event); err != nil {
		r.log.Error("failed to publish trace outcome", zap.Error(err))
	}
}

func (r *Recorder) record(tr *v1.Trace) {
	key := tr.AgentID + "|" + tr.TaskType
	w, ok := r.windows.Get(key)
	if !ok {
		w = &window{}
		r.windows.Add(key, w)
	}
	w.mu.Lock()
	w.samples = append(w.samples, sample{success: tr.Success, durationMS: tr.DurationMS})
	if len(w.samples) > windowSize {
		w.samples = w.samples[len(w.samples)-windowSize:]
	}
	w.mu.Unlock()
}

// P95SuccessDuration returns the 95th percentile duration over recent
// successful attempts for the key, and the sample count it rests on.
func (r *Recorder) P95SuccessDuration(agentID, taskType string) (time.Duration, int) {
	w, ok := r.windows.Get(agentID + "|" + taskType)
	if !ok {
		return 0, 0
	}
	w.mu.Lock()
	durations := make([]int64, 0, len(w.samples))
	for _, s := range w.samples {
		if s.success {
			durations = append(durations, s.durationMS)
		}
	}
	w.mu.Unlock()
	if len(durations) == 0 {
		return 0, 0
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	idx := (len(durations) * 95) / 100
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	return time.Duration(durations[idx]) * time.Millisecond, len(durations)
}

// Filter selects traces on reads.
type Filter struct {
	AgentID string
	Env     v1.Env
	SinceMS int64
	Limit   int
}

// ReadTraces reads persisted traces matching the filter, oldest first.
func (r *Recorder) ReadTraces(f Filter) ([]*v1.Trace, error) {
	if r.store == nil {
		return nil, nil
	}
	records, err := r.store.ReadAll(store.StreamTraces, store.ReadOptions{
		Limit: f.Limit,
		Filter: func(raw json.RawMessage) bool {
			var tr v1.Trace
			if err := json.Unmarshal(raw, &tr); err != nil {
				return false
			}
			if f.AgentID != "" && tr.AgentID != f.AgentID {
				return false
			}
			if f.Env != "" && tr.Env != f.Env {
				return false
			}
			if f.SinceMS > 0 && tr.EndedAtMS < f.SinceMS {
				return false
			}
			return true
		},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Trace, 0, len(records))
	for _, rec := range records {
		var tr v1.Trace
		if err := rec.Decode(&tr); err != nil {
			continue
		}
		out = append(out, &tr)
	}
	return out, nil
}

// ActiveCount returns how many traces are open. Used by tests and health.
func (r *Recorder) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
