package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aios/aios/internal/agent/registry"
	"github.com/aios/aios/internal/breaker"
	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events/bus"
	"github.com/aios/aios/internal/events/store"
	"github.com/aios/aios/internal/heartbeat"
	"github.com/aios/aios/internal/improve"
	"github.com/aios/aios/internal/improve/gates"
	"github.com/aios/aios/internal/improve/rollback"
	"github.com/aios/aios/internal/orchestrator/planner"
	"github.com/aios/aios/internal/orchestrator/scheduler"
	"github.com/aios/aios/internal/playbook"
	"github.com/aios/aios/internal/reactor"
	"github.com/aios/aios/internal/trace"
	v1 "github.com/aios/aios/pkg/api/v1"
)

type routeToFirst struct{ reg *registry.Registry }

func (r routeToFirst) Route(task *v1.Task) (*v1.Agent, error) {
	return r.reg.Get("coder-1")
}

type dispatchOK struct{}

func (dispatchOK) Dispatch(ctx context.Context, task *v1.Task, agent *v1.Agent) (*v1.Trace, error) {
	return &v1.Trace{TaskID: task.ID, AgentID: agent.ID, Success: true, DurationMS: 5}, nil
}

type apiFixture struct {
	engine   *gin.Engine
	registry *registry.Registry
	store    *store.Store
	notified *int
	mu       *sync.Mutex
}

func newTestAPI(t *testing.T) *apiFixture {
	return newTestAPIOn(t, store.StreamEvents)
}

// newTestAPIOn wires the full stack with the given durable-event stream,
// mirroring how the core picks test_events in the test environment.
func newTestAPIOn(t *testing.T, eventStream string) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewFake(time.Unix(1700000000, 0))
	log := logger.NewNop()

	st, err := store.Open(t.TempDir(), store.Options{}, log)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eventBus := bus.NewInProcessBus(nil, clk, bus.Options{}, log)
	t.Cleanup(eventBus.Close)

	reg := registry.NewRegistry(nil, nil, clk, t.TempDir(), log)
	rb := rollback.New(nil, reg, nil, clk, rollback.Thresholds{}, log)
	reg.SetSnapshotSink(rb)
	if err := reg.Register(&v1.Agent{ID: "coder-1", ModelID: "model-a", TimeoutMS: 60000}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	rec := trace.NewRecorder(st, nil, nil, clk, log)
	sched := scheduler.New(scheduler.Config{}, routeToFirst{reg}, dispatchOK{}, nil, eventBus, nil, clk, log)
	t.Cleanup(sched.Stop)
	pl := planner.New(nil, clk, log)

	lib, err := playbook.Load([]v1.Playbook{{
		ID:        "restart-workers",
		Trigger:   "alert.*",
		RiskClass: v1.RiskLow,
		Actions:   []v1.Action{{Type: v1.ActionNotify}},
	}}, log)
	if err != nil {
		t.Fatalf("Load playbooks failed: %v", err)
	}
	brk := breaker.New(breaker.Config{}, clk, nil, log)
	rc := reactor.New(lib, brk, nil, eventBus, nil, clk, log)

	var mu sync.Mutex
	notified := 0
	rc.RegisterHandler(v1.ActionNotify, func(ctx context.Context, action v1.Action, event *v1.Event) (*reactor.ActionResult, error) {
		mu.Lock()
		notified++
		mu.Unlock()
		return &reactor.ActionResult{OK: true}, nil
	})

	loop := improve.New(improve.Config{}, rec, reg, gates.New(nil, 20, log), rb, nil, nil, clk, log)
	hb := heartbeat.New(heartbeat.Config{Interval: time.Hour}, sched, nil, nil, nil, clk, log)

	handler := NewHandler(sched, pl, reg, rb, rec, lib, rc, loop, hb, st, eventStream, log)
	engine := gin.New()
	SetupRoutes(engine.Group("/api/v1"), handler)

	return &apiFixture{engine: engine, registry: reg, store: st, notified: &notified, mu: &mu}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	f := newTestAPI(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", gin.H{"type": "code.build", "description": "build it"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var accepted TaskAcceptedResponse
	decode(t, rec, &accepted)
	if accepted.TaskID == "" {
		t.Fatal("no task id in response")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+accepted.TaskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var task v1.Task
	decode(t, rec, &task)
	if task.ID != accepted.TaskID || task.Type != "code.build" {
		t.Errorf("task = %+v", task)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	f := newTestAPI(t)
	if rec := f.do(t, http.MethodPost, "/api/v1/tasks", gin.H{"description": "no type"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing type: status = %d, want 400", rec.Code)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	f := newTestAPI(t)
	if rec := f.do(t, http.MethodGet, "/api/v1/tasks/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	f := newTestAPI(t)
	if rec := f.do(t, http.MethodDelete, "/api/v1/tasks/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestQueueStatus(t *testing.T) {
	f := newTestAPI(t)
	rec := f.do(t, http.MethodGet, "/api/v1/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status v1.QueueStatus
	decode(t, rec, &status)
	if status.Workers <= 0 {
		t.Errorf("status = %+v, want worker count from defaults", status)
	}
}

func TestSubmitPlan(t *testing.T) {
	f := newTestAPI(t)
	rec := f.do(t, http.MethodPost, "/api/v1/plans", gin.H{"description": "update the docs; bump the version"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var plan v1.Plan
	decode(t, rec, &plan)
	if len(plan.Subtasks) != 2 {
		t.Errorf("plan = %+v, want 2 subtasks", plan)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/plans", gin.H{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing description: status = %d, want 400", rec.Code)
	}
}

func TestAgentEndpoints(t *testing.T) {
	f := newTestAPI(t)

	rec := f.do(t, http.MethodGet, "/api/v1/agents", nil)
	var list struct {
		Items []*v1.Agent `json:"items"`
		Total int         `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 1 || list.Items[0].ID != "coder-1" {
		t.Errorf("agents = %+v", list)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/agents/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent: status = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodPatch, "/api/v1/agents/coder-1", gin.H{"model_id": "model-b"})
	if rec.Code != http.StatusOK {
		t.Fatalf("PATCH status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var agent v1.Agent
	decode(t, rec, &agent)
	if agent.ModelID != "model-b" || agent.ConfigVersion != 2 {
		t.Errorf("agent = %+v", agent)
	}
}

func TestAgentRollback(t *testing.T) {
	f := newTestAPI(t)
	if rec := f.do(t, http.MethodPatch, "/api/v1/agents/coder-1", gin.H{"model_id": "model-b"}); rec.Code != http.StatusOK {
		t.Fatalf("PATCH status = %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/agents/coder-1/history", nil)
	var history struct {
		Total int `json:"total"`
	}
	decode(t, rec, &history)
	if history.Total != 1 {
		t.Errorf("history total = %d, want 1 snapshot after the update", history.Total)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/agents/coder-1/rollback", gin.H{"reason": "bad model"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var agent v1.Agent
	decode(t, rec, &agent)
	if agent.ModelID != "model-a" {
		t.Errorf("ModelID = %q, want model-a restored", agent.ModelID)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/agents/ghost/rollback", nil); rec.Code != http.StatusNotFound {
		t.Errorf("rollback unknown agent: status = %d, want 404", rec.Code)
	}
}

func TestListTraces(t *testing.T) {
	f := newTestAPI(t)
	for _, tr := range []v1.Trace{
		{TraceID: "tr1", AgentID: "coder-1", Env: v1.EnvProd, Success: true},
		{TraceID: "tr2", AgentID: "coder-1", Env: v1.EnvProd, Success: false},
		{TraceID: "tr3", AgentID: "other", Env: v1.EnvProd, Success: true},
	} {
		if _, err := f.store.Append(store.StreamTraces, tr); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	rec := f.do(t, http.MethodGet, "/api/v1/traces?agent_id=coder-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list struct {
		Total int `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 2 {
		t.Errorf("traces = %d, want 2 for coder-1", list.Total)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/traces?since_ms=abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad since_ms: status = %d, want 400", rec.Code)
	}
}

func TestRecentEventsFilter(t *testing.T) {
	f := newTestAPI(t)
	for _, ev := range []v1.Event{
		{ID: "e1", Type: "task.submitted"},
		{ID: "e2", Type: "breaker.opened"},
		{ID: "e3", Type: "task.failed"},
	} {
		if _, err := f.store.Append(store.StreamEvents, ev); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	rec := f.do(t, http.MethodGet, "/api/v1/events?types=breaker.*", nil)
	var list struct {
		Items []*v1.Event `json:"items"`
		Total int         `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 1 || list.Items[0].Type != "breaker.opened" {
		t.Errorf("events = %+v", list)
	}

	// No filter: newest first.
	rec = f.do(t, http.MethodGet, "/api/v1/events", nil)
	decode(t, rec, &list)
	if list.Total != 3 || list.Items[0].ID != "e3" {
		t.Errorf("events = %+v, want all three newest first", list)
	}
}

func TestRecentEventsReadsConfiguredStream(t *testing.T) {
	// In the test environment durable events land in test_events; the
	// endpoint must read the same stream the bus writes to.
	f := newTestAPIOn(t, store.StreamTestEvents)
	if _, err := f.store.Append(store.StreamEvents, v1.Event{ID: "e-prod", Type: "task.submitted"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := f.store.Append(store.StreamTestEvents, v1.Event{ID: "e-test", Type: "task.submitted"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/events", nil)
	var list struct {
		Items []*v1.Event `json:"items"`
		Total int         `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 1 || list.Items[0].ID != "e-test" {
		t.Errorf("events = %+v, want only the test_events entry", list)
	}
}

func TestPlaybookEndpoints(t *testing.T) {
	f := newTestAPI(t)

	rec := f.do(t, http.MethodGet, "/api/v1/playbooks", nil)
	var list struct {
		Total int `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 1 {
		t.Errorf("playbooks = %d, want 1", list.Total)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/playbooks/restart-workers/trigger", gin.H{"event_type": "alert.manual"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger status = %d, body = %s", rec.Code, rec.Body.String())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if *f.notified != 1 {
		t.Errorf("notify actions = %d, want 1", *f.notified)
	}
}

func TestProposalEndpoints(t *testing.T) {
	f := newTestAPI(t)

	rec := f.do(t, http.MethodGet, "/api/v1/proposals", nil)
	var list struct {
		Total int `json:"total"`
	}
	decode(t, rec, &list)
	if rec.Code != http.StatusOK || list.Total != 0 {
		t.Errorf("proposals = %d (status %d), want empty", list.Total, rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/proposals/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown proposal: status = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/proposals/ghost/approve", nil); rec.Code != http.StatusNotFound {
		t.Errorf("approve unknown: status = %d, want 404", rec.Code)
	}
}

func TestSystemHealthAndHeartbeat(t *testing.T) {
	f := newTestAPI(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health v1.SystemHealth
	decode(t, rec, &health)
	if !health.Healthy {
		t.Errorf("health = %+v, want healthy", health)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/heartbeat/tick", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tick status = %d", rec.Code)
	}
	var tick struct {
		IntervalMS int64 `json:"interval_ms"`
	}
	decode(t, rec, &tick)
	if tick.IntervalMS != 3600000 {
		t.Errorf("interval_ms = %d, want 3600000", tick.IntervalMS)
	}
}
