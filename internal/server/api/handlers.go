package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aios/aios/internal/agent/registry"
	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	"github.com/aios/aios/internal/events/store"
	"github.com/aios/aios/internal/heartbeat"
	"github.com/aios/aios/internal/improve"
	"github.com/aios/aios/internal/improve/rollback"
	"github.com/aios/aios/internal/orchestrator/planner"
	"github.com/aios/aios/internal/orchestrator/scheduler"
	"github.com/aios/aios/internal/playbook"
	"github.com/aios/aios/internal/reactor"
	"github.com/aios/aios/internal/trace"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// Handler contains the HTTP handlers for the control surface.
type Handler struct {
	scheduler *scheduler.Scheduler
	planner   *planner.Planner
	registry  *registry.Registry
	rollback  *rollback.Manager
	recorder  *trace.Recorder
	library   *playbook.Library
	reactor   *reactor.Reactor
	loop      *improve.Loop
	heartbeat *heartbeat.Heartbeat
	store     *store.Store
	// eventStream is the stream the bus persists durable events to;
	// test_events in the test environment.
	eventStream string
	logger      *logger.Logger
}

// NewHandler creates the handler set.
func NewHandler(
	sched *scheduler.Scheduler,
	pl *planner.Planner,
	reg *registry.Registry,
	rb *rollback.Manager,
	rec *trace.Recorder,
	lib *playbook.Library,
	rc *reactor.Reactor,
	loop *improve.Loop,
	hb *heartbeat.Heartbeat,
	st *store.Store,
	eventStream string,
	log *logger.Logger,
) *Handler {
	if eventStream == "" {
		eventStream = store.StreamEvents
	}
	return &Handler{
		scheduler:   sched,
		planner:     pl,
		registry:    reg,
		rollback:    rb,
		recorder:    rec,
		library:     lib,
		reactor:     rc,
		loop:        loop,
		heartbeat:   hb,
		store:       st,
		eventStream: eventStream,
		logger:      log,
	}
}

// fail writes an error response, using the AppError status when available.
func fail(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}

// Task endpoints

// SubmitTask submits a task to the scheduler.
// POST /api/v1/tasks
func (h *Handler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.BadRequest(err.Error()))
		return
	}

	task := &v1.Task{
		Type:            req.Type,
		Description:     req.Description,
		Dependencies:    req.Dependencies,
		TimeoutMS:       req.TimeoutMS,
		AssignedAgentID: req.AssignedAgentID,
		Env:             v1.Env(req.Env),
		Metadata:        req.Metadata,
	}
	if req.Priority != nil {
		task.Priority = v1.Priority(*req.Priority)
	} else {
		task.Priority = v1.PriorityNormal
	}
	if req.MaxRetries != nil {
		// The scheduler treats zero as "use the default", so an explicit
		// zero maps to -1 (no retries).
		task.MaxRetries = *req.MaxRetries
		if task.MaxRetries == 0 {
			task.MaxRetries = -1
		}
	}
	if req.DeadlineMS > 0 {
		deadline := time.UnixMilli(req.DeadlineMS)
		task.Deadline = &deadline
	}

	taskID, err := h.scheduler.Submit(c.Request.Context(), task)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, TaskAcceptedResponse{TaskID: taskID, Status: string(task.Status)})
}

// GetTask retrieves a task by ID.
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.scheduler.Get(c.Param("taskId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// CancelTask cancels a queued or running task.
// DELETE /api/v1/tasks/:taskId
func (h *Handler) CancelTask(c *gin.Context) {
	if err := h.scheduler.Cancel(c.Request.Context(), c.Param("taskId")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// QueueStatus returns the scheduler queue projection.
// GET /api/v1/queue
func (h *Handler) QueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.QueueStatus())
}

// SubmitPlan decomposes a description into a plan and submits its subtasks.
// POST /api/v1/plans
func (h *Handler) SubmitPlan(c *gin.Context) {
	var req SubmitPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.BadRequest(err.Error()))
		return
	}

	strategy := v1.PlanStrategy(req.Strategy)
	if strategy == "" {
		strategy = v1.StrategyAuto
	}
	priority := v1.PriorityNormal
	if req.Priority != nil {
		priority = v1.Priority(*req.Priority)
	}

	plan, err := h.planner.Decompose(req.Description, strategy, priority)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.scheduler.SubmitPlan(c.Request.Context(), plan); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, plan)
}

// Agent endpoints

// ListAgents returns all registered agents.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.registry.List()
	c.JSON(http.StatusOK, ListResponse{Items: agents, Total: len(agents)})
}

// GetAgent retrieves an agent by ID.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.registry.Get(c.Param("agentId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// UpdateAgent applies a partial config update directly. Operator path; the
// self-improving loop goes through proposals instead.
// PATCH /api/v1/agents/:agentId
func (h *Handler) UpdateAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	var req UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.BadRequest(err.Error()))
		return
	}

	patch := &registry.Patch{
		ModelID:         req.ModelID,
		TimeoutMS:       req.TimeoutMS,
		SystemPrompt:    req.SystemPrompt,
		MaxConcurrent:   req.MaxConcurrent,
		TaskTypes:       req.TaskTypes,
		Keywords:        req.Keywords,
		ToolPermissions: req.ToolPermissions,
		Critical:        req.Critical,
	}
	if req.ThinkingLevel != nil {
		level := v1.ThinkingLevel(*req.ThinkingLevel)
		patch.ThinkingLevel = &level
	}

	version, err := h.registry.Update(c.Request.Context(), agentID, patch)
	if err != nil {
		fail(c, err)
		return
	}

	agent, err := h.registry.Get(agentID)
	if err != nil {
		fail(c, err)
		return
	}
	h.logger.Info("agent updated via api",
		zap.String("agent_id", agentID), zap.Int64("version", version))
	c.JSON(http.StatusOK, agent)
}

// AgentHistory returns the rollback snapshots for an agent, newest first.
// GET /api/v1/agents/:agentId/history
func (h *Handler) AgentHistory(c *gin.Context) {
	history := h.rollback.History(c.Param("agentId"))
	c.JSON(http.StatusOK, ListResponse{Items: history, Total: len(history)})
}

// RollbackAgent reverts an agent to a snapshot.
// POST /api/v1/agents/:agentId/rollback
func (h *Handler) RollbackAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		fail(c, errors.BadRequest(err.Error()))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator request"
	}

	var err error
	if req.Version > 0 {
		err = h.rollback.RevertToVersion(c.Request.Context(), agentID, req.Version, reason)
	} else {
		err = h.rollback.RevertLatest(c.Request.Context(), agentID, reason)
	}
	if err != nil {
		fail(c, err)
		return
	}

	agent, err := h.registry.Get(agentID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// Trace endpoints

// ListTraces returns persisted traces, oldest first.
// GET /api/v1/traces?agent_id=&env=&since_ms=&limit=
func (h *Handler) ListTraces(c *gin.Context) {
	filter := trace.Filter{
		AgentID: c.Query("agent_id"),
		Env:     v1.Env(c.Query("env")),
	}
	if since := c.Query("since_ms"); since != "" {
		ms, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			fail(c, errors.BadRequest("since_ms must be an integer"))
			return
		}
		filter.SinceMS = ms
	}
	filter.Limit = queryInt(c, "limit", 100)

	traces, err := h.recorder.ReadTraces(filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Items: traces, Total: len(traces)})
}

// Event endpoints

// RecentEvents returns the tail of the durable event log.
// GET /api/v1/events?types=task.*,breaker.*&limit=
func (h *Handler) RecentEvents(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	var patterns []string
	if raw := c.Query("types"); raw != "" {
		patterns = strings.Split(raw, ",")
	}

	records, err := h.store.ReadAll(h.eventStream, store.ReadOptions{})
	if err != nil {
		fail(c, errors.Wrap(err, "read event log"))
		return
	}

	out := make([]*v1.Event, 0, limit)
	for i := len(records) - 1; i >= 0 && len(out) < limit; i-- {
		var ev v1.Event
		if err := records[i].Decode(&ev); err != nil {
			continue
		}
		if len(patterns) > 0 && !matchesAny(patterns, ev.Type) {
			continue
		}
		out = append(out, &ev)
	}
	c.JSON(http.StatusOK, ListResponse{Items: out, Total: len(out)})
}

func matchesAny(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if events.Match(strings.TrimSpace(p), eventType) {
			return true
		}
	}
	return false
}

// Playbook endpoints

// ListPlaybooks returns the loaded playbooks with execution stats.
// GET /api/v1/playbooks
func (h *Handler) ListPlaybooks(c *gin.Context) {
	rules := h.library.List()
	items := make([]gin.H, 0, len(rules))
	for _, rule := range rules {
		executions, successes := h.reactor.Stats(rule.ID)
		items = append(items, gin.H{
			"playbook":   rule.Playbook,
			"executions": executions,
			"successes":  successes,
		})
	}
	c.JSON(http.StatusOK, ListResponse{Items: items, Total: len(items)})
}

// TriggerPlaybook fires a playbook by hand, bypassing auto_execute.
// POST /api/v1/playbooks/:playbookId/trigger
func (h *Handler) TriggerPlaybook(c *gin.Context) {
	playbookID := c.Param("playbookId")

	var req TriggerPlaybookRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		fail(c, errors.BadRequest(err.Error()))
		return
	}
	eventType := req.EventType
	if eventType == "" {
		eventType = "operator.trigger"
	}

	event := bus.NewEvent(eventType, "api", req.Payload)
	if err := h.reactor.Trigger(c.Request.Context(), playbookID, event); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"playbook_id": playbookID, "status": "triggered"})
}

// Proposal endpoints

// ListProposals returns change proposals, newest first.
// GET /api/v1/proposals?status=
func (h *Handler) ListProposals(c *gin.Context) {
	proposals := h.loop.List(v1.ProposalStatus(c.Query("status")))
	c.JSON(http.StatusOK, ListResponse{Items: proposals, Total: len(proposals)})
}

// GetProposal retrieves a proposal by ID.
// GET /api/v1/proposals/:proposalId
func (h *Handler) GetProposal(c *gin.Context) {
	proposal, err := h.loop.Get(c.Param("proposalId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, proposal)
}

// ApproveProposal approves a gated proposal and applies it.
// POST /api/v1/proposals/:proposalId/approve
func (h *Handler) ApproveProposal(c *gin.Context) {
	proposal, err := h.loop.Approve(c.Request.Context(), c.Param("proposalId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, proposal)
}

// RejectProposal rejects a gated proposal.
// POST /api/v1/proposals/:proposalId/reject
func (h *Handler) RejectProposal(c *gin.Context) {
	var req RejectProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		fail(c, errors.BadRequest(err.Error()))
		return
	}

	proposal, err := h.loop.Reject(c.Request.Context(), c.Param("proposalId"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, proposal)
}

// System endpoints

// SystemHealth returns the live health projection.
// GET /api/v1/health
func (h *Handler) SystemHealth(c *gin.Context) {
	health := h.heartbeat.Snapshot()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// TriggerHeartbeat runs one heartbeat tick immediately.
// POST /api/v1/heartbeat/tick
func (h *Handler) TriggerHeartbeat(c *gin.Context) {
	h.heartbeat.Tick(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ticked", "interval_ms": h.heartbeat.Interval().Milliseconds()})
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
