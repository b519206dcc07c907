// Package scheduler owns the task lifecycle: a priority queue with bounded
// worker concurrency, dependency blocking, retry with exponential backoff,
// watchdog timeouts, a durable queue journal for crash recovery, and
// adaptive per-agent timeouts derived from recent traces.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	"github.com/aios/aios/internal/events/store"
	"github.com/aios/aios/internal/orchestrator/queue"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// Router resolves a task to an agent.
type Router interface {
	Route(task *v1.Task) (*v1.Agent, error)
}

// Dispatcher runs one attempt through the agent-worker boundary.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *v1.Task, agent *v1.Agent) (*v1.Trace, error)
}

// TimeoutAdvisor supplies the p95 success duration for adaptive timeouts.
// Implemented by the trace recorder.
type TimeoutAdvisor interface {
	P95SuccessDuration(agentID, taskType string) (time.Duration, int)
}

// Config tunes the scheduler.
type Config struct {
	// Workers is the task execution concurrency cap.
	Workers int
	// MaxQueueSize is a soft cap: beyond it, new P2/P3 tasks are rejected
	// with scheduler_saturated. P0/P1 tasks are always accepted.
	MaxQueueSize int
	// DefaultMaxRetries applies when a task does not set max_retries.
	DefaultMaxRetries int
	// RetryBase is the backoff base; attempt n waits base * 2^(n-1), capped
	// at RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
	// MinTimeoutSamples gates adaptive timeouts on sample count.
	MinTimeoutSamples int
	// BubbleFailures marks dependents failed instead of cancelled when a
	// dependency fails.
	BubbleFailures bool
}

// DefaultConfig returns the stock scheduler tuning.
func DefaultConfig() Config {
	return Config{
		Workers:           5,
		MaxQueueSize:      1000,
		DefaultMaxRetries: 2,
		RetryBase:         2 * time.Second,
		RetryMax:          2 * time.Minute,
		MinTimeoutSamples: 10,
	}
}

// journalOp values recorded in the task_queue stream.
const (
	opSubmit = "submit"
	opState  = "state"
)

type journalRecord struct {
	Op   string   `json:"op"`
	TSMS int64    `json:"ts_ms"`
	Task *v1.Task `json:"task"`
}

// Scheduler is the task lifecycle owner.
type Scheduler struct {
	cfg        Config
	queue      *queue.TaskQueue
	router     Router
	dispatcher Dispatcher
	advisor    TimeoutAdvisor
	bus        bus.EventBus
	store      *store.Store
	clk        clock.Clock
	log        *logger.Logger

	mu         sync.Mutex
	tasks      map[string]*v1.Task // live: queued, blocked, running
	completed  map[string]bool     // terminal success, kept for dependency checks
	blockedBy  map[string]map[string]bool
	dependents map[string][]string
	cancels    map[string]context.CancelFunc
	cancelled  map[string]bool
	running    int

	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler. advisor, bus and store may be nil in tests.
func New(cfg Config, rt Router, d Dispatcher, advisor TimeoutAdvisor, eventBus bus.EventBus, st *store.Store, clk clock.Clock, log *logger.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = 60 * cfg.RetryBase
	}
	if cfg.MinTimeoutSamples <= 0 {
		cfg.MinTimeoutSamples = 10
	}
	return &Scheduler{
		cfg:        cfg,
		queue:      queue.NewTaskQueue(0),
		router:     rt,
		dispatcher: d,
		advisor:    advisor,
		bus:        eventBus,
		store:      st,
		clk:        clk,
		log:        log.WithFields(zap.String("component", "scheduler")),
		tasks:      make(map[string]*v1.Task),
		completed:  make(map[string]bool),
		blockedBy:  make(map[string]map[string]bool),
		dependents: make(map[string][]string),
		cancels:    make(map[string]context.CancelFunc),
		cancelled:  make(map[string]bool),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker pool.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.log.Info("scheduler started", zap.Int("workers", s.cfg.Workers))
}

// Stop shuts the worker pool down. Queued tasks stay journaled for recovery.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Submit validates and accepts a task. Blocked tasks wait for their
// dependencies; runnable tasks enter the priority queue.
func (s *Scheduler) Submit(ctx context.Context, task *v1.Task) (string, error) {
	if task == nil || task.Type == "" {
		err := errors.ValidationError("type", "must not be empty")
		s.emitRejected(ctx, task, errors.SigInvalidTaskSpec, "task type is required")
		return "", err
	}
	if !task.Priority.Valid() {
		task.Priority = v1.PriorityNormal
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = s.cfg.DefaultMaxRetries
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = s.clk.Now()
	}
	task.Attempt = 0
	task.Status = v1.TaskStatusQueued

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists || s.completed[task.ID] {
		s.mu.Unlock()
		return "", errors.Conflict(fmt.Sprintf("task '%s' already submitted", task.ID))
	}

	// A dependency must reference a known task, live or completed.
	var unmet []string
	for _, dep := range task.Dependencies {
		if s.completed[dep] {
			continue
		}
		if _, live := s.tasks[dep]; !live {
			s.mu.Unlock()
			err := errors.ValidationError("dependencies", "unknown task id '"+dep+"'")
			s.emitRejected(ctx, task, errors.SigInvalidTaskSpec, "dependency '"+dep+"' does not exist")
			return "", err
		}
		unmet = append(unmet, dep)
	}

	if s.cfg.MaxQueueSize > 0 && s.queue.Len() >= s.cfg.MaxQueueSize &&
		task.Priority >= v1.PriorityNormal {
		s.mu.Unlock()
		s.emitSaturated(ctx, task)
		return "", errors.Rejected(errors.SigSchedulerSaturated,
			fmt.Sprintf("queue is at capacity (%d), rejecting %s tasks", s.cfg.MaxQueueSize, task.Priority))
	}

	s.tasks[task.ID] = task
	if len(unmet) > 0 {
		task.Status = v1.TaskStatusBlocked
		waiting := make(map[string]bool, len(unmet))
		for _, dep := range unmet {
			waiting[dep] = true
			s.dependents[dep] = append(s.dependents[dep], task.ID)
		}
		s.blockedBy[task.ID] = waiting
	}
	s.mu.Unlock()

	s.journal(opSubmit, task)
	s.emitTask(ctx, events.TaskSubmitted, task, nil)

	if task.Status == v1.TaskStatusQueued {
		s.enqueue(task)
	}
	return task.ID, nil
}

// SubmitPlan submits every subtask of a plan. Subtask dependencies are
// internal to the plan, so submission order follows the subtask list.
func (s *Scheduler) SubmitPlan(ctx context.Context, plan *v1.Plan) error {
	for _, sub := range plan.Subtasks {
		if _, err := s.Submit(ctx, sub); err != nil {
			return errors.Wrap(err, "submit plan subtask '"+sub.ID+"'")
		}
	}
	return nil
}

// Cancel cancels a queued, blocked or running task.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("task", taskID)
	}
	s.cancelled[taskID] = true
	cancel := s.cancels[taskID]
	status := task.Status
	s.mu.Unlock()

	switch status {
	case v1.TaskStatusRunning:
		if cancel != nil {
			cancel()
		}
		// The worker observes the cancellation and finalizes the task.
		return nil
	default:
		s.queue.Remove(taskID)
		s.finalize(ctx, task, v1.TaskStatusCancelled, "")
		return nil
	}
}

// Get returns a live task by id.
func (s *Scheduler) Get(taskID string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok {
		return task.Clone(), nil
	}
	return nil, errors.NotFound("task", taskID)
}

// QueueStatus reports live counts for the health surface.
func (s *Scheduler) QueueStatus() v1.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocked := 0
	for _, t := range s.tasks {
		if t.Status == v1.TaskStatusBlocked {
			blocked++
		}
	}
	return v1.QueueStatus{
		Queued:  s.queue.Len(),
		Blocked: blocked,
		Running: s.running,
		Workers: s.cfg.Workers,
	}
}

// Advance nudges the worker pool. Called by the heartbeat each tick so a
// missed wake signal can never stall the queue.
func (s *Scheduler) Advance() {
	s.signal()
}

func (s *Scheduler) enqueue(task *v1.Task) {
	if err := s.queue.Enqueue(task, s.clk.Now()); err != nil {
		s.log.Error("failed to enqueue task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for {
			qt := s.queue.Dequeue()
			if qt == nil {
				break
			}
			// More work may remain; let another worker pick it up.
			s.signal()
			s.execute(ctx, qt.Task)
		}
	}
}

// execute runs one attempt end to end: route, dispatch, classify, retry or
// finalize.
func (s *Scheduler) execute(ctx context.Context, task *v1.Task) {
	s.mu.Lock()
	if s.cancelled[task.ID] {
		s.mu.Unlock()
		s.finalize(ctx, task, v1.TaskStatusCancelled, "")
		return
	}
	task.Status = v1.TaskStatusRunning
	task.Attempt++
	s.running++
	runCtx, cancel := context.WithCancel(ctx)
	s.cancels[task.ID] = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running--
		delete(s.cancels, task.ID)
		s.mu.Unlock()
	}()

	if task.Deadline != nil && s.clk.Now().After(*task.Deadline) {
		s.handleFailure(ctx, task, errors.SigTimeout, "deadline expired before dispatch")
		return
	}

	s.journal(opState, task)
	s.emitTask(ctx, events.TaskStarted, task, map[string]interface{}{"attempt": task.Attempt})

	agent, err := s.router.Route(task)
	if err != nil {
		s.handleFailure(ctx, task, errors.SignatureOf(err), err.Error())
		return
	}
	task.AssignedAgentID = agent.ID

	s.adaptTimeout(task, agent)

	tr, err := s.dispatcher.Dispatch(runCtx, task, agent)

	s.mu.Lock()
	wasCancelled := s.cancelled[task.ID]
	s.mu.Unlock()
	if wasCancelled {
		s.finalize(ctx, task, v1.TaskStatusCancelled, "")
		return
	}

	if err == nil {
		payload := map[string]interface{}{"attempt": task.Attempt}
		if tr != nil {
			payload["duration_ms"] = tr.DurationMS
			payload["trace_id"] = tr.TraceID
		}
		s.mu.Lock()
		delete(s.tasks, task.ID)
		s.completed[task.ID] = true
		s.mu.Unlock()
		task.Status = v1.TaskStatusCompleted
		s.journal(opState, task)
		s.emitTask(ctx, events.TaskSucceeded, task, payload)
		s.unblockDependents(ctx, task.ID)
		return
	}

	s.handleFailure(ctx, task, errors.SignatureOf(err), err.Error())
}

// adaptTimeout substitutes the p95-derived timeout for the agent default
// when the task has no explicit override and the computed value moves by
// more than 20%.
func (s *Scheduler) adaptTimeout(task *v1.Task, agent *v1.Agent) {
	if s.advisor == nil || task.TimeoutMS > 0 {
		return
	}
	p95, samples := s.advisor.P95SuccessDuration(agent.ID, task.Type)
	if samples < s.cfg.MinTimeoutSamples || p95 <= 0 {
		return
	}
	candidate := p95 + p95/5 // p95 * 1.2
	current := time.Duration(agent.TimeoutMS) * time.Millisecond
	if current > 0 {
		delta := candidate - current
		if delta < 0 {
			delta = -delta
		}
		if delta*5 <= current {
			return
		}
	}
	task.TimeoutMS = candidate.Milliseconds()
	s.log.Debug("adaptive timeout applied",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agent.ID),
		zap.Int64("timeout_ms", task.TimeoutMS))
}

// handleFailure applies the retry policy:
//   - transient signatures retry up to max_retries with exponential backoff
//   - runtime_error signatures retry at most once
//   - everything else fails (config signatures additionally emit
//     task.rejected for the submitter)
func (s *Scheduler) handleFailure(ctx context.Context, task *v1.Task, sig, detail string) {
	task.ErrorSignature = sig

	retry := false
	switch {
	case errors.Retryable(sig):
		retry = task.Attempt <= task.MaxRetries
	case errors.IsRuntimeSignature(sig):
		retry = task.Attempt == 1 && task.MaxRetries > 0
	}

	if retry {
		backoff := s.backoff(task.Attempt)
		task.Status = v1.TaskStatusQueued
		s.journal(opState, task)
		if s.bus != nil {
			event := bus.NewEvent(events.SchedulerRetry, "scheduler", map[string]interface{}{
				"attempt":         task.Attempt,
				"max_retries":     task.MaxRetries,
				"backoff_ms":      backoff.Milliseconds(),
				"error_signature": sig,
			})
			event.TaskID = task.ID
			_ = s.bus.Publish(ctx, event)
		}
		time.AfterFunc(backoff, func() {
			s.mu.Lock()
			gone := s.cancelled[task.ID]
			s.mu.Unlock()
			if gone {
				s.finalize(context.Background(), task, v1.TaskStatusCancelled, "")
				return
			}
			s.enqueue(task)
		})
		return
	}

	status := v1.TaskStatusFailed
	if sig == errors.SigTimeout {
		status = v1.TaskStatusTimedOut
	}
	switch sig {
	case errors.SigInvalidTaskSpec, errors.SigUnknownAgent, errors.SigPermissionDenied:
		s.emitRejected(ctx, task, sig, detail)
	}
	s.finalize(ctx, task, status, detail)
}

// finalize moves a task to a terminal state and cascades to dependents.
func (s *Scheduler) finalize(ctx context.Context, task *v1.Task, status v1.TaskStatus, detail string) {
	s.mu.Lock()
	if _, live := s.tasks[task.ID]; !live {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, task.ID)
	delete(s.blockedBy, task.ID)
	delete(s.cancelled, task.ID)
	s.mu.Unlock()

	task.Status = status
	s.journal(opState, task)

	switch status {
	case v1.TaskStatusCancelled:
		s.emitTask(ctx, events.TaskCancelled, task, nil)
	default:
		payload := map[string]interface{}{
			"error_signature": task.ErrorSignature,
			"attempt":         task.Attempt,
		}
		if detail != "" {
			payload["error_detail"] = detail
		}
		s.emitTask(ctx, events.TaskFailed, task, payload)
	}
	s.cancelDependents(ctx, task.ID)
}

// unblockDependents releases tasks whose dependency set is now satisfied.
func (s *Scheduler) unblockDependents(ctx context.Context, completedID string) {
	s.mu.Lock()
	waiters := s.dependents[completedID]
	delete(s.dependents, completedID)
	var ready []*v1.Task
	for _, id := range waiters {
		waiting, ok := s.blockedBy[id]
		if !ok {
			continue
		}
		delete(waiting, completedID)
		if len(waiting) == 0 {
			delete(s.blockedBy, id)
			if task, live := s.tasks[id]; live {
				task.Status = v1.TaskStatusQueued
				ready = append(ready, task)
			}
		}
	}
	s.mu.Unlock()

	for _, task := range ready {
		s.journal(opState, task)
		if s.bus != nil {
			event := bus.NewEvent(events.SchedulerUnblocked, "scheduler", map[string]interface{}{
				"dependency": completedID,
			})
			event.TaskID = task.ID
			_ = s.bus.Publish(ctx, event)
		}
		s.enqueue(task)
	}
}

// cancelDependents cascades a failed or cancelled task to everything
// blocked on it.
func (s *Scheduler) cancelDependents(ctx context.Context, failedID string) {
	s.mu.Lock()
	waiters := s.dependents[failedID]
	delete(s.dependents, failedID)
	var toCancel []*v1.Task
	for _, id := range waiters {
		if task, live := s.tasks[id]; live {
			toCancel = append(toCancel, task)
		}
	}
	s.mu.Unlock()

	status := v1.TaskStatusCancelled
	if s.cfg.BubbleFailures {
		status = v1.TaskStatusFailed
	}
	for _, task := range toCancel {
		s.queue.Remove(task.ID)
		s.finalize(ctx, task, status, "dependency '"+failedID+"' did not complete")
	}
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.RetryMax {
			return s.cfg.RetryMax
		}
	}
	if d > s.cfg.RetryMax {
		d = s.cfg.RetryMax
	}
	return d
}

func (s *Scheduler) journal(op string, task *v1.Task) {
	if s.store == nil {
		return
	}
	rec := journalRecord{Op: op, TSMS: s.clk.NowMS(), Task: task.Clone()}
	if _, err := s.store.Append(store.StreamTaskQueue, rec); err != nil {
		s.log.Error("failed to journal task",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (s *Scheduler) emitTask(ctx context.Context, eventType string, task *v1.Task, payload map[string]interface{}) {
	if s.bus == nil || task == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["type"] = task.Type
	payload["priority"] = task.Priority.String()
	event := bus.NewEvent(eventType, "scheduler", payload)
	event.TaskID = task.ID
	event.AgentID = task.AssignedAgentID
	if err := s.bus.Publish(ctx, event); err != nil {
		s.log.Error("failed to publish task event",
			zap.String("event_type", eventType),
			zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (s *Scheduler) emitRejected(ctx context.Context, task *v1.Task, sig, detail string) {
	if s.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"error_signature": sig,
		"detail":          detail,
	}
	event := bus.NewEvent(events.TaskRejected, "scheduler", payload)
	if task != nil {
		event.TaskID = task.ID
		payload["type"] = task.Type
	}
	_ = s.bus.Publish(ctx, event)
}

func (s *Scheduler) emitSaturated(ctx context.Context, task *v1.Task) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.SchedulerSaturated, "scheduler", map[string]interface{}{
		"queue_len": s.queue.Len(),
		"limit":     s.cfg.MaxQueueSize,
		"rejected":  task.ID,
	})
	event.Severity = v1.SeverityWarning
	_ = s.bus.Publish(ctx, event)
	s.emitRejected(ctx, task, errors.SigSchedulerSaturated, "queue at capacity")
}
