// Package reactor turns events into remediation: it matches incoming events
// against the playbook library and executes matched playbooks with cooldown,
// breaker guarding, verification and rollback.
package reactor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/breaker"
	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	"github.com/aios/aios/internal/events/store"
	"github.com/aios/aios/internal/playbook"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// subscribedPatterns are the event families the reactor watches.
var subscribedPatterns = []string{
	"alert.*",
	"resource.*",
	events.AgentTaskFailed,
	events.AgentConfigUpdated,
}

// defaultActionTimeout bounds a single action when the playbook sets none.
const defaultActionTimeout = 30 * time.Second

// ActionResult is an action handler's answer.
type ActionResult struct {
	OK          bool                   `json:"ok"`
	Detail      string                 `json:"detail,omitempty"`
	SideEffects map[string]interface{} `json:"side_effects,omitempty"`
}

// ActionHandler executes one declarative action. Handlers must be idempotent
// given the same descriptor.
type ActionHandler func(ctx context.Context, action v1.Action, event *v1.Event) (*ActionResult, error)

// Verifier evaluates a playbook's post-action predicate.
type Verifier interface {
	Verify(ctx context.Context, spec *v1.VerifySpec) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, spec *v1.VerifySpec) (bool, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, spec *v1.VerifySpec) (bool, error) {
	return f(ctx, spec)
}

type playbookStats struct {
	executions int
	successes  int
	lastExec   time.Time
}

// Reactor matches events to playbooks and runs them.
type Reactor struct {
	library  *playbook.Library
	breaker  *breaker.Breaker
	verifier Verifier
	bus      bus.EventBus
	store    *store.Store
	clk      clock.Clock
	log      *logger.Logger

	mu       sync.Mutex
	handlers map[string]ActionHandler
	stats    map[string]*playbookStats
	subs     []string

	wg sync.WaitGroup
}

// New creates a reactor. verifier and store may be nil in tests; a nil
// verifier treats every verify spec as passed.
func New(lib *playbook.Library, brk *breaker.Breaker, verifier Verifier, eventBus bus.EventBus, st *store.Store, clk clock.Clock, log *logger.Logger) *Reactor {
	return &Reactor{
		library:  lib,
		breaker:  brk,
		verifier: verifier,
		bus:      eventBus,
		store:    st,
		clk:      clk,
		log:      log.WithFields(zap.String("component", "reactor")),
		handlers: make(map[string]ActionHandler),
		stats:    make(map[string]*playbookStats),
	}
}

// RegisterHandler wires an action type to its handler.
func (r *Reactor) RegisterHandler(actionType string, handler ActionHandler) {
	r.mu.Lock()
	r.handlers[actionType] = handler
	r.mu.Unlock()
}

// Start subscribes the reactor to its event families.
func (r *Reactor) Start() error {
	for _, pattern := range subscribedPatterns {
		id, err := r.bus.Subscribe(pattern, r.handleEvent)
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", pattern, err)
		}
		r.subs = append(r.subs, id)
	}
	r.log.Info("reactor started", zap.Int("patterns", len(subscribedPatterns)))
	return nil
}

// Stop unsubscribes and waits for in-flight playbooks.
func (r *Reactor) Stop() {
	for _, id := range r.subs {
		r.bus.Unsubscribe(id)
	}
	r.subs = nil
	r.wg.Wait()
}

// handleEvent runs every matched playbook. Playbooks matching the same
// event run in parallel; actions within one playbook stay sequential.
func (r *Reactor) handleEvent(ctx context.Context, event *v1.Event) {
	matched := r.library.Match(event)
	for _, rule := range matched {
		rule := rule
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runPlaybook(ctx, rule, event)
		}()
	}
}

// Trigger executes a playbook by id against an event, bypassing the
// auto-execute gate. Operator path for pending_confirm playbooks.
func (r *Reactor) Trigger(ctx context.Context, playbookID string, event *v1.Event) error {
	rule, ok := r.library.Get(playbookID)
	if !ok {
		return fmt.Errorf("playbook %q not found", playbookID)
	}
	confirmed := *rule
	confirmed.AutoExecute = true
	r.runPlaybook(ctx, &confirmed, event)
	return nil
}

// Stats returns (executions, successes) for a playbook.
func (r *Reactor) Stats(playbookID string) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.stats[playbookID]; ok {
		return st.executions, st.successes
	}
	return 0, 0
}

func (r *Reactor) runPlaybook(ctx context.Context, rule *playbook.Rule, event *v1.Event) {
	started := r.clk.Now()

	if r.breaker != nil && !r.breaker.ShouldExecute(rule.ID) {
		r.log.Warn("playbook breaker open, skipping",
			zap.String("playbook_id", rule.ID),
			zap.String("event_type", event.Type))
		r.recordExec(rule, event, started, "skipped", "breaker open")
		return
	}

	if !rule.AutoExecute {
		r.emit(ctx, events.ReactorPendingConfirm, rule, event, map[string]interface{}{
			"actions": rule.Actions,
		})
		r.recordExec(rule, event, started, "pending_confirm", "")
		return
	}

	// The cooldown is claimed only once actions actually run; a skip or a
	// pending confirmation must not consume the window or count as an
	// execution.
	if !r.claimCooldown(rule) {
		r.emit(ctx, events.ReactorCooldownSkipped, rule, event, nil)
		r.recordExec(rule, event, started, "skipped", "within cooldown")
		return
	}

	actionErr := r.runActions(ctx, rule.Actions, event)

	verified := actionErr == nil
	if verified && rule.Verify != nil && r.verifier != nil {
		ok, err := r.verifier.Verify(ctx, rule.Verify)
		if err != nil {
			r.log.Error("verify failed to evaluate",
				zap.String("playbook_id", rule.ID), zap.Error(err))
		}
		verified = ok && err == nil
	}

	if verified {
		r.recordSuccess(rule)
		r.emit(ctx, events.ReactorSuccess, rule, event, nil)
		r.recordExec(rule, event, started, "success", "")
		return
	}

	outcome := "failed"
	detail := "verify predicate failed"
	if actionErr != nil {
		detail = actionErr.Error()
	}
	if len(rule.RollbackActions) > 0 {
		if err := r.runActions(ctx, rule.RollbackActions, event); err != nil {
			r.log.Error("playbook rollback actions failed",
				zap.String("playbook_id", rule.ID), zap.Error(err))
		} else {
			outcome = "rolled_back"
		}
	}
	if r.breaker != nil {
		r.breaker.RecordFailure(rule.ID, "playbook_failed")
	}
	r.emit(ctx, events.ReactorFailed, rule, event, map[string]interface{}{
		"detail": detail,
	})
	r.recordExec(rule, event, started, outcome, detail)
}

// runActions executes actions in order; the first failure stops the chain.
func (r *Reactor) runActions(ctx context.Context, actions []v1.Action, event *v1.Event) error {
	for i, action := range actions {
		r.mu.Lock()
		handler, ok := r.handlers[action.Type]
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("action %d: no handler registered for %q", i, action.Type)
		}

		timeout := defaultActionTimeout
		if action.TimeoutMS > 0 {
			timeout = time.Duration(action.TimeoutMS) * time.Millisecond
		}
		actionCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := handler(actionCtx, action, event)
		cancel()

		if err != nil {
			return fmt.Errorf("action %d (%s): %w", i, action.Type, err)
		}
		if result != nil && !result.OK {
			return fmt.Errorf("action %d (%s): %s", i, action.Type, result.Detail)
		}
	}
	return nil
}

// claimCooldown atomically checks and stamps the playbook's last execution.
func (r *Reactor) claimCooldown(rule *playbook.Rule) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[rule.ID]
	if !ok {
		st = &playbookStats{}
		r.stats[rule.ID] = st
	}
	if rule.CooldownMS > 0 && !st.lastExec.IsZero() {
		if r.clk.Since(st.lastExec) <= time.Duration(rule.CooldownMS)*time.Millisecond {
			return false
		}
	}
	st.lastExec = r.clk.Now()
	st.executions++
	return true
}

func (r *Reactor) recordSuccess(rule *playbook.Rule) {
	if r.breaker != nil {
		r.breaker.RecordSuccess(rule.ID)
	}
	r.mu.Lock()
	if st, ok := r.stats[rule.ID]; ok {
		st.successes++
	}
	r.mu.Unlock()
}

func (r *Reactor) emit(ctx context.Context, eventType string, rule *playbook.Rule, cause *v1.Event, extra map[string]interface{}) {
	if r.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"playbook_id": rule.ID,
		"event_id":    cause.ID,
		"event_type":  cause.Type,
	}
	for k, v := range extra {
		payload[k] = v
	}
	event := bus.NewEvent(eventType, "reactor", payload)
	event.TaskID = cause.TaskID
	event.AgentID = cause.AgentID
	if err := r.bus.Publish(ctx, event); err != nil {
		r.log.Error("failed to publish reactor event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

func (r *Reactor) recordExec(rule *playbook.Rule, cause *v1.Event, started time.Time, outcome, detail string) {
	if r.store == nil {
		return
	}
	rec := v1.PlaybookExecution{
		PlaybookID:  rule.ID,
		EventID:     cause.ID,
		EventType:   cause.Type,
		StartedAtMS: started.UnixMilli(),
		EndedAtMS:   r.clk.NowMS(),
		Outcome:     outcome,
		Detail:      detail,
	}
	if _, err := r.store.Append(store.StreamPlaybookExec, rec); err != nil {
		r.log.Error("failed to record playbook execution",
			zap.String("playbook_id", rule.ID), zap.Error(err))
	}
}
