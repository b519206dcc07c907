// Package dispatcher invokes the external agent-worker for one (task, agent)
// pair: quota check, breaker check, trace start, worker call under timeout,
// trace end with classification, breaker bookkeeping.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aios/aios/internal/breaker"
	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/trace"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// defaultTimeout guards worker calls when neither the task nor the agent
// carries an explicit timeout.
const defaultTimeout = 5 * time.Minute

type agentSlot struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight int
}

// Dispatcher executes tasks through the agent-worker boundary.
type Dispatcher struct {
	worker   Worker
	recorder *trace.Recorder
	breaker  *breaker.Breaker
	log      *logger.Logger

	mu    sync.Mutex
	slots map[string]*agentSlot
}

// New creates a dispatcher.
func New(worker Worker, recorder *trace.Recorder, brk *breaker.Breaker, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		worker:   worker,
		recorder: recorder,
		breaker:  brk,
		log:      log.WithFields(zap.String("component", "dispatcher")),
		slots:    make(map[string]*agentSlot),
	}
}

// InFlight reports how many tasks the agent currently runs. Implements the
// router's load reporter.
func (d *Dispatcher) InFlight(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if slot, ok := d.slots[agentID]; ok {
		return slot.inFlight
	}
	return 0
}

// Dispatch runs one attempt. The returned trace carries the outcome; the
// error is non-nil only when the attempt was refused before the worker call
// (quota, breaker) or the worker failed, and always carries a signature.
func (d *Dispatcher) Dispatch(ctx context.Context, task *v1.Task, agent *v1.Agent) (*v1.Trace, error) {
	slot, ok := d.acquire(agent)
	if !ok {
		// Quota exceeded classifies as api_rate_limit so the scheduler
		// retries with backoff instead of failing the task.
		return nil, errors.NewSignatureError(errors.SigAPIRateLimit,
			fmt.Sprintf("agent '%s' is at its concurrency limit (%d)", agent.ID, agent.MaxConcurrent))
	}
	defer d.release(agent.ID, slot)

	key := breaker.Key(agent.ID, task.Type)
	if d.breaker != nil && !d.breaker.ShouldExecute(key) {
		sig := errors.SigBreakerOpen
		if d.breaker.StateOf(key) == breaker.StateQuarantined {
			sig = errors.SigQuarantined
		}
		return nil, errors.NewSignatureError(sig,
			fmt.Sprintf("breaker refuses '%s' for agent '%s'", task.Type, agent.ID))
	}

	timeout := task.Timeout()
	if timeout <= 0 {
		timeout = time.Duration(agent.TimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	traceID := d.recorder.Start(task, agent)
	result, err := d.execute(callCtx, agent, task)

	var tr *v1.Trace
	switch {
	case err == nil && result != nil && result.Success:
		tr, _ = d.recorder.End(ctx, traceID, true, "", "")
		if d.breaker != nil {
			d.breaker.RecordSuccess(key)
		}
		if tr != nil && result.Output != nil {
			task.Result = result.Output
		}
		return tr, nil

	case callCtx.Err() == context.DeadlineExceeded:
		tr, _ = d.recorder.End(ctx, traceID, false, errors.SigTimeout,
			fmt.Sprintf("worker exceeded %s", timeout))

	case err != nil:
		tr, _ = d.recorder.End(ctx, traceID, false, "worker_error", err.Error())

	default:
		errKind, errDetail := "", ""
		if result != nil {
			errKind, errDetail = result.ErrorKind, result.ErrorDetail
		}
		tr, _ = d.recorder.End(ctx, traceID, false, errKind, errDetail)
	}

	sig := errors.SigOther
	detail := ""
	if tr != nil {
		sig = tr.ErrorSignature
	}
	if result != nil {
		detail = result.ErrorDetail
	} else if err != nil {
		detail = err.Error()
	}
	if d.breaker != nil {
		d.breaker.RecordFailure(key, sig)
	}
	return tr, errors.NewSignatureError(sig, detail)
}

// execute calls the worker with panic containment. A worker bug must turn
// into a classified failure, never take down a scheduler worker.
func (d *Dispatcher) execute(ctx context.Context, agent *v1.Agent, task *v1.Task) (result *ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("agent worker panicked",
				zap.String("agent_id", agent.ID),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
			result = nil
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return d.worker.Execute(ctx, agent, task)
}

func (d *Dispatcher) acquire(agent *v1.Agent) (*agentSlot, bool) {
	capacity := int64(agent.MaxConcurrent)
	if capacity <= 0 {
		capacity = 1
	}
	d.mu.Lock()
	slot, ok := d.slots[agent.ID]
	if !ok || slot.capacity != capacity {
		// Config changes re-size the quota on the next dispatch; in-flight
		// work keeps its slot on the old semaphore.
		slot = &agentSlot{sem: semaphore.NewWeighted(capacity), capacity: capacity}
		d.slots[agent.ID] = slot
	}
	d.mu.Unlock()

	if !slot.sem.TryAcquire(1) {
		return nil, false
	}
	d.mu.Lock()
	slot.inFlight++
	d.mu.Unlock()
	return slot, true
}

func (d *Dispatcher) release(agentID string, slot *agentSlot) {
	slot.sem.Release(1)
	d.mu.Lock()
	if current, ok := d.slots[agentID]; ok && current == slot {
		current.inFlight--
	}
	d.mu.Unlock()
}
