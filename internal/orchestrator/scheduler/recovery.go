package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	"github.com/aios/aios/internal/events/store"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// Recover rebuilds live state from the task_queue journal after a restart.
// Tasks last seen running lost their worker: they are marked failed with
// signature worker_lost and core.worker.lost is emitted. Queued and blocked
// tasks re-enter the queue; tasks blocked on a dependency that ended
// failed or cancelled are cancelled the same way they would be at runtime.
func (s *Scheduler) Recover(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	records, err := s.store.ReadAll(store.StreamTaskQueue, store.ReadOptions{})
	if err != nil {
		return errors.Wrap(err, "read task queue journal")
	}

	// Reduce to the last journaled state per task.
	last := make(map[string]*v1.Task)
	order := make([]string, 0)
	for _, rec := range records {
		var jr journalRecord
		if err := rec.Decode(&jr); err != nil || jr.Task == nil {
			continue
		}
		if _, seen := last[jr.Task.ID]; !seen {
			order = append(order, jr.Task.ID)
		}
		last[jr.Task.ID] = jr.Task
	}

	var requeue []*v1.Task
	var dead []string
	lost := 0
	for _, id := range order {
		task := last[id]
		switch task.Status {
		case v1.TaskStatusCompleted:
			s.mu.Lock()
			s.completed[id] = true
			s.mu.Unlock()

		case v1.TaskStatusRunning:
			// The worker holding this task did not survive the restart.
			task.ErrorSignature = errors.SigWorkerLost
			task.Status = v1.TaskStatusFailed
			s.journal(opState, task)
			if s.bus != nil {
				event := bus.NewEvent(events.CoreWorkerLost, "scheduler", map[string]interface{}{
					"attempt": task.Attempt,
				})
				event.TaskID = task.ID
				event.AgentID = task.AssignedAgentID
				_ = s.bus.Publish(ctx, event)
			}
			s.emitTask(ctx, events.TaskFailed, task, map[string]interface{}{
				"error_signature": errors.SigWorkerLost,
				"attempt":         task.Attempt,
			})
			lost++
			dead = append(dead, id)

		case v1.TaskStatusFailed, v1.TaskStatusCancelled:
			dead = append(dead, id)

		case v1.TaskStatusQueued, v1.TaskStatusBlocked:
			requeue = append(requeue, task)
		}
	}

	for _, task := range requeue {
		s.restore(task)
	}
	// Restored tasks blocked on a task that did not survive would wait
	// forever; cascade the same way a live failure does.
	for _, id := range dead {
		s.cancelDependents(ctx, id)
	}
	if lost > 0 || len(requeue) > 0 {
		s.log.Info("recovered task queue from journal",
			zap.Int("requeued", len(requeue)),
			zap.Int("worker_lost", lost))
	}
	return nil
}

// restore re-registers a journaled task without re-validating or
// re-journaling the submission.
func (s *Scheduler) restore(task *v1.Task) {
	s.mu.Lock()
	if _, live := s.tasks[task.ID]; live || s.completed[task.ID] {
		s.mu.Unlock()
		return
	}
	s.tasks[task.ID] = task

	var unmet []string
	for _, dep := range task.Dependencies {
		if !s.completed[dep] {
			unmet = append(unmet, dep)
		}
	}
	if len(unmet) > 0 {
		task.Status = v1.TaskStatusBlocked
		waiting := make(map[string]bool, len(unmet))
		for _, dep := range unmet {
			waiting[dep] = true
			s.dependents[dep] = append(s.dependents[dep], task.ID)
		}
		s.blockedBy[task.ID] = waiting
		s.mu.Unlock()
		return
	}
	task.Status = v1.TaskStatusQueued
	s.mu.Unlock()
	s.enqueue(task)
}
