package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/agent"
	"github.com/flowforge/gateway/pkg/eventbus"
	"github.com/flowforge/gateway/pkg/metrics"
	"github.com/flowforge/gateway/pkg/model"
	"github.com/flowforge/gateway/pkg/store"
)

// errNoChange aborts a store mutation that found nothing to do.
var errNoChange = errors.New("no change")

type boundary int

const (
	boundaryStop boundary = iota
	boundaryRunStep
	boundaryComplete
	boundaryFail
)

type settleOutcome string

const (
	outcomeCompleted      settleOutcome = "completed"
	outcomeStepFailed     settleOutcome = "step_failed"
	outcomeWorkflowFailed settleOutcome = "workflow_failed"
	outcomeDiscarded      settleOutcome = "discarded"
)

func (c *WorkflowController) loop(id uuid.UUID, r *run) {
	defer c.wg.Done()
	defer c.release(id, r)

	metrics.ActiveWorkflowLoops.Inc()
	defer metrics.ActiveWorkflowLoops.Dec()

	logger := c.logger.With(zap.String("workflow_id", id.String()))
	logger.Debug("loop started")
	defer logger.Debug("loop stopped")

	for {
		task, idx, ok := c.nextStep(id, r, logger)
		if !ok {
			return
		}

		started := time.Now()
		err := c.runner.Run(c.ctx, task)
		if !c.settle(id, r, idx, started, err, logger) {
			return
		}
	}
}

// nextStep is the boundary decision. It re-reads the persisted status, so a
// pause or cancel that landed during the previous step stops the loop here.
func (c *WorkflowController) nextStep(id uuid.UUID, r *run, logger *zap.Logger) (agent.Task, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.ctx.Err() != nil {
		r.active = false
		return agent.Task{}, 0, false
	}

	var decision boundary
	var idx int
	wf, err := c.update(id, func(wf *model.Workflow) ([]*model.AuditEvent, error) {
		decision, idx = boundaryStop, -1
		if wf.Status != model.WorkflowInProgress {
			return nil, errNoChange
		}

		now := time.Now().UTC()
		// Only this loop runs steps, so a running step here was left behind
		// by an earlier loop that could not record its outcome.
		if running := wf.Steps.Running(); running >= 0 {
			wf.Steps[running].Status = model.StepPending
			wf.Steps[running].StartedAt = nil
		}

		if failed := wf.Steps.Failed(); failed >= 0 {
			decision, idx = boundaryFail, failed
			failWorkflow(wf, failed, now)
			return []*model.AuditEvent{failureAudit(wf, failed)}, nil
		}

		idx = wf.Steps.NextPending()
		if idx < 0 {
			decision = boundaryComplete
			wf.Status = model.WorkflowCompleted
			wf.FinishedAt = &now
			return []*model.AuditEvent{statusAudit(model.SystemActor, wf.ID, model.WorkflowInProgress, model.WorkflowCompleted)}, nil
		}

		decision = boundaryRunStep
		wf.Steps[idx].Status = model.StepInProgress
		wf.Steps[idx].StartedAt = &now
		return []*model.AuditEvent{stepAudit(string(eventbus.EventStepStarted), wf, idx)}, nil
	})
	if err != nil {
		if !errors.Is(err, errNoChange) && c.ctx.Err() == nil {
			logger.Error("boundary decision failed", zap.Error(err))
			c.abandon(id, r, err, logger)
		}
		r.active = false
		return agent.Task{}, 0, false
	}

	channelID := id.String()
	switch decision {
	case boundaryRunStep:
		step := wf.Steps[idx]
		r.executing = true
		c.bus.Publish(channelID, eventbus.StepStarted{WorkflowID: channelID, StepID: step.ID, StepName: step.Name, Index: idx})
		logger.Info("step started", zap.String("step_id", step.ID), zap.Int("index", idx))
		return agent.Task{
			WorkflowID:  channelID,
			StepID:      step.ID,
			StepName:    step.Name,
			Description: step.Description,
			AgentNames:  append([]string(nil), step.AgentNames...),
		}, idx, true

	case boundaryComplete:
		metrics.WorkflowTransitions.WithLabelValues(string(model.WorkflowCompleted)).Inc()
		c.bus.Publish(channelID, eventbus.StatusChanged{
			WorkflowID: channelID,
			From:       model.WorkflowInProgress,
			Status:     model.WorkflowCompleted,
			Actor:      model.SystemActor,
		})
		logger.Info("workflow completed")

	case boundaryFail:
		metrics.WorkflowTransitions.WithLabelValues(string(model.WorkflowFailed)).Inc()
		c.bus.Publish(channelID, failureEvent(wf, idx))
		logger.Warn("workflow failed", zap.String("step_id", wf.Steps[idx].ID), zap.String("error", wf.Steps[idx].Error))
	}

	r.active = false
	return agent.Task{}, 0, false
}

// settle records the outcome of step idx and reports whether the loop should
// go on to the next boundary.
func (c *WorkflowController) settle(id uuid.UUID, r *run, idx int, started time.Time, runErr error, logger *zap.Logger) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.executing = false

	if c.ctx.Err() != nil {
		c.flushDeferred(id, r)
		r.active = false
		return false
	}

	var outcome settleOutcome
	wf, err := c.update(id, func(wf *model.Workflow) ([]*model.AuditEvent, error) {
		outcome = outcomeDiscarded
		if idx >= len(wf.Steps) || wf.Steps[idx].Status != model.StepInProgress {
			return nil, errNoChange
		}

		now := time.Now().UTC()
		step := &wf.Steps[idx]
		step.FinishedAt = &now
		if runErr == nil {
			outcome = outcomeCompleted
			step.Status = model.StepCompleted
			return []*model.AuditEvent{stepAudit(string(eventbus.EventStepCompleted), wf, idx)}, nil
		}

		step.Status = model.StepFailed
		step.Error = runErr.Error()
		if wf.Status == model.WorkflowInProgress {
			outcome = outcomeWorkflowFailed
			failWorkflow(wf, idx, now)
			return []*model.AuditEvent{stepAudit("step_failed", wf, idx), failureAudit(wf, idx)}, nil
		}

		// Paused: the failure decides the workflow once it is resumed.
		outcome = outcomeStepFailed
		return []*model.AuditEvent{stepAudit("step_failed", wf, idx)}, nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		if c.ctx.Err() == nil {
			logger.Error("failed to record step outcome", zap.Int("index", idx), zap.Error(err))
			c.abandon(id, r, err, logger)
		}
		c.flushDeferred(id, r)
		r.active = false
		return false
	}

	metrics.StepDuration.WithLabelValues(string(outcome)).Observe(time.Since(started).Seconds())
	channelID := id.String()

	switch outcome {
	case outcomeCompleted:
		step := wf.Steps[idx]
		c.bus.Publish(channelID, eventbus.StepCompleted{WorkflowID: channelID, StepID: step.ID, StepName: step.Name, Index: idx})
		c.flushDeferred(id, r)
		logger.Info("step completed", zap.String("step_id", step.ID), zap.Duration("duration", time.Since(started)))
		return true

	case outcomeWorkflowFailed:
		c.flushDeferred(id, r)
		metrics.WorkflowTransitions.WithLabelValues(string(model.WorkflowFailed)).Inc()
		c.bus.Publish(channelID, failureEvent(wf, idx))
		logger.Warn("workflow failed", zap.Int("index", idx), zap.Error(runErr))
		r.active = false
		return false

	case outcomeStepFailed:
		c.flushDeferred(id, r)
		logger.Warn("step failed while paused", zap.Int("index", idx), zap.Error(runErr))
		return true

	default:
		c.flushDeferred(id, r)
		logger.Info("step result discarded", zap.Int("index", idx))
		return true
	}
}

// update applies a loop mutation, retrying store errors with backoff until
// the attempts run out or the controller stops. mutate may run more than once.
func (c *WorkflowController) update(id uuid.UUID, mutate store.WorkflowMutation) (*model.Workflow, error) {
	backoff := c.retryBackoff
	for attempt := 1; ; attempt++ {
		wf, err := c.store.UpdateWorkflow(c.ctx, id, mutate)
		if err == nil || errors.Is(err, errNoChange) || attempt >= c.retryAttempts {
			return wf, err
		}
		c.logger.Warn("workflow update failed, retrying",
			zap.String("workflow_id", id.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-c.ctx.Done():
			return nil, err
		}
		backoff *= 2
	}
}

// abandon fails a workflow whose loop could not record its progress. The
// write is best effort; workflow_failed is published either way. The caller
// holds r.mu.
func (c *WorkflowController) abandon(id uuid.UUID, r *run, cause error, logger *zap.Logger) {
	reason := fmt.Sprintf("store error: %v", cause)
	event := eventbus.WorkflowFailed{WorkflowID: id.String(), Error: reason}

	_, err := c.store.UpdateWorkflow(c.ctx, id, func(wf *model.Workflow) ([]*model.AuditEvent, error) {
		if wf.Status.IsTerminal() {
			return nil, errNoChange
		}
		now := time.Now().UTC()
		if idx := wf.Steps.Running(); idx >= 0 {
			wf.Steps[idx].Status = model.StepFailed
			wf.Steps[idx].Error = reason
			wf.Steps[idx].FinishedAt = &now
			event.StepID, event.StepName = wf.Steps[idx].ID, wf.Steps[idx].Name
		}
		from := wf.Status
		wf.Status = model.WorkflowFailed
		wf.ErrorMessage = reason
		wf.FinishedAt = &now
		return []*model.AuditEvent{model.NewAuditEvent(model.SystemActor, string(eventbus.EventWorkflowFailed), wf.ID.String(), model.JSONB{
			"from":  string(from),
			"to":    string(model.WorkflowFailed),
			"error": reason,
		})}, nil
	})
	if errors.Is(err, errNoChange) {
		// Cancelled meanwhile; its own event already went out.
		return
	}
	if err != nil {
		logger.Error("failed to record workflow failure", zap.Error(err))
	}

	c.flushDeferred(id, r)
	metrics.WorkflowTransitions.WithLabelValues(string(model.WorkflowFailed)).Inc()
	c.bus.Publish(id.String(), event)
	logger.Warn("workflow failed", zap.String("error", reason))
}

// flushDeferred publishes status changes held back while a step was running.
// The caller holds r.mu.
func (c *WorkflowController) flushDeferred(id uuid.UUID, r *run) {
	for _, event := range r.deferred {
		c.bus.Publish(id.String(), event)
	}
	r.deferred = nil
}

func failWorkflow(wf *model.Workflow, idx int, now time.Time) {
	wf.Status = model.WorkflowFailed
	wf.ErrorMessage = fmt.Sprintf("step %q failed: %s", wf.Steps[idx].Name, wf.Steps[idx].Error)
	wf.FinishedAt = &now
}

func failureEvent(wf *model.Workflow, idx int) eventbus.WorkflowFailed {
	return eventbus.WorkflowFailed{
		WorkflowID: wf.ID.String(),
		StepID:     wf.Steps[idx].ID,
		StepName:   wf.Steps[idx].Name,
		Error:      wf.Steps[idx].Error,
	}
}

func failureAudit(wf *model.Workflow, idx int) *model.AuditEvent {
	return model.NewAuditEvent(model.SystemActor, string(eventbus.EventWorkflowFailed), wf.ID.String(), model.JSONB{
		"from":    string(model.WorkflowInProgress),
		"to":      string(model.WorkflowFailed),
		"step_id": wf.Steps[idx].ID,
		"error":   wf.Steps[idx].Error,
	})
}

func stepAudit(eventType string, wf *model.Workflow, idx int) *model.AuditEvent {
	step := wf.Steps[idx]
	payload := model.JSONB{
		"step_id": step.ID,
		"index":   idx,
		"status":  string(step.Status),
	}
	if step.Error != "" {
		payload["error"] = step.Error
	}
	return model.NewAuditEvent(model.SystemActor, eventType, wf.ID.String(), payload)
}
