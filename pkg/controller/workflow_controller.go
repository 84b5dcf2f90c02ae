package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/agent"
	"github.com/flowforge/gateway/pkg/eventbus"
	"github.com/flowforge/gateway/pkg/metrics"
	"github.com/flowforge/gateway/pkg/model"
	"github.com/flowforge/gateway/pkg/store"
)

const (
	cancelledStepError = "cancelled"

	defaultRetryAttempts = 5
	defaultRetryBackoff  = 50 * time.Millisecond
)

// WorkflowController owns workflow status and drives the step loop. Commands
// and loop boundary decisions for one workflow are serialised by that
// workflow's run lock; unrelated workflows never contend.
type WorkflowController struct {
	store  store.Store
	bus    eventbus.Publisher
	runner agent.Runner
	logger *zap.Logger

	retryAttempts int
	retryBackoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[uuid.UUID]*run
	closed bool
}

// run is the in-process bookkeeping of one workflow.
type run struct {
	mu        sync.Mutex
	refs      int
	active    bool // a loop goroutine owns the workflow
	executing bool // the loop is inside a step
	deferred  []eventbus.Payload
}

func NewWorkflowController(st store.Store, bus eventbus.Publisher, runner agent.Runner, logger *zap.Logger) *WorkflowController {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkflowController{
		store:  st,
		bus:    bus,
		runner: runner,
		logger: logger.Named("workflow_controller"),

		retryAttempts: defaultRetryAttempts,
		retryBackoff:  defaultRetryBackoff,

		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[uuid.UUID]*run),
	}
}

// Start resumes loops for workflows a previous process left in progress.
// A step that was in flight when that process stopped is run again.
func (c *WorkflowController) Start(ctx context.Context) error {
	for _, status := range []model.WorkflowStatus{model.WorkflowInProgress, model.WorkflowPaused} {
		workflows, err := c.store.ListWorkflowsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s workflows: %w", status, err)
		}
		for i := range workflows {
			if err := c.recover(ctx, workflows[i].ID); err != nil {
				c.logger.Error("failed to recover workflow", zap.String("workflow_id", workflows[i].ID.String()), zap.Error(err))
			}
		}
	}

	c.logger.Info("workflow controller started")
	return nil
}

func (c *WorkflowController) recover(ctx context.Context, id uuid.UUID) error {
	r := c.acquire(id)
	defer c.release(id, r)

	r.mu.Lock()
	defer r.mu.Unlock()

	wf, err := c.store.UpdateWorkflow(ctx, id, func(wf *model.Workflow) ([]*model.AuditEvent, error) {
		if idx := wf.Steps.Running(); idx >= 0 {
			wf.Steps[idx].Status = model.StepPending
			wf.Steps[idx].StartedAt = nil
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	if wf.Status == model.WorkflowInProgress && !r.active {
		c.spawn(id, r)
		c.logger.Info("recovered workflow", zap.String("workflow_id", id.String()))
	}
	return nil
}

// Shutdown stops every loop and waits for them to return. Steps interrupted
// by shutdown stay in progress and are picked up by the next Start.
func (c *WorkflowController) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("workflow controller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WorkflowController) Create(ctx context.Context, ownerID string, spec WorkflowSpec) (*model.Workflow, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	wf := spec.build(ownerID)
	audit := model.NewAuditEvent(ownerID, "workflow_created", wf.ID.String(), model.JSONB{
		"name":  wf.Name,
		"steps": len(wf.Steps),
	})
	if err := c.store.CreateWorkflow(ctx, wf, audit); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	c.logger.Info("workflow created", zap.String("workflow_id", wf.ID.String()), zap.String("owner_id", ownerID))
	return wf.Clone(), nil
}

func (c *WorkflowController) Get(ctx context.Context, id uuid.UUID, callerID string) (*model.Workflow, error) {
	wf, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.OwnerID != callerID {
		return nil, model.ErrForbidden
	}
	return wf, nil
}

func (c *WorkflowController) Execute(ctx context.Context, id uuid.UUID, callerID string) error {
	return c.command(ctx, id, callerID, model.WorkflowInProgress, model.WorkflowCreated)
}

func (c *WorkflowController) Pause(ctx context.Context, id uuid.UUID, callerID string) error {
	return c.command(ctx, id, callerID, model.WorkflowPaused, model.WorkflowInProgress)
}

func (c *WorkflowController) Resume(ctx context.Context, id uuid.UUID, callerID string) error {
	return c.command(ctx, id, callerID, model.WorkflowInProgress, model.WorkflowPaused)
}

func (c *WorkflowController) Cancel(ctx context.Context, id uuid.UUID, callerID string) error {
	return c.command(ctx, id, callerID, model.WorkflowCancelled, model.WorkflowInProgress, model.WorkflowPaused)
}

// command applies one operator transition. from lists the statuses the
// command is accepted in.
func (c *WorkflowController) command(ctx context.Context, id uuid.UUID, callerID string, to model.WorkflowStatus, from ...model.WorkflowStatus) error {
	r := c.acquire(id)
	defer c.release(id, r)

	r.mu.Lock()
	defer r.mu.Unlock()

	var previous model.WorkflowStatus
	_, err := c.store.UpdateWorkflow(ctx, id, func(wf *model.Workflow) ([]*model.AuditEvent, error) {
		if wf.OwnerID != callerID {
			return nil, model.ErrForbidden
		}
		if !statusIn(wf.Status, from) || !wf.Status.CanTransition(to) {
			return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, wf.Status, to)
		}

		previous = wf.Status
		now := time.Now().UTC()
		wf.Status = to
		if to == model.WorkflowInProgress && wf.StartedAt == nil {
			wf.StartedAt = &now
		}
		if to == model.WorkflowCancelled {
			wf.FinishedAt = &now
			if idx := wf.Steps.Running(); idx >= 0 {
				wf.Steps[idx].Status = model.StepFailed
				wf.Steps[idx].Error = cancelledStepError
				wf.Steps[idx].FinishedAt = &now
			}
		}
		return []*model.AuditEvent{statusAudit(callerID, wf.ID, previous, to)}, nil
	})
	if err != nil {
		return err
	}

	metrics.WorkflowTransitions.WithLabelValues(string(to)).Inc()
	c.logger.Info("workflow status changed",
		zap.String("workflow_id", id.String()),
		zap.String("from", string(previous)),
		zap.String("to", string(to)),
		zap.String("actor", callerID))

	event := eventbus.StatusChanged{WorkflowID: id.String(), From: previous, Status: to, Actor: callerID}
	switch {
	case r.executing && to != model.WorkflowCancelled:
		// Observers see this change after the running step's step_completed.
		r.deferred = append(r.deferred, event)
	case to == model.WorkflowCancelled:
		// The running step's result is discarded, so held changes go out now.
		c.flushDeferred(id, r)
		c.bus.Publish(id.String(), event)
	default:
		c.bus.Publish(id.String(), event)
	}

	if to == model.WorkflowInProgress && !r.active {
		c.spawn(id, r)
	}
	return nil
}

// acquire returns the run of id, creating it on first use. Each acquire must
// be paired with release.
func (c *WorkflowController) acquire(id uuid.UUID) *run {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[id]
	if !ok {
		r = &run{}
		c.runs[id] = r
	}
	r.refs++
	return r
}

func (c *WorkflowController) release(id uuid.UUID, r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r.refs--
	if r.refs == 0 {
		delete(c.runs, id)
	}
}

// spawn starts the loop of id. The caller holds r.mu.
func (c *WorkflowController) spawn(id uuid.UUID, r *run) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("controller is shutting down, loop not started", zap.String("workflow_id", id.String()))
		return
	}
	r.refs++
	c.wg.Add(1)
	c.mu.Unlock()

	r.active = true
	go c.loop(id, r)
}

// ActiveLoops returns the number of workflows with a running loop.
func (c *WorkflowController) ActiveLoops() int {
	c.mu.Lock()
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	n := 0
	for _, r := range runs {
		r.mu.Lock()
		if r.active {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

func statusIn(status model.WorkflowStatus, set []model.WorkflowStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func statusAudit(actor string, id uuid.UUID, from, to model.WorkflowStatus) *model.AuditEvent {
	return model.NewAuditEvent(actor, string(eventbus.EventStatusChanged), id.String(), model.JSONB{
		"from": string(from),
		"to":   string(to),
	})
}
