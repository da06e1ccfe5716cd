// Package mission implements the continuation controller: the state machine
// that drives one mission's step loop through the resilient caller, the
// safety governor and the approval gate, checkpointing after every
// transition. Manager runs many controllers side by side.
package mission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"missiongov/internal/checkpoint"
	"missiongov/internal/governor"
	"missiongov/internal/hitl"
	"missiongov/internal/logging"
	"missiongov/internal/resilience"
	"missiongov/internal/types"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	reasonStopped     = "stopped by user"
	reasonRejected    = "rejected by reviewer"
	reasonGoal        = "goal achieved"
	reasonPersistence = "checkpoint persistence failure"
)

var (
	// ErrMissionActive means a controller is already running the mission.
	ErrMissionActive = errors.New("mission is already running")
	// ErrMissionNotActive means no live controller owns the mission.
	ErrMissionNotActive = errors.New("mission is not running")
	// ErrMissionExists means the tenant already has checkpoints for the id.
	ErrMissionExists = errors.New("mission already exists")
	// ErrIllegalTransition means the state machine forbids the move.
	ErrIllegalTransition = errors.New("illegal mission transition")
)

// StepExecutor performs one reasoning step. It is the opaque capability the
// controller governs.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, state types.MissionState, stepCtx types.StepContext) (types.StepResult, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, state types.MissionState, stepCtx types.StepContext) (types.StepResult, error)

// ExecuteStep calls f.
func (f StepExecutorFunc) ExecuteStep(ctx context.Context, state types.MissionState, stepCtx types.StepContext) (types.StepResult, error) {
	return f(ctx, state, stepCtx)
}

// Deps are the collaborators a controller composes. Caller and Gate are
// shared across missions.
type Deps struct {
	Executor StepExecutor
	Caller   *resilience.Caller
	Gate     *hitl.Gate
	Store    checkpoint.Store
}

func (d Deps) validate() error {
	switch {
	case d.Executor == nil:
		return fmt.Errorf("%w: step executor is required", types.ErrInvalidInput)
	case d.Caller == nil:
		return fmt.Errorf("%w: resilient caller is required", types.ErrInvalidInput)
	case d.Gate == nil:
		return fmt.Errorf("%w: approval gate is required", types.ErrInvalidInput)
	case d.Store == nil:
		return fmt.Errorf("%w: checkpoint store is required", types.ErrInvalidInput)
	}
	return nil
}

// Options tune a controller.
type Options struct {
	Governor        governor.Policy
	Approval        hitl.Policy
	Dependency      string                 // breaker name for the step executor
	Call            resilience.CallOptions // zero fields take the caller's defaults
	PersistAttempts int                    // checkpoint save attempts
	PersistBackoff  time.Duration          // delay between save attempts
	PurgeOnComplete bool                   // clear checkpoints once COMPLETED
	Observer        Observer
	Now             func() time.Time
}

// DefaultOptions returns the default policy, a balanced approval level, the
// "step-executor" dependency and three save attempts 50ms apart.
func DefaultOptions() Options {
	return Options{
		Governor:        governor.DefaultPolicy(),
		Approval:        hitl.Policy{Level: hitl.Balanced},
		Dependency:      "step-executor",
		PersistAttempts: 3,
		PersistBackoff:  50 * time.Millisecond,
		Now:             time.Now,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Dependency == "" {
		o.Dependency = def.Dependency
	}
	if o.PersistAttempts <= 0 {
		o.PersistAttempts = def.PersistAttempts
	}
	if o.PersistBackoff < 0 {
		o.PersistBackoff = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Controller drives a single mission. It is the mission's only writer; Run
// must not be called concurrently with itself.
type Controller struct {
	deps   Deps
	opts   Options
	tracer trace.Tracer

	mu     sync.Mutex // guards state and resume for Snapshot
	state  types.MissionState
	resume checkpoint.Resume

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewController returns a controller for state. resume carries what the
// previous checkpoint knew; pass the zero value for a fresh mission. A mission
// awaiting approval must carry its pending request, which is re-registered
// with the gate.
func NewController(deps Deps, state types.MissionState, resume checkpoint.Resume, opts Options) (*Controller, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	if state.Status == types.StatusAwaitingApproval {
		if resume.PendingApproval == nil {
			return nil, fmt.Errorf("%w: mission %s awaits approval but has no pending request", types.ErrInvalidInput, state.MissionID)
		}
		if err := deps.Gate.Restore(*resume.PendingApproval); err != nil {
			return nil, fmt.Errorf("failed to restore pending approval: %w", err)
		}
	}

	c := &Controller{
		deps:   deps,
		opts:   opts.withDefaults(),
		tracer: otel.Tracer("missiongov/internal/mission"),
		state:  state.Clone(),
		resume: cloneResume(resume),
		stopCh: make(chan struct{}),
	}
	return c, nil
}

// Stop asks the controller to stop at its next check. It is safe to call
// more than once and from any goroutine.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Snapshot returns a copy of the mission state.
func (c *Controller) Snapshot() types.MissionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// PendingApproval returns the request the mission waits on, if any.
func (c *Controller) PendingApproval() *types.ApprovalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resume.PendingApproval == nil {
		return nil
	}
	req := c.resume.PendingApproval.Clone()
	return &req
}

// Run drives the mission until it reaches a terminal status and returns the
// final state. Cancelling ctx is equivalent to Stop. The error is non-nil
// only when the controller could not record the mission durably or the
// state machine was violated; terminal outcomes are carried by the state.
func (c *Controller) Run(ctx context.Context) (types.MissionState, error) {
	if !c.running.CompareAndSwap(false, true) {
		return c.Snapshot(), ErrMissionActive
	}
	defer c.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	state := c.Snapshot()
	ctx, span := c.tracer.Start(ctx, "mission.run", trace.WithAttributes(
		attribute.String("mission.id", state.MissionID),
		attribute.String("tenant.id", state.TenantID),
		attribute.Int("mission.start_step", state.CurrentStep),
	))
	defer span.End()

	err := c.loop(ctx)
	final := c.Snapshot()
	span.SetAttributes(
		attribute.String("mission.status", string(final.Status)),
		attribute.Int("mission.steps", final.CurrentStep),
		attribute.Float64("mission.total_cost", final.TotalCost),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return final, err
}

func (c *Controller) loop(ctx context.Context) error {
	state := c.Snapshot()
	if state.Status.IsTerminal() {
		logging.MissionDebug("mission %s/%s already %s", state.TenantID, state.MissionID, state.Status)
		return nil
	}

	if state.Status == types.StatusRunning {
		if v := governor.Check(state, c.opts.Governor); v.Tripped {
			logging.Governor("mission %s/%s tripped before start: %s", state.TenantID, state.MissionID, v.Reason)
			return c.transition(ctx, types.StatusBudgetExceeded, v.Reason, "")
		}
	}

	for {
		state := c.Snapshot()
		if state.Status.IsTerminal() {
			return nil
		}
		if c.stopped(ctx) {
			return c.stop(ctx)
		}

		var err error
		if state.Status == types.StatusAwaitingApproval {
			err = c.awaitApproval(ctx)
		} else {
			err = c.step(ctx, state)
		}
		if err != nil {
			return err
		}
	}
}

func (c *Controller) stopped(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	default:
	}
	return ctx.Err() != nil
}

func (c *Controller) stop(ctx context.Context) error {
	c.mu.Lock()
	c.resume.PendingApproval = nil
	c.mu.Unlock()
	return c.transition(ctx, types.StatusStoppedByUser, reasonStopped, "")
}

// step runs one iteration from RUNNING.
func (c *Controller) step(ctx context.Context, state types.MissionState) error {
	c.mu.Lock()
	stepCtx := c.resume.Next.Clone()
	stepCtx.Step = state.CurrentStep + 1
	stepCtx.LastOutput = c.resume.LastOutput
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "mission.step", trace.WithAttributes(
		attribute.String("mission.id", state.MissionID),
		attribute.Int("mission.step", stepCtx.Step),
	))
	defer span.End()

	timer := logging.StartTimer(logging.CategoryMission, fmt.Sprintf("step %d of %s", stepCtx.Step, state.MissionID))
	result, err := resilience.Do(ctx, c.deps.Caller, c.opts.Dependency, c.opts.Call,
		func(ctx context.Context) (types.StepResult, error) {
			return c.deps.Executor.ExecuteStep(ctx, state.Clone(), stepCtx.Clone())
		})
	timer.Stop()

	if err != nil {
		class := types.ClassOf(err)
		span.SetAttributes(attribute.String("error.class", string(class)))
		span.RecordError(err)
		if class == types.ClassCancelled {
			return c.stop(ctx)
		}
		span.SetStatus(codes.Error, string(class))
		logging.MissionError("mission %s/%s step %d failed: %v", state.TenantID, state.MissionID, stepCtx.Step, err)
		return c.transition(ctx, types.StatusFailed, err.Error(), "")
	}

	if result.Cost < 0 || math.IsNaN(result.Cost) || math.IsInf(result.Cost, 0) {
		reason := fmt.Sprintf("%s: step %d reported cost %v", types.ErrInvalidInput, stepCtx.Step, result.Cost)
		return c.transition(ctx, types.StatusFailed, reason, "")
	}

	c.mu.Lock()
	c.state.CurrentStep++
	c.state.TotalCost += result.Cost
	c.state.LastUpdatedAt = c.opts.Now()
	c.resume.LastOutput = result.Output
	c.resume.Next = types.StepContext{
		Step:       c.state.CurrentStep + 1,
		LastOutput: result.Output,
		Attributes: copyAttrs(result.Next),
	}
	applied := c.state.Clone()
	c.mu.Unlock()
	span.SetAttributes(attribute.Float64("step.cost", result.Cost))

	if c.stopped(ctx) {
		return c.stop(ctx)
	}

	if v := governor.Check(applied, c.opts.Governor); v.Tripped {
		logging.Governor("mission %s/%s tripped at step %d: %s", applied.TenantID, applied.MissionID, applied.CurrentStep, v.Reason)
		return c.transition(ctx, types.StatusBudgetExceeded, v.Reason, "")
	}

	if req := c.deps.Gate.Evaluate(applied, result, c.opts.Approval); req != nil {
		c.mu.Lock()
		c.resume.PendingApproval = req
		c.resume.GoalAchieved = result.GoalAchieved
		c.mu.Unlock()
		return c.transition(ctx, types.StatusAwaitingApproval, req.Summary, req.CheckpointID)
	}

	if result.GoalAchieved {
		return c.transition(ctx, types.StatusCompleted, reasonGoal, "")
	}
	return c.transition(ctx, types.StatusRunning, "", "")
}

// awaitApproval blocks on the gate without holding any lock.
func (c *Controller) awaitApproval(ctx context.Context) error {
	req := c.PendingApproval()
	if req == nil {
		return c.transition(ctx, types.StatusFailed, "awaiting approval without a pending request", "")
	}

	logging.MissionDebug("mission %s/%s waiting on approval %s", req.TenantID, req.MissionID, req.CheckpointID)
	decision, err := c.deps.Gate.Wait(ctx, req.CheckpointID)
	if err != nil {
		if c.stopped(ctx) {
			return c.stop(ctx)
		}
		return c.transition(ctx, types.StatusFailed, fmt.Sprintf("approval wait failed: %v", err), "")
	}
	return c.applyDecision(ctx, decision)
}

// applyDecision moves the mission out of AWAITING_APPROVAL. An approval that
// follows an achieved goal completes the mission.
func (c *Controller) applyDecision(ctx context.Context, decision types.Decision) error {
	c.mu.Lock()
	c.resume.PendingApproval = nil
	goal := c.resume.GoalAchieved
	c.resume.GoalAchieved = false
	c.mu.Unlock()

	if hitl.StatusFor(decision) == types.StatusFailed {
		return c.transition(ctx, types.StatusFailed, reasonRejected, "")
	}
	if err := c.transition(ctx, types.StatusRunning, "", ""); err != nil {
		return err
	}
	if goal {
		return c.transition(ctx, types.StatusCompleted, reasonGoal, "")
	}
	return nil
}

// transition checkpoints the move to `to` and only then commits it. A move
// that cannot be persisted turns into FAILED.
func (c *Controller) transition(ctx context.Context, to types.MissionStatus, reason, checkpointID string) error {
	c.mu.Lock()
	from := c.state.Status
	if !types.CanTransition(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	next := c.state.Clone()
	next.Status = to
	next.Reason = reason
	next.LastUpdatedAt = c.opts.Now()
	resume := cloneResume(c.resume)
	c.mu.Unlock()

	id, err := c.persist(ctx, checkpointID, next, resume)
	if err != nil {
		return c.failPersistence(ctx, err)
	}

	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	c.notify(ctx, from, next, id, resume.PendingApproval)
	if to.IsTerminal() {
		c.finish(ctx, next)
	}
	return nil
}

// persist saves the state with a short bounded retry. Saves run on a
// non-cancelled context so a stop never abandons a write.
func (c *Controller) persist(ctx context.Context, id string, state types.MissionState, resume checkpoint.Resume) (string, error) {
	ctx = context.WithoutCancel(ctx)
	rec, err := checkpoint.NewRecord(id, state, resume, c.opts.Now())
	if err != nil {
		return "", err
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.deps.Store.Save(ctx, rec)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, checkpoint.ErrDuplicateCheckpoint) && attempt > 1:
			// An earlier attempt landed but reported failure.
			return struct{}{}, nil
		case errors.Is(err, checkpoint.ErrDuplicateCheckpoint),
			errors.Is(err, checkpoint.ErrMissionTerminal),
			errors.Is(err, types.ErrInvalidInput):
			return struct{}{}, backoff.Permanent(err)
		}
		logging.CheckpointError("save %s for %s/%s failed (attempt %d/%d): %v",
			rec.CheckpointID, rec.TenantID, rec.MissionID, attempt, c.opts.PersistAttempts, err)
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.PersistBackoff)),
		backoff.WithMaxTries(uint(c.opts.PersistAttempts)),
	)
	if err != nil {
		return "", err
	}
	logging.CheckpointDebug("saved %s for %s/%s (%s, step %d)",
		rec.CheckpointID, rec.TenantID, rec.MissionID, rec.Status, state.CurrentStep)
	return rec.CheckpointID, nil
}

// failPersistence marks the mission FAILED after retries ran out and makes
// one best-effort attempt to record that.
func (c *Controller) failPersistence(ctx context.Context, cause error) error {
	c.mu.Lock()
	from := c.state.Status
	c.resume.PendingApproval = nil
	c.state.Status = types.StatusFailed
	c.state.Reason = reasonPersistence
	c.state.LastUpdatedAt = c.opts.Now()
	failed := c.state.Clone()
	resume := cloneResume(c.resume)
	c.mu.Unlock()

	logging.MissionError("mission %s/%s: %s: %v", failed.TenantID, failed.MissionID, reasonPersistence, cause)

	var id string
	if rec, err := checkpoint.NewRecord("", failed, resume, c.opts.Now()); err == nil {
		if err := c.deps.Store.Save(context.WithoutCancel(ctx), rec); err != nil {
			logging.CheckpointError("final save for %s/%s failed: %v", failed.TenantID, failed.MissionID, err)
		} else {
			id = rec.CheckpointID
		}
	}

	c.notify(ctx, from, failed, id, nil)
	c.finish(ctx, failed)
	return fmt.Errorf("%w: %s/%s: %w", types.ErrPersistence, failed.TenantID, failed.MissionID, cause)
}

func (c *Controller) notify(ctx context.Context, from types.MissionStatus, state types.MissionState, checkpointID string, approval *types.ApprovalRequest) {
	if c.opts.Observer == nil {
		return
	}
	t := Transition{
		MissionID:    state.MissionID,
		TenantID:     state.TenantID,
		From:         from,
		To:           state.Status,
		Step:         state.CurrentStep,
		TotalCost:    state.TotalCost,
		Reason:       state.Reason,
		CheckpointID: checkpointID,
		At:           state.LastUpdatedAt,
	}
	if state.Status == types.StatusAwaitingApproval && approval != nil {
		req := approval.Clone()
		t.Approval = &req
	}
	c.opts.Observer.OnTransition(context.WithoutCancel(ctx), t)
}

// finish runs once the mission is terminal.
func (c *Controller) finish(ctx context.Context, state types.MissionState) {
	c.deps.Gate.Forget(state.MissionID, state.TenantID)
	if state.Status == types.StatusCompleted && c.opts.PurgeOnComplete {
		if err := c.deps.Store.Clear(context.WithoutCancel(ctx), state.MissionID, state.TenantID); err != nil {
			logging.CheckpointError("purge of %s/%s failed: %v", state.TenantID, state.MissionID, err)
		}
	}
	logging.Mission("mission %s/%s finished %s after %d steps, cost $%.2f: %s",
		state.TenantID, state.MissionID, state.Status, state.CurrentStep, state.TotalCost, state.Reason)
}

func cloneResume(r checkpoint.Resume) checkpoint.Resume {
	out := r
	out.Next = r.Next.Clone()
	if r.PendingApproval != nil {
		req := r.PendingApproval.Clone()
		out.PendingApproval = &req
	}
	return out
}

func copyAttrs(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
