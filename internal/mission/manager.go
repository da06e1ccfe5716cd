package mission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"missiongov/internal/checkpoint"
	"missiongov/internal/governor"
	"missiongov/internal/hitl"
	"missiongov/internal/logging"
	"missiongov/internal/types"
)

type missionKey struct {
	tenantID  string
	missionID string
}

type handle struct {
	ctrl  *Controller
	done  chan struct{}
	final types.MissionState
	err   error
}

// Manager owns the live controllers of a process and exposes the external
// surface: start, resume, stop, approval resolution and status queries. It
// refuses a second live controller for the same tenant/mission.
type Manager struct {
	deps Deps

	mu   sync.Mutex
	opts Options
	live map[missionKey]*handle
	wg   sync.WaitGroup
}

// NewManager returns a manager whose controllers share deps and opts.
func NewManager(deps Deps, opts Options) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		deps: deps,
		opts: opts.withDefaults(),
		live: make(map[missionKey]*handle),
	}, nil
}

// StartRequest describes a new mission.
type StartRequest struct {
	MissionID   string
	TenantID    string
	BudgetLimit *float64
	// Executor overrides the manager's step executor for this mission.
	Executor StepExecutor
	// Approval overrides the manager's approval policy for this mission.
	Approval *hitl.Policy
}

// SetPolicies replaces the governor and approval policies used by missions
// started or resumed from now on. Running missions keep theirs.
func (m *Manager) SetPolicies(gov governor.Policy, approval hitl.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Governor = gov
	m.opts.Approval = approval
	logging.Governor("policies updated: max_steps=%d max_cost=%.2f max_runtime=%v safety=%s",
		gov.MaxSteps, gov.MaxCost, gov.MaxRuntime, approval.Level)
}

// Start writes the mission's first checkpoint and runs it in the background
// until it is terminal or ctx is cancelled.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Controller, error) {
	state := types.NewMissionState(req.MissionID, req.TenantID, m.opts.Now())
	if req.BudgetLimit != nil {
		state.BudgetLimit = types.Float64(*req.BudgetLimit)
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	opts := m.opts
	if req.Approval != nil {
		opts.Approval = *req.Approval
	}
	key := missionKey{tenantID: req.TenantID, missionID: req.MissionID}
	if _, ok := m.live[key]; ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrMissionActive, req.TenantID, req.MissionID)
	}
	_, err := m.deps.Store.Latest(ctx, req.MissionID, req.TenantID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s/%s", ErrMissionExists, req.TenantID, req.MissionID)
	case !errors.Is(err, checkpoint.ErrNotFound) && !errors.Is(err, checkpoint.ErrTenantMismatch):
		return nil, fmt.Errorf("failed to check for existing mission: %w", err)
	}

	ctrl, err := NewController(m.depsFor(req.Executor), state, checkpoint.Resume{Next: types.StepContext{Step: 1}}, opts)
	if err != nil {
		return nil, err
	}
	if _, err := ctrl.persist(ctx, "", state, checkpoint.Resume{Next: types.StepContext{Step: 1}}); err != nil {
		return nil, fmt.Errorf("%w: failed to write initial checkpoint: %w", types.ErrPersistence, err)
	}
	logging.Mission("starting mission %s/%s", req.TenantID, req.MissionID)
	m.launch(ctx, key, ctrl)
	return ctrl, nil
}

// Resume reloads the latest checkpoint and continues the mission at the
// next iteration. A mission that was awaiting approval resumes waiting.
func (m *Manager) Resume(ctx context.Context, missionID, tenantID string, executor StepExecutor) (*Controller, error) {
	return m.ResumeWith(ctx, StartRequest{MissionID: missionID, TenantID: tenantID, Executor: executor})
}

// ResumeWith is Resume with per-mission overrides. BudgetLimit is ignored;
// a resumed mission keeps the limit it was started with.
func (m *Manager) ResumeWith(ctx context.Context, req StartRequest) (*Controller, error) {
	missionID, tenantID := req.MissionID, req.TenantID
	m.mu.Lock()
	defer m.mu.Unlock()
	key := missionKey{tenantID: tenantID, missionID: missionID}
	if _, ok := m.live[key]; ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrMissionActive, tenantID, missionID)
	}

	opts := m.opts
	if req.Approval != nil {
		opts.Approval = *req.Approval
	}
	ctrl, err := m.load(ctx, missionID, tenantID, req.Executor, opts)
	if err != nil {
		return nil, err
	}
	state := ctrl.Snapshot()
	if state.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s/%s is %s", checkpoint.ErrMissionTerminal, tenantID, missionID, state.Status)
	}
	logging.Mission("resuming mission %s/%s at step %d (%s)", tenantID, missionID, state.CurrentStep, state.Status)
	m.launch(ctx, key, ctrl)
	return ctrl, nil
}

func (m *Manager) load(ctx context.Context, missionID, tenantID string, executor StepExecutor, opts Options) (*Controller, error) {
	rec, err := m.deps.Store.Latest(ctx, missionID, tenantID)
	if err != nil {
		return nil, err
	}
	p, err := checkpoint.DecodePayload(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", rec.CheckpointID, err)
	}
	if p.State.MissionID != missionID || p.State.TenantID != tenantID {
		return nil, fmt.Errorf("%w: checkpoint %s", checkpoint.ErrTenantMismatch, rec.CheckpointID)
	}
	return NewController(m.depsFor(executor), p.State, p.Resume, opts)
}

func (m *Manager) depsFor(executor StepExecutor) Deps {
	deps := m.deps
	if executor != nil {
		deps.Executor = executor
	}
	return deps
}

// launch must be called with m.mu held.
func (m *Manager) launch(ctx context.Context, key missionKey, ctrl *Controller) {
	h := &handle{ctrl: ctrl, done: make(chan struct{})}
	m.live[key] = h
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		final, err := ctrl.Run(ctx)
		if err != nil {
			logging.MissionError("mission %s/%s ended with error: %v", key.tenantID, key.missionID, err)
		}

		m.mu.Lock()
		h.final, h.err = final, err
		if m.live[key] == h {
			delete(m.live, key)
		}
		m.mu.Unlock()
		close(h.done)
	}()
}

func (m *Manager) handle(missionID, tenantID string) (*handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.live[missionKey{tenantID: tenantID, missionID: missionID}]
	return h, ok
}

// Stop asks a live mission to stop. It returns once the stop is requested;
// use Wait for the final state.
func (m *Manager) Stop(missionID, tenantID string) error {
	h, ok := m.handle(missionID, tenantID)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrMissionNotActive, tenantID, missionID)
	}
	logging.Mission("stop requested for %s/%s", tenantID, missionID)
	h.ctrl.Stop()
	return nil
}

// Resolve applies a reviewer's decision to the mission's pending approval
// and returns the status the mission moves to. When no controller is live
// the decision is applied to the latest checkpoint so a later Resume picks
// it up.
func (m *Manager) Resolve(ctx context.Context, missionID, tenantID, checkpointID string, decision types.Decision) (types.MissionStatus, error) {
	if !decision.Valid() {
		return "", fmt.Errorf("%w: decision must be approve or reject, got %q", types.ErrInvalidInput, decision)
	}

	if req, ok := m.deps.Gate.Get(checkpointID); ok {
		if req.MissionID != missionID || req.TenantID != tenantID {
			return "", fmt.Errorf("%w: %s", hitl.ErrUnknownRequest, checkpointID)
		}
		if _, live := m.handle(missionID, tenantID); live {
			return m.deps.Gate.Resolve(checkpointID, decision)
		}
	}
	return m.resolveOffline(ctx, missionID, tenantID, checkpointID, decision)
}

func (m *Manager) resolveOffline(ctx context.Context, missionID, tenantID, checkpointID string, decision types.Decision) (types.MissionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := missionKey{tenantID: tenantID, missionID: missionID}
	if _, ok := m.live[key]; ok {
		// Resumed while we were looking; the live controller owns it now.
		return m.deps.Gate.Resolve(checkpointID, decision)
	}

	ctrl, err := m.load(ctx, missionID, tenantID, nil, m.opts)
	if err != nil {
		if errors.Is(err, hitl.ErrAlreadyResolved) {
			return "", fmt.Errorf("%w: %s", hitl.ErrAlreadyResolved, checkpointID)
		}
		return "", err
	}
	defer m.deps.Gate.Forget(missionID, tenantID)

	pending := ctrl.PendingApproval()
	if ctrl.Snapshot().Status != types.StatusAwaitingApproval || pending == nil || pending.CheckpointID != checkpointID {
		if m.seen(ctx, missionID, tenantID, checkpointID) {
			return "", fmt.Errorf("%w: %s", hitl.ErrAlreadyResolved, checkpointID)
		}
		return "", fmt.Errorf("%w: %s", hitl.ErrUnknownRequest, checkpointID)
	}

	status, err := m.deps.Gate.Resolve(checkpointID, decision)
	if err != nil {
		return "", err
	}
	if err := ctrl.applyDecision(ctx, decision); err != nil {
		return "", err
	}
	logging.HITL("applied %s to stored mission %s/%s", decision, tenantID, missionID)
	return status, nil
}

// seen reports whether checkpointID is in the mission's audit trail.
func (m *Manager) seen(ctx context.Context, missionID, tenantID, checkpointID string) bool {
	records, err := m.deps.Store.List(ctx, missionID, tenantID)
	if err != nil {
		return false
	}
	for _, r := range records {
		if r.CheckpointID == checkpointID {
			return true
		}
	}
	return false
}

// GetStatus returns the live state of a running mission, or the state in
// its latest checkpoint.
func (m *Manager) GetStatus(ctx context.Context, missionID, tenantID string) (types.MissionState, error) {
	if h, ok := m.handle(missionID, tenantID); ok {
		return h.ctrl.Snapshot(), nil
	}
	rec, err := m.deps.Store.Latest(ctx, missionID, tenantID)
	if err != nil {
		return types.MissionState{}, err
	}
	p, err := checkpoint.DecodePayload(rec.Payload)
	if err != nil {
		return types.MissionState{}, err
	}
	return p.State, nil
}

// Wait blocks until the live mission finishes and returns its final state.
// For a mission that is not running it returns the stored state.
func (m *Manager) Wait(ctx context.Context, missionID, tenantID string) (types.MissionState, error) {
	h, ok := m.handle(missionID, tenantID)
	if !ok {
		return m.GetStatus(ctx, missionID, tenantID)
	}
	select {
	case <-h.done:
		return h.final, h.err
	case <-ctx.Done():
		return h.ctrl.Snapshot(), ctx.Err()
	}
}

// Purge clears a mission's checkpoints. Live missions cannot be purged.
func (m *Manager) Purge(ctx context.Context, missionID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[missionKey{tenantID: tenantID, missionID: missionID}]; ok {
		return fmt.Errorf("%w: %s/%s", ErrMissionActive, tenantID, missionID)
	}
	m.deps.Gate.Forget(missionID, tenantID)
	if err := m.deps.Store.Clear(ctx, missionID, tenantID); err != nil {
		return fmt.Errorf("failed to purge %s/%s: %w", tenantID, missionID, err)
	}
	logging.Checkpoint("purged mission %s/%s", tenantID, missionID)
	return nil
}

// Active returns snapshots of the live missions, sorted by tenant then id.
func (m *Manager) Active() []types.MissionState {
	m.mu.Lock()
	out := make([]types.MissionState, 0, len(m.live))
	for _, h := range m.live {
		out = append(out, h.ctrl.Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].MissionID < out[j].MissionID
	})
	return out
}

// Shutdown stops every live mission and waits for them to checkpoint, or
// for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, h := range m.live {
		h.ctrl.Stop()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logging.MissionWarn("shutdown interrupted with %d missions still checkpointing", len(m.Active()))
		return ctx.Err()
	}
}
