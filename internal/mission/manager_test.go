package mission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"missiongov/internal/checkpoint"
	"missiongov/internal/hitl"
	"missiongov/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestManager(t *testing.T, exec StepExecutor, level hitl.SafetyLevel) (*Manager, Deps) {
	t.Helper()
	deps := testDeps(exec)
	m, err := NewManager(deps, testOptions(level, LogObserver{}))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
	})
	return m, deps
}

// awaitingRecord stores a mission paused on a plan approval at step 1.
func awaitingRecord(t *testing.T, store checkpoint.Store, missionID, tenantID string, goal bool) types.ApprovalRequest {
	t.Helper()
	state := types.NewMissionState(missionID, tenantID, time.Now())
	state.CurrentStep = 1
	state.TotalCost = 0.2
	state.Status = types.StatusAwaitingApproval
	req := types.ApprovalRequest{
		MissionID:    missionID,
		TenantID:     tenantID,
		CheckpointID: checkpoint.NewID(),
		Kind:         types.ApprovalPlan,
		Step:         1,
		CreatedAt:    time.Now(),
	}
	rec, err := checkpoint.NewRecord(req.CheckpointID, state, checkpoint.Resume{
		PendingApproval: &req,
		LastOutput:      "plan v1",
		GoalAchieved:    goal,
		Next:            types.StepContext{Step: 2, LastOutput: "plan v1"},
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), rec))
	return req
}

func TestManager_StartRunsToCompletion(t *testing.T) {
	exec := newScript(map[int]stepPlan{2: {result: types.StepResult{Cost: 0.1, GoalAchieved: true}}})
	m, deps := newTestManager(t, exec, hitl.Minimal)
	ctx := context.Background()

	_, err := m.Start(ctx, StartRequest{MissionID: "m-1", TenantID: "acme", BudgetLimit: types.Float64(5)})
	require.NoError(t, err)

	final, err := m.Wait(ctx, "m-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, final.Status)
	require.NotNil(t, final.BudgetLimit)
	assert.Equal(t, 5.0, *final.BudgetLimit)

	states := storedStates(t, deps.Store, "m-1", "acme")
	require.Len(t, states, 3, "initial, step 1, step 2")
	assert.Equal(t, 0, states[0].CurrentStep)

	got, err := m.GetStatus(ctx, "m-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)

	_, err = m.Start(ctx, StartRequest{MissionID: "m-1", TenantID: "acme"})
	assert.ErrorIs(t, err, ErrMissionExists)
	_, err = m.Resume(ctx, "m-1", "acme", nil)
	assert.ErrorIs(t, err, checkpoint.ErrMissionTerminal)
}

func TestManager_RefusesSecondLiveController(t *testing.T) {
	exec := newScript(map[int]stepPlan{1: {block: true}})
	m, _ := newTestManager(t, exec, hitl.Minimal)
	ctx := context.Background()

	_, err := m.Start(ctx, StartRequest{MissionID: "m-1", TenantID: "acme"})
	require.NoError(t, err)
	_, err = m.Start(ctx, StartRequest{MissionID: "m-1", TenantID: "acme"})
	assert.ErrorIs(t, err, ErrMissionActive)
	_, err = m.Resume(ctx, "m-1", "acme", nil)
	assert.ErrorIs(t, err, ErrMissionActive)
	assert.ErrorIs(t, m.Purge(ctx, "m-1", "acme"), ErrMissionActive)

	require.Len(t, m.Active(), 1)
	require.NoError(t, m.Stop("m-1", "acme"))
	final, err := m.Wait(ctx, "m-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStoppedByUser, final.Status)
	assert.Empty(t, m.Active())

	assert.ErrorIs(t, m.Stop("m-1", "acme"), ErrMissionNotActive)
	require.NoError(t, m.Purge(ctx, "m-1", "acme"))
	_, err = m.GetStatus(ctx, "m-1", "acme")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestManager_LiveResolve(t *testing.T) {
	exec := newScript(map[int]stepPlan{
		1: {result: types.StepResult{ApprovalTrigger: types.TriggerToolExecution}},
		2: {result: types.StepResult{GoalAchieved: true}},
	})
	m, deps := newTestManager(t, exec, hitl.Conservative)
	ctx := context.Background()

	ctrl, err := m.Start(ctx, StartRequest{MissionID: "m-1", TenantID: "acme"})
	require.NoError(t, err)
	awaitStatus(t, ctrl, types.StatusAwaitingApproval)
	req := ctrl.PendingApproval()
	require.NotNil(t, req)
	assert.Len(t, deps.Gate.Pending("m-1", "acme"), 1)

	_, err = m.Resolve(ctx, "m-1", "globex", req.CheckpointID, types.DecisionApprove)
	assert.ErrorIs(t, err, hitl.ErrUnknownRequest, "another tenant cannot resolve it")
	_, err = m.Resolve(ctx, "m-1", "acme", req.CheckpointID, types.Decision("maybe"))
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	status, err := m.Resolve(ctx, "m-1", "acme", req.CheckpointID, types.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, status)

	final, err := m.Wait(ctx, "m-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.CurrentStep)

	_, err = m.Resolve(ctx, "m-1", "acme", req.CheckpointID, types.DecisionReject)
	assert.ErrorIs(t, err, hitl.ErrAlreadyResolved)
	got, err := m.GetStatus(ctx, "m-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status, "a repeated resolve leaves the status unchanged")
}

func TestManager_ResumeRestoresPendingApproval(t *testing.T) {
	exec := newScript(map[int]stepPlan{2: {result: types.StepResult{Cost: 0.3, GoalAchieved: true}}})
	m, deps := newTestManager(t, exec, hitl.Balanced)
	ctx := context.Background()
	req := awaitingRecord(t, deps.Store, "m-1", "acme", false)

	ctrl, err := m.Resume(ctx, "m-1", "acme", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAwaitingApproval, ctrl.Snapshot().Status)
	pending := m.deps.Gate.Pending("m-1", "acme")
	require.Len(t, pending, 1)
	assert.Equal(t, req.CheckpointID, pending[0].CheckpointID)

	status, err := m.Resolve(ctx, "m-1", "acme", req.CheckpointID, types.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, status)

	final, err := m.Wait(ctx, "m-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.CurrentStep)
	assert.InDelta(t, 0.5, final.TotalCost, 1e-9)

	calls := exec.Calls()
	require.Len(t, calls, 1, "step 1 is not executed again")
	assert.Equal(t, 2, calls[0].Step)
	assert.Equal(t, "plan v1", calls[0].LastOutput)
}

func TestManager_OfflineResolve(t *testing.T) {
	t.Run("reject fails the stored mission", func(t *testing.T) {
		m, deps := newTestManager(t, newScript(nil), hitl.Balanced)
		ctx := context.Background()
		req := awaitingRecord(t, deps.Store, "m-1", "acme", false)

		status, err := m.Resolve(ctx, "m-1", "acme", req.CheckpointID, types.DecisionReject)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, status)

		got, err := m.GetStatus(ctx, "m-1", "acme")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, got.Status)
		assert.Equal(t, "rejected by reviewer", got.Reason)

		_, err = m.Resolve(ctx, "m-1", "acme", req.CheckpointID, types.DecisionApprove)
		assert.ErrorIs(t, err, hitl.ErrAlreadyResolved)
		_, err = m.Resolve(ctx, "m-1", "acme", "no-such-checkpoint", types.DecisionApprove)
		assert.ErrorIs(t, err, hitl.ErrUnknownRequest)
		assert.Empty(t, deps.Gate.Pending("", ""))
	})

	t.Run("approve leaves the mission resumable", func(t *testing.T) {
		exec := newScript(map[int]stepPlan{2: {result: types.StepResult{GoalAchieved: true}}})
		m, deps := newTestManager(t, exec, hitl.Balanced)
		ctx := context.Background()
		req := awaitingRecord(t, deps.Store, "m-1", "acme", false)

		status, err := m.Resolve(ctx, "m-1", "acme", req.CheckpointID, types.DecisionApprove)
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, status)
		assert.Empty(t, exec.Calls(), "offline resolution never runs a step")

		_, err = m.Resume(ctx, "m-1", "acme", nil)
		require.NoError(t, err)
		final, err := m.Wait(ctx, "m-1", "acme")
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, final.Status)
	})

	t.Run("approve after goal completes", func(t *testing.T) {
		m, deps := newTestManager(t, newScript(nil), hitl.Balanced)
		ctx := context.Background()
		req := awaitingRecord(t, deps.Store, "m-1", "acme", true)

		_, err := m.Resolve(ctx, "m-1", "acme", req.CheckpointID, types.DecisionApprove)
		require.NoError(t, err)
		got, err := m.GetStatus(ctx, "m-1", "acme")
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, got.Status)
	})

	t.Run("wrong tenant", func(t *testing.T) {
		m, deps := newTestManager(t, newScript(nil), hitl.Balanced)
		req := awaitingRecord(t, deps.Store, "m-1", "acme", false)

		_, err := m.Resolve(context.Background(), "m-1", "globex", req.CheckpointID, types.DecisionApprove)
		assert.ErrorIs(t, err, checkpoint.ErrTenantMismatch)
	})
}

func TestManager_ConcurrentTenantsWithCollidingIDs(t *testing.T) {
	const perTenant = 6
	exec := StepExecutorFunc(func(_ context.Context, state types.MissionState, stepCtx types.StepContext) (types.StepResult, error) {
		// Each tenant's missions cost a different amount so a leak would show.
		cost := 0.1
		if state.TenantID == "globex" {
			cost = 0.2
		}
		return types.StepResult{Cost: cost, GoalAchieved: stepCtx.Step == 3}, nil
	})
	m, _ := newTestManager(t, exec, hitl.Minimal)
	ctx := context.Background()

	tenants := []string{"acme", "globex"}
	for _, tenant := range tenants {
		for i := 0; i < perTenant; i++ {
			_, err := m.Start(ctx, StartRequest{MissionID: fmt.Sprintf("m-%d", i), TenantID: tenant})
			require.NoError(t, err)
		}
	}

	var mu sync.Mutex
	finals := make(map[string]types.MissionState)
	g, gctx := errgroup.WithContext(ctx)
	for _, tenant := range tenants {
		for i := 0; i < perTenant; i++ {
			tenant, id := tenant, fmt.Sprintf("m-%d", i)
			g.Go(func() error {
				final, err := m.Wait(gctx, id, tenant)
				if err != nil {
					return err
				}
				mu.Lock()
				finals[tenant+"/"+id] = final
				mu.Unlock()
				return nil
			})
		}
	}
	require.NoError(t, g.Wait())
	require.Len(t, finals, len(tenants)*perTenant)

	for key, final := range finals {
		assert.Equal(t, types.StatusCompleted, final.Status, key)
		assert.Equal(t, 3, final.CurrentStep, key)
		want := 0.3
		if final.TenantID == "globex" {
			want = 0.6
		}
		assert.InDelta(t, want, final.TotalCost, 1e-9, key)
	}
}

func TestManager_PurgeOnComplete(t *testing.T) {
	deps := testDeps(newScript(map[int]stepPlan{1: {result: types.StepResult{GoalAchieved: true}}}))
	opts := testOptions(hitl.Minimal, nil)
	opts.PurgeOnComplete = true
	m, err := NewManager(deps, opts)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Start(ctx, StartRequest{MissionID: "m-1", TenantID: "acme"})
	require.NoError(t, err)
	final, err := m.Wait(ctx, "m-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, final.Status)

	_, err = deps.Store.Latest(ctx, "m-1", "acme")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_ShutdownStopsEverything(t *testing.T) {
	exec := newScript(map[int]stepPlan{1: {block: true}})
	m, deps := newTestManager(t, exec, hitl.Minimal)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Start(ctx, StartRequest{MissionID: fmt.Sprintf("m-%d", i), TenantID: "acme"})
		require.NoError(t, err)
	}
	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.Active())

	for i := 0; i < 3; i++ {
		rec, err := deps.Store.Latest(ctx, fmt.Sprintf("m-%d", i), "acme")
		require.NoError(t, err)
		assert.Equal(t, types.StatusStoppedByUser, rec.Status)
	}
}

func TestNewManager_RequiresDeps(t *testing.T) {
	_, err := NewManager(Deps{}, DefaultOptions())
	assert.True(t, errors.Is(err, types.ErrInvalidInput))
}
