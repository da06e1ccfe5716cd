package scenario

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"missiongov/internal/checkpoint"
	"missiongov/internal/governor"
	"missiongov/internal/hitl"
	"missiongov/internal/mission"
	"missiongov/internal/resilience"
	"missiongov/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const deployScenario = `
mission_id: deploy-1
tenant_id: acme
budget_limit: 2.5
safety_level: conservative
steps:
  - cost: 0.2
    output: plan drafted
    trigger: plan_change
  - cost: 0.3
    fail: transient
    fail_times: 1
    next:
      env: staging
  - cost: 0.5
    trigger: tool_execution
    summary: run the deploy tool
    goal: true
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(deployScenario))
	require.NoError(t, err)
	assert.Equal(t, "deploy-1", s.MissionID)
	assert.Equal(t, "acme", s.TenantID)
	require.NotNil(t, s.BudgetLimit)
	assert.Equal(t, 2.5, *s.BudgetLimit)
	require.Len(t, s.Steps, 3)
	assert.Equal(t, FailTransient, s.Steps[1].Fail)
	assert.Equal(t, "staging", s.Steps[1].Next["env"])
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"not yaml":        "steps: [",
		"missing ids":     "steps:\n  - cost: 1\n",
		"no steps":        "mission_id: m\ntenant_id: t\n",
		"negative cost":   "mission_id: m\ntenant_id: t\nsteps:\n  - cost: -1\n",
		"unknown trigger": "mission_id: m\ntenant_id: t\nsteps:\n  - trigger: coffee\n",
		"unknown failure": "mission_id: m\ntenant_id: t\nsteps:\n  - fail: sometimes\n",
		"bad delay":       "mission_id: m\ntenant_id: t\nsteps:\n  - delay: soon\n",
		"negative budget": "mission_id: m\ntenant_id: t\nbudget_limit: -2\nsteps:\n  - cost: 1\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.ErrorIs(t, err, types.ErrInvalidInput)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(deployScenario), 0o644))
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "deploy-1", s.MissionID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExecutor_FailureModes(t *testing.T) {
	s, err := Parse([]byte(`
mission_id: m
tenant_id: t
steps:
  - fail: transient
    fail_times: 2
    cost: 0.1
  - fail: invalid
  - fail: timeout
  - delay: 1h
`))
	require.NoError(t, err)
	e := NewExecutor(s)
	ctx := context.Background()

	_, err = e.ExecuteStep(ctx, types.MissionState{}, types.StepContext{Step: 1})
	assert.ErrorIs(t, err, types.ErrTransient)
	_, err = e.ExecuteStep(ctx, types.MissionState{}, types.StepContext{Step: 1})
	assert.ErrorIs(t, err, types.ErrTransient)
	res, err := e.ExecuteStep(ctx, types.MissionState{}, types.StepContext{Step: 1})
	require.NoError(t, err)
	assert.Equal(t, 0.1, res.Cost)
	assert.Equal(t, 3, e.Attempts(1))

	_, err = e.ExecuteStep(ctx, types.MissionState{}, types.StepContext{Step: 2})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = e.ExecuteStep(tctx, types.MissionState{}, types.StepContext{Step: 3})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cctx, cancelDelay := context.WithCancel(ctx)
	cancelDelay()
	_, err = e.ExecuteStep(cctx, types.MissionState{}, types.StepContext{Step: 4})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = e.ExecuteStep(ctx, types.MissionState{}, types.StepContext{Step: 5})
	assert.ErrorIs(t, err, types.ErrInvalidInput, "running past the script is invalid input")
}

// The deploy scenario end to end on SQLite: one retried step, two approvals,
// then completion.
func TestScenario_EndToEnd(t *testing.T) {
	s, err := Parse([]byte(deployScenario))
	require.NoError(t, err)
	exec := NewExecutor(s)

	store, err := checkpoint.OpenSQLite(filepath.Join(t.TempDir(), "missions.db"))
	require.NoError(t, err)
	defer store.Close()

	caller := resilience.NewCaller(resilience.NewRegistry(resilience.DefaultBreakerSettings()),
		resilience.WithDefaults(resilience.CallOptions{Timeout: time.Second, MaxAttempts: 3, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond}),
	)
	gate := hitl.NewGate()
	opts := mission.DefaultOptions()
	opts.Governor = governor.DefaultPolicy()
	opts.Approval = hitl.Policy{Level: hitl.Conservative}
	opts.PersistBackoff = time.Millisecond

	m, err := mission.NewManager(mission.Deps{Executor: exec, Caller: caller, Gate: gate, Store: store}, opts)
	require.NoError(t, err)
	ctx := context.Background()
	ctrl, err := m.Start(ctx, mission.StartRequest{MissionID: s.MissionID, TenantID: s.TenantID, BudgetLimit: s.BudgetLimit})
	require.NoError(t, err)

	for approvals := 0; approvals < 2; approvals++ {
		require.Eventually(t, func() bool { return ctrl.PendingApproval() != nil }, 5*time.Second, 5*time.Millisecond)
		req := ctrl.PendingApproval()
		_, err := m.Resolve(ctx, s.MissionID, s.TenantID, req.CheckpointID, types.DecisionApprove)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			p := ctrl.PendingApproval()
			return p == nil || p.CheckpointID != req.CheckpointID
		}, 5*time.Second, 5*time.Millisecond)
	}

	final, err := m.Wait(ctx, s.MissionID, s.TenantID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.CurrentStep)
	assert.InDelta(t, 1.0, final.TotalCost, 1e-9)
	assert.Equal(t, 2, exec.Attempts(2), "the transient step was retried once")

	records, err := store.List(ctx, s.MissionID, s.TenantID)
	require.NoError(t, err)
	var statuses []types.MissionStatus
	for _, r := range records {
		statuses = append(statuses, r.Status)
	}
	assert.Equal(t, []types.MissionStatus{
		types.StatusRunning,          // start
		types.StatusAwaitingApproval, // plan change
		types.StatusRunning,          // approved
		types.StatusRunning,          // step 2
		types.StatusAwaitingApproval, // tool execution
		types.StatusRunning,          // approved
		types.StatusCompleted,
	}, statuses)
	require.NoError(t, m.Shutdown(ctx))
}
