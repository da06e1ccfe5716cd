package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"missiongov/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func factories() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "checkpoints.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

var baseTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func record(t *testing.T, missionID, tenantID string, step int, status types.MissionStatus) types.CheckpointRecord {
	t.Helper()
	state := types.NewMissionState(missionID, tenantID, baseTime)
	state.CurrentStep = step
	state.Status = status
	rec, err := NewRecord("", state, Resume{Next: types.StepContext{Step: step + 1}}, baseTime.Add(time.Duration(step)*time.Second))
	require.NoError(t, err)
	return rec
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, f := range factories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.open(t))
		})
	}
}

func TestStore_SaveAndLatest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := record(t, "m-1", "acme", 1, types.StatusRunning)
		second := record(t, "m-1", "acme", 2, types.StatusRunning)
		require.NoError(t, s.Save(ctx, first))
		require.NoError(t, s.Save(ctx, second))

		got, err := s.Latest(ctx, "m-1", "acme")
		require.NoError(t, err)
		if diff := cmp.Diff(second, got); diff != "" {
			t.Errorf("latest checkpoint mismatch (-want +got):\n%s", diff)
		}

		all, err := s.List(ctx, "m-1", "acme")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, first.CheckpointID, all[0].CheckpointID)
		assert.Equal(t, second.CheckpointID, all[1].CheckpointID)
	})
}

func TestStore_TenantIsolation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, record(t, "shared-id", "acme", 3, types.StatusRunning)))
		require.NoError(t, s.Save(ctx, record(t, "shared-id", "globex", 7, types.StatusAwaitingApproval)))

		acme, err := s.Latest(ctx, "shared-id", "acme")
		require.NoError(t, err)
		assert.Equal(t, "acme", acme.TenantID)
		assert.Equal(t, types.StatusRunning, acme.Status)

		globex, err := s.Latest(ctx, "shared-id", "globex")
		require.NoError(t, err)
		assert.Equal(t, "globex", globex.TenantID)
		assert.Equal(t, types.StatusAwaitingApproval, globex.Status)

		_, err = s.Latest(ctx, "shared-id", "initech")
		assert.ErrorIs(t, err, ErrTenantMismatch)
		_, err = s.List(ctx, "shared-id", "initech")
		assert.ErrorIs(t, err, ErrTenantMismatch)

		_, err = s.Latest(ctx, "unknown", "acme")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Clear(ctx, "shared-id", "acme"))
		_, err = s.Latest(ctx, "shared-id", "acme")
		assert.ErrorIs(t, err, ErrTenantMismatch, "globex still owns the id")
		_, err = s.Latest(ctx, "shared-id", "globex")
		assert.NoError(t, err)
	})
}

func TestStore_DuplicateCheckpoint(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := record(t, "m-1", "acme", 1, types.StatusRunning)
		require.NoError(t, s.Save(ctx, rec))

		err := s.Save(ctx, rec)
		assert.ErrorIs(t, err, ErrDuplicateCheckpoint)

		other := record(t, "m-2", "globex", 1, types.StatusRunning)
		other.CheckpointID = rec.CheckpointID
		assert.ErrorIs(t, s.Save(ctx, other), ErrDuplicateCheckpoint, "ids are unique across tenants")
	})
}

func TestStore_TerminalIsAbsorbing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, record(t, "m-1", "acme", 1, types.StatusRunning)))
		require.NoError(t, s.Save(ctx, record(t, "m-1", "acme", 2, types.StatusCompleted)))

		err := s.Save(ctx, record(t, "m-1", "acme", 3, types.StatusRunning))
		assert.ErrorIs(t, err, ErrMissionTerminal)

		latest, err := s.Latest(ctx, "m-1", "acme")
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, latest.Status)

		// Another tenant's mission with the same id is unaffected.
		assert.NoError(t, s.Save(ctx, record(t, "m-1", "globex", 1, types.StatusRunning)))
	})
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Clear(ctx, "never-saved", "acme"))
		require.NoError(t, s.Save(ctx, record(t, "m-1", "acme", 1, types.StatusCompleted)))
		require.NoError(t, s.Clear(ctx, "m-1", "acme"))
		require.NoError(t, s.Clear(ctx, "m-1", "acme"))

		_, err := s.Latest(ctx, "m-1", "acme")
		assert.ErrorIs(t, err, ErrNotFound)
		// A cleared terminal mission may be started again.
		assert.NoError(t, s.Save(ctx, record(t, "m-1", "acme", 0, types.StatusRunning)))
	})
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := record(t, "m-1", "acme", 1, types.StatusRunning)
		rec.TenantID = ""
		assert.ErrorIs(t, s.Save(ctx, rec), types.ErrInvalidInput)

		_, err := s.Latest(ctx, "m-1", "")
		assert.ErrorIs(t, err, types.ErrInvalidInput)
	})
}

func TestStore_ConcurrentMissions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const missions, steps = 8, 10

		var wg sync.WaitGroup
		errs := make(chan error, missions*steps)
		for m := 0; m < missions; m++ {
			wg.Add(1)
			go func(m int) {
				defer wg.Done()
				tenant := fmt.Sprintf("tenant-%d", m%2)
				for step := 1; step <= steps; step++ {
					state := types.NewMissionState(fmt.Sprintf("m-%d", m), tenant, baseTime)
					state.CurrentStep = step
					rec, err := NewRecord("", state, Resume{}, baseTime)
					if err != nil {
						errs <- err
						return
					}
					if err := s.Save(ctx, rec); err != nil {
						errs <- err
					}
				}
			}(m)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("save failed: %v", err)
		}

		for m := 0; m < missions; m++ {
			rec, err := s.Latest(ctx, fmt.Sprintf("m-%d", m), fmt.Sprintf("tenant-%d", m%2))
			require.NoError(t, err)
			p, err := DecodePayload(rec.Payload)
			require.NoError(t, err)
			assert.Equal(t, steps, p.State.CurrentStep)
		}
	})
}

func TestMemoryStore_CloneOnRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := record(t, "m-1", "acme", 1, types.StatusRunning)
	require.NoError(t, s.Save(ctx, rec))
	rec.Payload[0] = 'X'

	got, err := s.Latest(ctx, "m-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, byte('{'), got.Payload[0])

	got.Payload[0] = 'Y'
	again, err := s.Latest(ctx, "m-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, byte('{'), again.Payload[0])
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "checkpoints.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	rec := record(t, "m-1", "acme", 4, types.StatusAwaitingApproval)
	require.NoError(t, s.Save(context.Background(), rec))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Latest(context.Background(), "m-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, rec.CheckpointID, got.CheckpointID)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, rec.Payload, got.Payload)
}

func TestPayload_RoundTripCarriesResumeData(t *testing.T) {
	state := types.NewMissionState("m-1", "acme", baseTime)
	state.CurrentStep = 4
	state.TotalCost = 1.25
	state.Status = types.StatusAwaitingApproval
	state.BudgetLimit = types.Float64(5)
	req := &types.ApprovalRequest{
		MissionID:    "m-1",
		TenantID:     "acme",
		CheckpointID: NewID(),
		Kind:         types.ApprovalToolExecution,
		Summary:      "run migration",
		Step:         4,
		CreatedAt:    baseTime,
	}
	resume := Resume{
		PendingApproval: req,
		LastOutput:      "plan drafted",
		GoalAchieved:    true,
		Next:            types.StepContext{Step: 5, LastOutput: "plan drafted", Attributes: map[string]string{"branch": "main"}},
	}

	data, err := EncodePayload(state, resume)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"mission_checkpoint"`)
	assert.Contains(t, string(data), `"version":1`)

	p, err := DecodePayload(data)
	require.NoError(t, err)
	if diff := cmp.Diff(state, p.State); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(resume, p.Resume); diff != "" {
		t.Errorf("resume mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodePayload_Rejects(t *testing.T) {
	tests := map[string]string{
		"garbage":       `not json`,
		"unknown kind":  `{"kind":"campaign","version":1,"state":{}}`,
		"newer version": `{"kind":"mission_checkpoint","version":2,"state":{}}`,
		"invalid state": `{"kind":"mission_checkpoint","version":1,"state":{"mission_id":"m"}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePayload([]byte(raw))
			assert.ErrorIs(t, err, types.ErrInvalidInput)
		})
	}
}

func TestNewID_IsUUIDv7(t *testing.T) {
	a, b := NewID(), NewID()
	assert.NotEqual(t, a, b)

	id, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}
