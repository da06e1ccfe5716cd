// Package types holds the data model shared by the mission governor components:
// mission state, checkpoint records, approval requests, step results and the
// error taxonomy.
package types

import (
	"fmt"
	"time"
)

// MissionStatus is the lifecycle status of a mission.
type MissionStatus string

const (
	StatusRunning          MissionStatus = "RUNNING"
	StatusAwaitingApproval MissionStatus = "AWAITING_APPROVAL"
	StatusCompleted        MissionStatus = "COMPLETED"
	StatusStoppedByUser    MissionStatus = "STOPPED_BY_USER"
	StatusBudgetExceeded   MissionStatus = "BUDGET_EXCEEDED"
	StatusFailed           MissionStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed out of s.
func (s MissionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusStoppedByUser, StatusBudgetExceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s MissionStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusAwaitingApproval, StatusCompleted,
		StatusStoppedByUser, StatusBudgetExceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// transitions is the mission state machine. Terminal states have no entry.
// AWAITING_APPROVAL may also move to STOPPED_BY_USER when an external stop
// arrives during the approval wait.
var transitions = map[MissionStatus][]MissionStatus{
	StatusRunning: {
		StatusRunning,
		StatusAwaitingApproval,
		StatusCompleted,
		StatusBudgetExceeded,
		StatusStoppedByUser,
		StatusFailed,
	},
	StatusAwaitingApproval: {
		StatusRunning,
		StatusFailed,
		StatusStoppedByUser,
	},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to MissionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MissionState is the unit of work under governance.
type MissionState struct {
	MissionID     string        `json:"mission_id"`
	TenantID      string        `json:"tenant_id"`
	CurrentStep   int           `json:"current_step"`
	TotalCost     float64       `json:"total_cost"`
	StartedAt     time.Time     `json:"started_at"`
	LastUpdatedAt time.Time     `json:"last_updated_at"`
	Status        MissionStatus `json:"status"`
	BudgetLimit   *float64      `json:"budget_limit,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// NewMissionState returns a RUNNING mission starting at now.
func NewMissionState(missionID, tenantID string, now time.Time) MissionState {
	return MissionState{
		MissionID:     missionID,
		TenantID:      tenantID,
		StartedAt:     now,
		LastUpdatedAt: now,
		Status:        StatusRunning,
	}
}

// Clone returns a deep copy of the state.
func (s MissionState) Clone() MissionState {
	out := s
	if s.BudgetLimit != nil {
		limit := *s.BudgetLimit
		out.BudgetLimit = &limit
	}
	return out
}

// Validate checks the identifying fields and numeric invariants.
func (s MissionState) Validate() error {
	if s.MissionID == "" {
		return fmt.Errorf("%w: mission id is required", ErrInvalidInput)
	}
	if s.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if s.CurrentStep < 0 {
		return fmt.Errorf("%w: current step must be >= 0, got %d", ErrInvalidInput, s.CurrentStep)
	}
	if s.TotalCost < 0 {
		return fmt.Errorf("%w: total cost must be >= 0, got %.4f", ErrInvalidInput, s.TotalCost)
	}
	if s.BudgetLimit != nil && *s.BudgetLimit < 0 {
		return fmt.Errorf("%w: budget limit must be >= 0, got %.4f", ErrInvalidInput, *s.BudgetLimit)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s.Status)
	}
	return nil
}

// Float64 returns a pointer to v, for optional budget limits.
func Float64(v float64) *float64 {
	return &v
}

// CheckpointRecord is an immutable persisted snapshot of a mission.
type CheckpointRecord struct {
	MissionID    string        `json:"mission_id"`
	TenantID     string        `json:"tenant_id"`
	CheckpointID string        `json:"checkpoint_id"`
	Status       MissionStatus `json:"status"`
	Payload      []byte        `json:"payload"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Clone returns a copy that does not share the payload buffer.
func (r CheckpointRecord) Clone() CheckpointRecord {
	out := r
	if r.Payload != nil {
		out.Payload = append([]byte(nil), r.Payload...)
	}
	return out
}
