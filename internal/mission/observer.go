package mission

import (
	"context"
	"time"

	"missiongov/internal/logging"
	"missiongov/internal/types"
)

// Transition describes one committed status change.
type Transition struct {
	MissionID    string                 `json:"mission_id"`
	TenantID     string                 `json:"tenant_id"`
	From         types.MissionStatus    `json:"from"`
	To           types.MissionStatus    `json:"to"`
	Step         int                    `json:"step"`
	TotalCost    float64                `json:"total_cost"`
	Reason       string                 `json:"reason,omitempty"`
	CheckpointID string                 `json:"checkpoint_id,omitempty"`
	Approval     *types.ApprovalRequest `json:"approval,omitempty"`
	At           time.Time              `json:"at"`
}

// Observer is notified after every transition has been checkpointed.
// Observers run on the mission goroutine and must not block for long.
type Observer interface {
	OnTransition(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Transition)

// OnTransition calls f.
func (f ObserverFunc) OnTransition(ctx context.Context, t Transition) {
	f(ctx, t)
}

// Observers fans a transition out to each observer in order.
type Observers []Observer

// OnTransition notifies every non-nil observer.
func (o Observers) OnTransition(ctx context.Context, t Transition) {
	for _, obs := range o {
		if obs != nil {
			obs.OnTransition(ctx, t)
		}
	}
}

// LogObserver writes transitions to the mission log category.
type LogObserver struct{}

// OnTransition logs t. Terminal failures are logged at warn level.
func (LogObserver) OnTransition(_ context.Context, t Transition) {
	log := logging.Get(logging.CategoryMission).With(
		"mission", t.MissionID,
		"tenant", t.TenantID,
		"step", t.Step,
		"checkpoint", t.CheckpointID,
	)
	switch t.To {
	case types.StatusFailed, types.StatusBudgetExceeded:
		log.Warn("%s -> %s: %s (cost $%.2f)", t.From, t.To, t.Reason, t.TotalCost)
	case types.StatusAwaitingApproval:
		kind := types.ApprovalKind("")
		if t.Approval != nil {
			kind = t.Approval.Kind
		}
		log.Info("%s -> %s: %s pending", t.From, t.To, kind)
	default:
		log.Info("%s -> %s (cost $%.2f) %s", t.From, t.To, t.TotalCost, t.Reason)
	}
}
