// Package governor implements the mission safety tripwires: hard step, cost
// and wall-clock limits checked after every step.
//
// Check is pure. It reads only the state and policy it is given, so it needs
// no synchronization and no clock.
package governor

import (
	"fmt"
	"time"

	"missiongov/internal/types"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy holds the tripwires. A limit <= 0 is disabled. A mission's own
// budget limit is never disabled by its value.
type Policy struct {
	MaxSteps   int           // trips when current_step >= MaxSteps
	MaxCost    float64       // trips when total_cost > MaxCost and the mission has no budget limit
	MaxRuntime time.Duration // trips when last_updated_at - started_at > MaxRuntime
}

// DefaultPolicy returns 25 steps, $10.00 and one hour.
func DefaultPolicy() Policy {
	return Policy{
		MaxSteps:   25,
		MaxCost:    10.0,
		MaxRuntime: time.Hour,
	}
}

// Limit names the tripwire that fired.
type Limit string

const (
	LimitNone    Limit = ""
	LimitSteps   Limit = "max_steps"
	LimitBudget  Limit = "budget_limit"
	LimitCost    Limit = "max_cost"
	LimitRuntime Limit = "max_runtime"
)

// Verdict is the result of Check.
type Verdict struct {
	Tripped bool
	Limit   Limit
	Reason  string
}

// Err returns nil for an untripped verdict, otherwise an error wrapping
// types.ErrBudgetExceeded with the reason.
func (v Verdict) Err() error {
	if !v.Tripped {
		return nil
	}
	return fmt.Errorf("%w: %s", types.ErrBudgetExceeded, v.Reason)
}

// =============================================================================
// CHECK
// =============================================================================

// Check evaluates the tripwires in order (steps, then cost, then runtime) and
// reports the first that fires.
//
// The step limit is inclusive and the cost limit is strict: a mission at
// exactly MaxSteps trips, a mission at exactly its budget does not.
func Check(state types.MissionState, policy Policy) Verdict {
	if policy.MaxSteps > 0 && state.CurrentStep >= policy.MaxSteps {
		return Verdict{
			Tripped: true,
			Limit:   LimitSteps,
			Reason:  fmt.Sprintf("Max steps (%d) exceeded", policy.MaxSteps),
		}
	}

	// A mission's own budget replaces the global ceiling. A set budget always
	// applies, so a budget of zero trips on the first spend.
	if state.BudgetLimit != nil {
		if limit := *state.BudgetLimit; state.TotalCost > limit {
			return Verdict{
				Tripped: true,
				Limit:   LimitBudget,
				Reason:  fmt.Sprintf("Budget limit ($%.2f) exceeded: total cost $%.2f", limit, state.TotalCost),
			}
		}
	} else if policy.MaxCost > 0 && state.TotalCost > policy.MaxCost {
		return Verdict{
			Tripped: true,
			Limit:   LimitCost,
			Reason:  fmt.Sprintf("Max cost ($%.2f) exceeded: total cost $%.2f", policy.MaxCost, state.TotalCost),
		}
	}

	if policy.MaxRuntime > 0 && !state.StartedAt.IsZero() {
		if elapsed := state.LastUpdatedAt.Sub(state.StartedAt); elapsed > policy.MaxRuntime {
			return Verdict{
				Tripped: true,
				Limit:   LimitRuntime,
				Reason:  fmt.Sprintf("Max runtime (%s) exceeded", policy.MaxRuntime),
			}
		}
	}

	return Verdict{}
}
