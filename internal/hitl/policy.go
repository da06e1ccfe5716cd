// Package hitl implements the human-in-the-loop checkpoint gate. After each
// step the gate decides, from the mission's safety level, whether a human must
// approve before the mission continues, and tracks each request until it is
// resolved exactly once.
package hitl

import (
	"fmt"
	"strings"

	"missiongov/internal/types"
)

// SafetyLevel selects how many kinds of step need approval.
type SafetyLevel string

const (
	// Conservative gates plan changes, tool executions, artifacts and
	// irreversible actions.
	Conservative SafetyLevel = "conservative"
	// Balanced gates plan changes and irreversible actions.
	Balanced SafetyLevel = "balanced"
	// Minimal gates irreversible actions only.
	Minimal SafetyLevel = "minimal"
)

// ParseSafetyLevel parses a level name, case-insensitively.
func ParseSafetyLevel(s string) (SafetyLevel, error) {
	switch level := SafetyLevel(strings.ToLower(strings.TrimSpace(s))); level {
	case Conservative, Balanced, Minimal:
		return level, nil
	default:
		return "", fmt.Errorf("%w: unknown safety level %q", types.ErrInvalidInput, s)
	}
}

var matrix = map[SafetyLevel]map[types.ApprovalKind]bool{
	Conservative: {
		types.ApprovalPlan:          true,
		types.ApprovalToolExecution: true,
		types.ApprovalArtifact:      true,
		types.ApprovalIrreversible:  true,
	},
	Balanced: {
		types.ApprovalPlan:         true,
		types.ApprovalIrreversible: true,
	},
	Minimal: {
		types.ApprovalIrreversible: true,
	},
}

// Policy is a mission's approval policy.
type Policy struct {
	Level SafetyLevel
	// AlwaysApprove kinds need approval regardless of level.
	AlwaysApprove []types.ApprovalKind
	// NeverApprove kinds skip approval regardless of level. AlwaysApprove wins
	// when a kind is in both.
	NeverApprove []types.ApprovalKind
}

// Requires reports whether kind needs approval under p. An unknown or empty
// level behaves as Conservative.
func (p Policy) Requires(kind types.ApprovalKind) bool {
	if containsKind(p.AlwaysApprove, kind) {
		return true
	}
	if containsKind(p.NeverApprove, kind) {
		return false
	}
	level, ok := matrix[p.Level]
	if !ok {
		level = matrix[Conservative]
	}
	return level[kind]
}

// KindFor maps what a step did to the approval kind it would need. An
// irreversible step always maps to ApprovalIrreversible, whatever its trigger.
func KindFor(step types.StepResult) (types.ApprovalKind, bool) {
	if step.Irreversible {
		return types.ApprovalIrreversible, true
	}
	switch step.ApprovalTrigger {
	case types.TriggerPlanChange:
		return types.ApprovalPlan, true
	case types.TriggerToolExecution:
		return types.ApprovalToolExecution, true
	case types.TriggerArtifact:
		return types.ApprovalArtifact, true
	case types.TriggerIrreversible:
		return types.ApprovalIrreversible, true
	default:
		return "", false
	}
}

func containsKind(kinds []types.ApprovalKind, kind types.ApprovalKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
