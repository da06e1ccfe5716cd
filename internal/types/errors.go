package types

import (
	"context"
	"errors"
)

// ErrorClass is the terminal classification of a failure. The continuation
// controller maps each class to exactly one mission status.
type ErrorClass string

const (
	ClassNone             ErrorClass = ""
	ClassTimeout          ErrorClass = "timeout"
	ClassTransient        ErrorClass = "transient_dependency"
	ClassCircuitOpen      ErrorClass = "circuit_breaker_open"
	ClassInvalidInput     ErrorClass = "invalid_input"
	ClassBudgetExceeded   ErrorClass = "budget_exceeded"
	ClassApprovalRejected ErrorClass = "approval_rejected"
	ClassCancelled        ErrorClass = "cancelled"
	ClassPersistence      ErrorClass = "persistence"
	ClassPanic            ErrorClass = "panic"
)

// Sentinels for each class. Component errors wrap these so errors.Is works
// across package boundaries.
var (
	ErrTimeout          = errors.New("timeout")
	ErrTransient        = errors.New("transient dependency failure")
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrInvalidInput     = errors.New("invalid input")
	ErrBudgetExceeded   = errors.New("budget exceeded")
	ErrApprovalRejected = errors.New("rejected by reviewer")
	ErrCancelled        = errors.New("cancelled")
	ErrPersistence      = errors.New("persistence failure")
	ErrPanic            = errors.New("operation panicked")
)

// Retryable reports whether the wrapper may retry a failure of class c.
func (c ErrorClass) Retryable() bool {
	return c == ClassTimeout || c == ClassTransient
}

// Sentinel returns the sentinel error for c, or nil for ClassNone.
func (c ErrorClass) Sentinel() error {
	switch c {
	case ClassTimeout:
		return ErrTimeout
	case ClassTransient:
		return ErrTransient
	case ClassCircuitOpen:
		return ErrCircuitOpen
	case ClassInvalidInput:
		return ErrInvalidInput
	case ClassBudgetExceeded:
		return ErrBudgetExceeded
	case ClassApprovalRejected:
		return ErrApprovalRejected
	case ClassCancelled:
		return ErrCancelled
	case ClassPersistence:
		return ErrPersistence
	case ClassPanic:
		return ErrPanic
	default:
		return nil
	}
}

// ClassOf recovers the class of err from the sentinels it wraps. Context
// cancellation is always ClassCancelled. Errors carrying no sentinel return
// ClassNone; callers decide how to treat them.
func ClassOf(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, ErrPanic):
		return ClassPanic
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, ErrInvalidInput):
		return ClassInvalidInput
	case errors.Is(err, ErrTimeout):
		return ClassTimeout
	case errors.Is(err, ErrTransient):
		return ClassTransient
	case errors.Is(err, ErrBudgetExceeded):
		return ClassBudgetExceeded
	case errors.Is(err, ErrApprovalRejected):
		return ClassApprovalRejected
	case errors.Is(err, ErrPersistence):
		return ClassPersistence
	default:
		return ClassNone
	}
}

// StatusForClass maps a terminal failure class to the mission status it
// produces.
func StatusForClass(c ErrorClass) MissionStatus {
	switch c {
	case ClassCancelled:
		return StatusStoppedByUser
	case ClassBudgetExceeded:
		return StatusBudgetExceeded
	default:
		return StatusFailed
	}
}
