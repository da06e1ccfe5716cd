package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"missiongov/internal/types"
)

// Failure is the error returned by Invoke and Do. It matches both the class
// sentinel (errors.Is(err, types.ErrTimeout)) and the underlying error.
type Failure struct {
	Dependency string
	Class      types.ErrorClass
	Attempts   int
	Err        error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Dependency, f.Class)
	}
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", f.Dependency, f.Class, f.Attempts, f.Err)
}

// Unwrap exposes the class sentinel and the cause.
func (f *Failure) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := f.Class.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	return errs
}

// InvalidInput marks err as a non-retryable input error. Dependencies return
// it when the request, not the dependency, is at fault.
func InvalidInput(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", types.ErrInvalidInput, err)
}

// Transient marks err as a retryable dependency failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", types.ErrTransient, err)
}

var timeoutHints = []string{
	"timeout",
	"timed out",
	"context deadline",
	"deadline exceeded",
}

// Classify buckets an error returned by a dependency. Typed errors (anything
// wrapping a types sentinel or a context error) keep their class. Opaque
// errors mentioning a deadline are timeouts; every other opaque error
// such as a rate limit or a connection reset is transient. Only
// an explicit invalid-input error stops retries.
func Classify(err error) types.ErrorClass {
	if err == nil {
		return types.ClassNone
	}
	if class := types.ClassOf(err); class != types.ClassNone {
		return class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, h := range timeoutHints {
		if strings.Contains(msg, h) {
			return types.ClassTimeout
		}
	}
	return types.ClassTransient
}
