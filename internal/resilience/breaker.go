// Package resilience wraps calls to external dependencies (model inference,
// tool invocation, storage lookups) with a per-attempt timeout, bounded
// exponential-backoff retries and a per-dependency circuit breaker.
//
// Breakers live in an explicit Registry passed to NewCaller. A fresh Registry
// has no state, which is how tests isolate themselves from each other.
package resilience

import (
	"sync"
	"time"

	"missiongov/internal/logging"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// BreakerState is a point-in-time view of one breaker. It is never persisted.
type BreakerState struct {
	Dependency          string    `json:"dependency"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// BreakerSettings configures one breaker.
type BreakerSettings struct {
	FailureThreshold int           // consecutive failed invocations before opening
	RecoveryTimeout  time.Duration // how long OPEN rejects calls before a trial
}

// DefaultBreakerSettings returns threshold 5 and a 30s recovery timeout.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	def := DefaultBreakerSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = def.RecoveryTimeout
	}
	return s
}

// CircuitBreaker tracks the health of one dependency. All methods are safe
// for concurrent use; the mutex is never held across a call to the dependency.
type CircuitBreaker struct {
	mu       sync.Mutex
	name     string
	settings BreakerSettings
	now      func() time.Time

	state    State
	failures int
	openedAt time.Time
	trial    bool // a HALF_OPEN trial call is in flight
}

func newCircuitBreaker(name string, settings BreakerSettings, now func() time.Time) *CircuitBreaker {
	return &CircuitBreaker{
		name:     name,
		settings: settings.withDefaults(),
		now:      now,
		state:    StateClosed,
	}
}

// admission records how a call was let through, so its outcome is applied to
// the state it was admitted under.
type admission int

const (
	admitClosed admission = iota
	admitTrial
)

// allow decides whether a call may proceed. It returns false when the call
// must fail fast.
func (b *CircuitBreaker) allow() (admission, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.settings.RecoveryTimeout {
			return 0, false
		}
		b.state = StateHalfOpen
		b.trial = true
		logging.Resilience("breaker %s: OPEN -> HALF_OPEN, admitting trial call", b.name)
		return admitTrial, true
	case StateHalfOpen:
		if b.trial {
			return 0, false
		}
		b.trial = true
		return admitTrial, true
	default:
		return admitClosed, true
	}
}

// onSuccess records a call that reached the dependency and got an answer.
func (b *CircuitBreaker) onSuccess(a admission) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if a == admitTrial {
		b.trial = false
		b.state = StateClosed
		b.failures = 0
		b.openedAt = time.Time{}
		logging.Resilience("breaker %s: HALF_OPEN -> CLOSED", b.name)
		return
	}
	if b.state == StateClosed {
		b.failures = 0
	}
}

// onFailure records an invocation that exhausted its attempts.
func (b *CircuitBreaker) onFailure(a admission) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if a == admitTrial {
		b.trial = false
		b.state = StateOpen
		b.openedAt = b.now()
		logging.ResilienceWarn("breaker %s: trial failed, HALF_OPEN -> OPEN", b.name)
		return
	}
	// Calls admitted while CLOSED that finish after the breaker opened do not
	// move opened_at.
	if b.state != StateClosed {
		return
	}
	b.failures++
	if b.failures >= b.settings.FailureThreshold {
		b.state = StateOpen
		b.openedAt = b.now()
		logging.ResilienceWarn("breaker %s: CLOSED -> OPEN after %d consecutive failures", b.name, b.failures)
	}
}

// release ends an admission without judging the dependency, e.g. when the
// caller cancelled.
func (b *CircuitBreaker) release(a admission) {
	if a != admitTrial {
		return
	}
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

// Snapshot returns the breaker's current state.
func (b *CircuitBreaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		Dependency:          b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}
