package resilience

import (
	"sort"
	"sync"
	"time"
)

// Registry owns one circuit breaker per dependency name, created lazily.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	defaults  BreakerSettings
	overrides map[string]BreakerSettings
	now       func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces the wall clock used for opened_at and recovery checks.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithOverride sets breaker settings for a single dependency. Zero fields
// inherit the registry defaults.
func WithOverride(dependency string, settings BreakerSettings) RegistryOption {
	return func(r *Registry) {
		if settings.FailureThreshold <= 0 {
			settings.FailureThreshold = r.defaults.FailureThreshold
		}
		if settings.RecoveryTimeout <= 0 {
			settings.RecoveryTimeout = r.defaults.RecoveryTimeout
		}
		r.overrides[dependency] = settings
	}
}

// NewRegistry returns an empty registry. Options are applied in order, so
// WithOverride sees the final defaults only if it comes after them.
func NewRegistry(defaults BreakerSettings, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults.withDefaults(),
		overrides: make(map[string]BreakerSettings),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breaker returns the breaker for dependency, creating it CLOSED on first use.
func (r *Registry) Breaker(dependency string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	settings, ok := r.overrides[dependency]
	if !ok {
		settings = r.defaults
	}
	b := newCircuitBreaker(dependency, settings, r.now)
	r.breakers[dependency] = b
	return b
}

// State returns the state of one breaker. Unknown dependencies report CLOSED
// without creating a breaker.
func (r *Registry) State(dependency string) BreakerState {
	r.mu.Lock()
	b, ok := r.breakers[dependency]
	r.mu.Unlock()
	if !ok {
		return BreakerState{Dependency: dependency, State: StateClosed}
	}
	return b.Snapshot()
}

// Snapshot returns every known breaker's state, sorted by dependency name.
func (r *Registry) Snapshot() []BreakerState {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]BreakerState, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}

// Reset discards every breaker. Overrides are kept.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}
