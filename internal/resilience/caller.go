package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"missiongov/internal/logging"
	"missiongov/internal/types"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CallOptions bounds one invocation. Zero fields take the caller's defaults.
type CallOptions struct {
	Timeout     time.Duration // per attempt; <= 0 disables
	MaxAttempts int           // total attempts including the first
	BackoffMin  time.Duration // lower clamp for every retry delay
	BackoffMax  time.Duration // upper clamp for every retry delay
}

// DefaultCallOptions returns a 30s per-attempt timeout, 3 attempts and
// delays clamped to [100ms, 5s].
func DefaultCallOptions() CallOptions {
	return CallOptions{
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		BackoffMin:  100 * time.Millisecond,
		BackoffMax:  5 * time.Second,
	}
}

// withDefaults fills zero fields from def.
func (o CallOptions) withDefaults(def CallOptions) CallOptions {
	if o.Timeout == 0 {
		o.Timeout = def.Timeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = def.BackoffMin
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = def.BackoffMax
	}
	return o
}

func (o CallOptions) normalized() CallOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = o.BackoffMin
	}
	return o
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the latter
// case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Caller invokes dependencies through their breakers.
type Caller struct {
	registry *Registry
	defaults CallOptions
	perDep   map[string]CallOptions
	sleep    Sleeper
	tracer   trace.Tracer
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithDefaults replaces the default call options.
func WithDefaults(opts CallOptions) CallerOption {
	return func(c *Caller) {
		c.defaults = opts.withDefaults(DefaultCallOptions())
	}
}

// WithDependencyOptions sets call options for one dependency. Zero fields
// inherit the caller defaults at call time.
func WithDependencyOptions(dependency string, opts CallOptions) CallerOption {
	return func(c *Caller) {
		c.perDep[dependency] = opts
	}
}

// WithSleeper replaces the backoff sleep, for deterministic tests.
func WithSleeper(s Sleeper) CallerOption {
	return func(c *Caller) {
		if s != nil {
			c.sleep = s
		}
	}
}

// WithTracer replaces the tracer. The default is the global otel provider's.
func WithTracer(t trace.Tracer) CallerOption {
	return func(c *Caller) {
		if t != nil {
			c.tracer = t
		}
	}
}

// NewCaller returns a Caller backed by registry.
func NewCaller(registry *Registry, opts ...CallerOption) *Caller {
	if registry == nil {
		registry = NewRegistry(DefaultBreakerSettings())
	}
	c := &Caller{
		registry: registry,
		defaults: DefaultCallOptions(),
		perDep:   make(map[string]CallOptions),
		sleep:    sleepContext,
		tracer:   otel.Tracer("missiongov/internal/resilience"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the breaker registry.
func (c *Caller) Registry() *Registry {
	return c.registry
}

// Invoke runs op against dependency. A nil return means one attempt
// succeeded; otherwise the error is a *Failure.
func (c *Caller) Invoke(ctx context.Context, dependency string, opts CallOptions, op func(ctx context.Context) error) error {
	_, err := Do(ctx, c, dependency, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is Invoke for operations that return a value. The value of a timed-out
// attempt is discarded.
func Do[T any](ctx context.Context, c *Caller, dependency string, opts CallOptions, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	o := c.optionsFor(dependency, opts)
	ctx, span := c.tracer.Start(ctx, "resilience.invoke", trace.WithAttributes(
		attribute.String("dependency", dependency),
		attribute.Int("max_attempts", o.MaxAttempts),
	))
	defer span.End()

	fail := func(class types.ErrorClass, attempts int, err error) (T, error) {
		f := &Failure{Dependency: dependency, Class: class, Attempts: attempts, Err: err}
		span.SetAttributes(attribute.String("error.class", string(class)), attribute.Int("attempts", attempts))
		span.RecordError(f)
		span.SetStatus(codes.Error, string(class))
		return zero, f
	}

	if err := ctx.Err(); err != nil {
		return fail(types.ClassCancelled, 0, err)
	}

	breaker := c.registry.Breaker(dependency)
	adm, ok := breaker.allow()
	if !ok {
		logging.ResilienceDebug("%s: breaker open, failing fast", dependency)
		return fail(types.ClassCircuitOpen, 0, nil)
	}

	maxAttempts := o.MaxAttempts
	if adm == admitTrial {
		maxAttempts = 1
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     o.BackoffMin,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         o.BackoffMax,
	}
	bo.Reset()

	for attempt := 1; ; attempt++ {
		v, err := runAttempt(ctx, o.Timeout, op)
		if err == nil {
			breaker.onSuccess(adm)
			span.SetAttributes(attribute.Int("attempts", attempt))
			return v, nil
		}

		class := Classify(err)
		if ctx.Err() != nil {
			class = types.ClassCancelled
		}

		switch {
		case class == types.ClassCancelled:
			breaker.release(adm)
			return fail(class, attempt, err)
		case class == types.ClassInvalidInput:
			// The dependency answered; the request was at fault.
			breaker.onSuccess(adm)
			return fail(class, attempt, err)
		case !class.Retryable(), attempt >= maxAttempts:
			breaker.onFailure(adm)
			return fail(class, attempt, err)
		}

		delay := clamp(bo.NextBackOff(), o.BackoffMin, o.BackoffMax)
		logging.ResilienceWarn("%s: attempt %d/%d failed (%s), retrying in %v: %v",
			dependency, attempt, maxAttempts, class, delay, err)
		if serr := c.sleep(ctx, delay); serr != nil {
			breaker.release(adm)
			return fail(types.ClassCancelled, attempt, serr)
		}
	}
}

func (c *Caller) optionsFor(dependency string, opts CallOptions) CallOptions {
	if dep, ok := c.perDep[dependency]; ok {
		opts = opts.withDefaults(dep)
	}
	return opts.withDefaults(c.defaults).normalized()
}

type attemptResult[T any] struct {
	v   T
	err error
}

// runAttempt runs op under its own deadline. An op that ignores its context
// is abandoned when the deadline fires; its result is dropped. A panic in op
// is recovered and returned as a types.ErrPanic failure.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.ResilienceError("PANIC RECOVERED in dependency call: %v\n%s", r, debug.Stack())
				done <- attemptResult[T]{err: fmt.Errorf("%w: %v", types.ErrPanic, r)}
			}
		}()
		v, err := op(actx)
		done <- attemptResult[T]{v: v, err: err}
	}()

	return awaitAttempt(ctx, actx, timeout, done)
}

// awaitAttempt waits for the attempt's result or its deadline. A result that
// is ready when the deadline fires still wins.
func awaitAttempt[T any](ctx, actx context.Context, timeout time.Duration, done <-chan attemptResult[T]) (T, error) {
	var zero T

	select {
	case r := <-done:
		return settleAttempt(ctx, actx, timeout, r)
	case <-actx.Done():
		select {
		case r := <-done:
			return settleAttempt(ctx, actx, timeout, r)
		default:
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w: attempt exceeded %v", types.ErrTimeout, timeout)
	}
}

func settleAttempt[T any](ctx, actx context.Context, timeout time.Duration, r attemptResult[T]) (T, error) {
	var zero T
	if r.err == nil {
		return r.v, nil
	}
	if ctx.Err() == nil && actx.Err() == context.DeadlineExceeded && !errors.Is(r.err, types.ErrPanic) {
		return zero, fmt.Errorf("%w: attempt exceeded %v: %w", types.ErrTimeout, timeout, r.err)
	}
	return zero, r.err
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d == backoff.Stop || d > hi {
		return hi
	}
	if d < lo {
		return lo
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
