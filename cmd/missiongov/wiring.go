package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"missiongov/internal/checkpoint"
	"missiongov/internal/config"
	"missiongov/internal/governor"
	"missiongov/internal/hitl"
	"missiongov/internal/logging"
	"missiongov/internal/mission"
	"missiongov/internal/resilience"
	"missiongov/internal/types"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// governorPolicy maps the configured tripwires onto a governor policy.
func governorPolicy(c *config.Config) governor.Policy {
	return governor.Policy{
		MaxSteps:   c.Governor.MaxSteps,
		MaxCost:    c.Governor.MaxCost,
		MaxRuntime: c.GetMaxRuntime(),
	}
}

var knownKinds = map[types.ApprovalKind]bool{
	types.ApprovalPlan:          true,
	types.ApprovalToolExecution: true,
	types.ApprovalArtifact:      true,
	types.ApprovalIrreversible:  true,
}

// approvalPolicy maps the HITL section onto a gate policy. level, when set,
// overrides the configured safety level.
func approvalPolicy(c *config.Config, level string) (hitl.Policy, error) {
	if level == "" {
		level = c.HITL.SafetyLevel
	}
	parsed, err := hitl.ParseSafetyLevel(level)
	if err != nil {
		return hitl.Policy{}, err
	}
	always, err := parseKinds(c.HITL.AlwaysApprove)
	if err != nil {
		return hitl.Policy{}, fmt.Errorf("hitl.always_approve: %w", err)
	}
	never, err := parseKinds(c.HITL.NeverApprove)
	if err != nil {
		return hitl.Policy{}, fmt.Errorf("hitl.never_approve: %w", err)
	}
	return hitl.Policy{Level: parsed, AlwaysApprove: always, NeverApprove: never}, nil
}

func parseKinds(names []string) ([]types.ApprovalKind, error) {
	var kinds []types.ApprovalKind
	for _, name := range names {
		kind := types.ApprovalKind(name)
		if !knownKinds[kind] {
			return nil, fmt.Errorf("%w: unknown approval kind %q", types.ErrInvalidInput, name)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// newCaller builds the breaker registry and resilient caller, with one
// override per configured dependency.
func newCaller(c *config.Config) *resilience.Caller {
	lo, hi := c.GetBackoffBounds()
	callFor := func(dep string) resilience.CallOptions {
		return resilience.CallOptions{
			Timeout:     c.GetCallTimeout(dep),
			MaxAttempts: c.GetMaxAttempts(dep),
			BackoffMin:  lo,
			BackoffMax:  hi,
		}
	}
	breakerFor := func(dep string) resilience.BreakerSettings {
		return resilience.BreakerSettings{
			FailureThreshold: c.GetFailureThreshold(dep),
			RecoveryTimeout:  c.GetRecoveryTimeout(dep),
		}
	}

	var regOpts []resilience.RegistryOption
	callOpts := []resilience.CallerOption{resilience.WithDefaults(callFor(""))}
	for dep := range c.Resilience.Dependencies {
		regOpts = append(regOpts, resilience.WithOverride(dep, breakerFor(dep)))
		callOpts = append(callOpts, resilience.WithDependencyOptions(dep, callFor(dep)))
	}
	return resilience.NewCaller(resilience.NewRegistry(breakerFor(""), regOpts...), callOpts...)
}

// openStore opens the configured checkpoint backend.
func openStore(c *config.Config) (checkpoint.Store, error) {
	switch c.Checkpoint.Backend {
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	case "sqlite", "":
		if dir := filepath.Dir(c.Checkpoint.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return checkpoint.OpenSQLite(c.Checkpoint.DatabasePath)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", c.Checkpoint.Backend)
	}
}

// noScenario is the manager's default executor. Every command that runs
// steps supplies a scenario executor per mission.
var noScenario = mission.StepExecutorFunc(func(context.Context, types.MissionState, types.StepContext) (types.StepResult, error) {
	return types.StepResult{}, resilience.InvalidInput(fmt.Errorf("no scenario loaded"))
})

// app holds the wired components for one CLI invocation.
type app struct {
	cfg     *config.Config
	store   checkpoint.Store
	caller  *resilience.Caller
	gate    *hitl.Gate
	manager *mission.Manager
	nc      *nats.Conn
}

// newApp wires config into a manager. notifier may be nil.
func newApp(c *config.Config, notifier hitl.Notifier) (*app, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	approval, err := approvalPolicy(c, "")
	if err != nil {
		return nil, err
	}

	store, err := openStore(c)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: c, store: store, caller: newCaller(c)}

	var gateOpts []hitl.Option
	if notifier != nil {
		gateOpts = append(gateOpts, hitl.WithNotifier(notifier))
	}
	a.gate = hitl.NewGate(gateOpts...)

	observers := mission.Observers{mission.LogObserver{}}
	if c.Events.Enabled {
		nc, err := mission.ConnectNATS(c.Events.NATSURL)
		if err != nil {
			logging.BootWarn("transition events disabled: cannot reach %s: %v", c.Events.NATSURL, err)
		} else {
			a.nc = nc
			observers = append(observers, mission.NewNATSObserver(nc, c.Events.Subject))
		}
	}

	opts := mission.DefaultOptions()
	opts.Governor = governorPolicy(c)
	opts.Approval = approval
	opts.Dependency = c.GetStepDependency()
	opts.PersistAttempts = c.GetPersistAttempts()
	opts.PersistBackoff = c.GetPersistBackoff()
	opts.PurgeOnComplete = c.Checkpoint.PurgeOnComplete
	opts.Observer = observers

	a.manager, err = mission.NewManager(mission.Deps{
		Executor: noScenario,
		Caller:   a.caller,
		Gate:     a.gate,
		Store:    store,
	}, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	logging.Boot("wired %s store, step dependency %q, safety level %s",
		c.Checkpoint.Backend, opts.Dependency, approval.Level)
	return a, nil
}

// reload applies a changed config to missions started from now on.
func (a *app) reload(c *config.Config) {
	approval, err := approvalPolicy(c, "")
	if err != nil {
		logger.Warn("ignoring config reload", zap.Error(err))
		return
	}
	a.manager.SetPolicies(governorPolicy(c), approval)
}

// Close stops live missions and releases the store and event connection.
func (a *app) Close() {
	if a.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.manager.Shutdown(ctx); err != nil {
			logger.Warn("shutdown did not finish", zap.Error(err))
		}
		cancel()
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			logger.Warn("failed to drain nats connection", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("failed to close checkpoint store", zap.Error(err))
	}
}
