// Package scenario loads scripted missions from YAML and replays them as a
// step executor. The CLI and end-to-end tests drive the governor with it.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"missiongov/internal/resilience"
	"missiongov/internal/types"

	"gopkg.in/yaml.v3"
)

// Failure modes a scripted step can inject.
const (
	FailTransient = "transient"
	FailTimeout   = "timeout"
	FailInvalid   = "invalid"
)

// Step is one scripted step.
type Step struct {
	Cost         float64           `yaml:"cost"`
	Output       string            `yaml:"output,omitempty"`
	Summary      string            `yaml:"summary,omitempty"`
	Trigger      string            `yaml:"trigger,omitempty"` // plan_change, tool_execution, artifact_generation, irreversible_action
	Irreversible bool              `yaml:"irreversible,omitempty"`
	Goal         bool              `yaml:"goal,omitempty"`
	Fail         string            `yaml:"fail,omitempty"`       // transient, timeout, invalid
	FailTimes    int               `yaml:"fail_times,omitempty"` // attempts that fail before success; 0 = always
	Delay        string            `yaml:"delay,omitempty"`      // e.g. "50ms"
	Next         map[string]string `yaml:"next,omitempty"`

	delay time.Duration
}

// Scenario is a scripted mission.
type Scenario struct {
	MissionID   string   `yaml:"mission_id"`
	TenantID    string   `yaml:"tenant_id"`
	BudgetLimit *float64 `yaml:"budget_limit,omitempty"`
	SafetyLevel string   `yaml:"safety_level,omitempty"` // overrides the configured level
	Steps       []Step   `yaml:"steps"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: failed to parse scenario: %v", types.ErrInvalidInput, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the scenario and resolves step delays.
func (s *Scenario) Validate() error {
	if s.MissionID == "" || s.TenantID == "" {
		return fmt.Errorf("%w: scenario needs mission_id and tenant_id", types.ErrInvalidInput)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: scenario %s has no steps", types.ErrInvalidInput, s.MissionID)
	}
	if s.BudgetLimit != nil && *s.BudgetLimit < 0 {
		return fmt.Errorf("%w: budget_limit must be >= 0", types.ErrInvalidInput)
	}

	var errs []error
	for i := range s.Steps {
		st := &s.Steps[i]
		n := i + 1
		if st.Cost < 0 {
			errs = append(errs, fmt.Errorf("step %d: cost must be >= 0", n))
		}
		switch types.ApprovalTrigger(st.Trigger) {
		case types.TriggerNone, types.TriggerPlanChange, types.TriggerToolExecution,
			types.TriggerArtifact, types.TriggerIrreversible:
		default:
			errs = append(errs, fmt.Errorf("step %d: unknown trigger %q", n, st.Trigger))
		}
		switch st.Fail {
		case "", FailTransient, FailTimeout, FailInvalid:
		default:
			errs = append(errs, fmt.Errorf("step %d: unknown failure %q", n, st.Fail))
		}
		if st.FailTimes < 0 {
			errs = append(errs, fmt.Errorf("step %d: fail_times must be >= 0", n))
		}
		if st.Delay != "" {
			d, err := time.ParseDuration(st.Delay)
			if err != nil || d < 0 {
				errs = append(errs, fmt.Errorf("step %d: invalid delay %q", n, st.Delay))
			}
			st.delay = d
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: scenario %s: %w", types.ErrInvalidInput, s.MissionID, errors.Join(errs...))
	}
	return nil
}

// Executor replays a scenario. Step n of the mission runs Steps[n-1].
type Executor struct {
	scenario *Scenario

	mu       sync.Mutex
	attempts map[int]int
}

// NewExecutor returns an executor for s.
func NewExecutor(s *Scenario) *Executor {
	return &Executor{scenario: s, attempts: make(map[int]int)}
}

// Attempts returns how often step n was attempted.
func (e *Executor) Attempts(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[n]
}

// ExecuteStep runs the scripted step for stepCtx.Step.
func (e *Executor) ExecuteStep(ctx context.Context, _ types.MissionState, stepCtx types.StepContext) (types.StepResult, error) {
	n := stepCtx.Step
	if n < 1 || n > len(e.scenario.Steps) {
		return types.StepResult{}, resilience.InvalidInput(fmt.Errorf("scenario %s has no step %d", e.scenario.MissionID, n))
	}
	st := e.scenario.Steps[n-1]

	e.mu.Lock()
	e.attempts[n]++
	attempt := e.attempts[n]
	e.mu.Unlock()

	if st.delay > 0 {
		t := time.NewTimer(st.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return types.StepResult{}, ctx.Err()
		case <-t.C:
		}
	}

	if st.Fail != "" && (st.FailTimes == 0 || attempt <= st.FailTimes) {
		switch st.Fail {
		case FailTransient:
			return types.StepResult{}, resilience.Transient(fmt.Errorf("scripted failure at step %d (attempt %d)", n, attempt))
		case FailInvalid:
			return types.StepResult{}, resilience.InvalidInput(fmt.Errorf("scripted rejection at step %d", n))
		case FailTimeout:
			<-ctx.Done()
			return types.StepResult{}, ctx.Err()
		}
	}

	return types.StepResult{
		Cost:            st.Cost,
		GoalAchieved:    st.Goal,
		Output:          st.Output,
		ApprovalTrigger: types.ApprovalTrigger(st.Trigger),
		Irreversible:    st.Irreversible,
		Summary:         st.Summary,
		Next:            st.Next,
	}, nil
}
