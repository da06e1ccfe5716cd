package config

import (
	"fmt"
	"time"
)

// ResilienceConfig centralizes timeout, retry and circuit breaker settings for
// calls to external dependencies.
//
// The shortest timeout in a chain wins: a per-attempt timeout longer than the
// mission context's deadline never fires.
type ResilienceConfig struct {
	// CallTimeout bounds a single attempt.
	CallTimeout string `yaml:"call_timeout" json:"call_timeout"`

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BackoffMin and BackoffMax clamp every retry delay.
	BackoffMin string `yaml:"backoff_min" json:"backoff_min"`
	BackoffMax string `yaml:"backoff_max" json:"backoff_max"`

	// FailureThreshold is the number of consecutive failed invocations that
	// opens a breaker.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout is how long an open breaker rejects calls before a trial.
	RecoveryTimeout string `yaml:"recovery_timeout" json:"recovery_timeout"`

	// StepDependency names the breaker that guards the step executor.
	StepDependency string `yaml:"step_dependency" json:"step_dependency"`

	// Dependencies holds per-dependency overrides keyed by dependency name.
	Dependencies map[string]DependencyConfig `yaml:"dependencies" json:"dependencies,omitempty"`
}

// DependencyConfig overrides the defaults for one named dependency. Zero
// values inherit.
type DependencyConfig struct {
	CallTimeout      string `yaml:"call_timeout" json:"call_timeout,omitempty"`
	MaxAttempts      int    `yaml:"max_attempts" json:"max_attempts,omitempty"`
	FailureThreshold int    `yaml:"failure_threshold" json:"failure_threshold,omitempty"`
	RecoveryTimeout  string `yaml:"recovery_timeout" json:"recovery_timeout,omitempty"`
}

// DefaultResilienceConfig returns the default resilience settings.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		CallTimeout:      "30s",
		MaxAttempts:      3,
		BackoffMin:       "100ms",
		BackoffMax:       "5s",
		FailureThreshold: 5,
		RecoveryTimeout:  "30s",
		StepDependency:   "step-executor",
	}
}

// GetCallTimeout returns the per-attempt timeout for a dependency.
func (c *Config) GetCallTimeout(dependency string) time.Duration {
	def := parseDuration(c.Resilience.CallTimeout, 30*time.Second)
	if dep, ok := c.Resilience.Dependencies[dependency]; ok {
		return parseDuration(dep.CallTimeout, def)
	}
	return def
}

// GetMaxAttempts returns the attempt budget for a dependency.
func (c *Config) GetMaxAttempts(dependency string) int {
	if dep, ok := c.Resilience.Dependencies[dependency]; ok && dep.MaxAttempts > 0 {
		return dep.MaxAttempts
	}
	if c.Resilience.MaxAttempts <= 0 {
		return 3
	}
	return c.Resilience.MaxAttempts
}

// GetBackoffBounds returns the clamp applied to every retry delay.
func (c *Config) GetBackoffBounds() (lo, hi time.Duration) {
	lo = parseDuration(c.Resilience.BackoffMin, 100*time.Millisecond)
	hi = parseDuration(c.Resilience.BackoffMax, 5*time.Second)
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// GetFailureThreshold returns the breaker threshold for a dependency.
func (c *Config) GetFailureThreshold(dependency string) int {
	if dep, ok := c.Resilience.Dependencies[dependency]; ok && dep.FailureThreshold > 0 {
		return dep.FailureThreshold
	}
	if c.Resilience.FailureThreshold <= 0 {
		return 5
	}
	return c.Resilience.FailureThreshold
}

// GetRecoveryTimeout returns the breaker recovery timeout for a dependency.
func (c *Config) GetRecoveryTimeout(dependency string) time.Duration {
	def := parseDuration(c.Resilience.RecoveryTimeout, 30*time.Second)
	if dep, ok := c.Resilience.Dependencies[dependency]; ok {
		return parseDuration(dep.RecoveryTimeout, def)
	}
	return def
}

// GetStepDependency returns the breaker name used for the step executor.
func (c *Config) GetStepDependency() string {
	if c.Resilience.StepDependency == "" {
		return "step-executor"
	}
	return c.Resilience.StepDependency
}

// ValidateResilience checks resilience durations and counts.
func (c *Config) ValidateResilience() error {
	r := c.Resilience
	for name, value := range map[string]string{
		"call_timeout":     r.CallTimeout,
		"backoff_min":      r.BackoffMin,
		"backoff_max":      r.BackoffMax,
		"recovery_timeout": r.RecoveryTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid resilience.%s %q: %w", name, value, err)
		}
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("resilience.max_attempts must be >= 0")
	}
	if r.FailureThreshold < 0 {
		return fmt.Errorf("resilience.failure_threshold must be >= 0")
	}
	for dep, o := range r.Dependencies {
		if o.CallTimeout != "" {
			if _, err := time.ParseDuration(o.CallTimeout); err != nil {
				return fmt.Errorf("invalid resilience.dependencies.%s.call_timeout %q: %w", dep, o.CallTimeout, err)
			}
		}
		if o.RecoveryTimeout != "" {
			if _, err := time.ParseDuration(o.RecoveryTimeout); err != nil {
				return fmt.Errorf("invalid resilience.dependencies.%s.recovery_timeout %q: %w", dep, o.RecoveryTimeout, err)
			}
		}
	}
	return nil
}
