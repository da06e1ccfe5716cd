package config

import (
	"fmt"
	"time"
)

// GovernorConfig holds the mission tripwires. A value <= 0 disables that limit.
type GovernorConfig struct {
	MaxSteps   int     `yaml:"max_steps" json:"max_steps"`     // Step tripwire, inclusive
	MaxCost    float64 `yaml:"max_cost" json:"max_cost"`       // Global cost ceiling when a mission has no budget limit
	MaxRuntime string  `yaml:"max_runtime" json:"max_runtime"` // Wall-clock ceiling, e.g. "1h"
}

// DefaultGovernorConfig returns the default tripwires.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		MaxSteps:   25,
		MaxCost:    10.0,
		MaxRuntime: "1h",
	}
}

// GetMaxRuntime returns the runtime tripwire. An empty value disables it.
func (c *Config) GetMaxRuntime() time.Duration {
	return parseDuration(c.Governor.MaxRuntime, 0)
}

// ValidateGovernor checks that the tripwires are parseable and non-negative.
func (c *Config) ValidateGovernor() error {
	if c.Governor.MaxSteps < 0 {
		return fmt.Errorf("governor.max_steps must be >= 0 (0 disables)")
	}
	if c.Governor.MaxCost < 0 {
		return fmt.Errorf("governor.max_cost must be >= 0 (0 disables)")
	}
	if c.Governor.MaxRuntime != "" {
		if _, err := time.ParseDuration(c.Governor.MaxRuntime); err != nil {
			return fmt.Errorf("invalid governor.max_runtime %q: %w", c.Governor.MaxRuntime, err)
		}
	}
	return nil
}
