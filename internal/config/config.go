package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mission governor configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Tripwires
	Governor GovernorConfig `yaml:"governor"`

	// Timeouts, retries and circuit breakers for external calls
	Resilience ResilienceConfig `yaml:"resilience"`

	// Human-in-the-loop approvals
	HITL HITLConfig `yaml:"hitl"`

	// Checkpoint persistence
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Transition event publishing
	Events EventsConfig `yaml:"events"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// HITLConfig configures the approval gate.
type HITLConfig struct {
	SafetyLevel   string   `yaml:"safety_level"`   // conservative, balanced, minimal
	AlwaysApprove []string `yaml:"always_approve"` // approval kinds that always require review
	NeverApprove  []string `yaml:"never_approve"`  // approval kinds that never require review
}

// CheckpointConfig configures the checkpoint store.
type CheckpointConfig struct {
	Backend         string `yaml:"backend"` // memory, sqlite
	DatabasePath    string `yaml:"database_path"`
	PersistAttempts int    `yaml:"persist_attempts"`
	PersistBackoff  string `yaml:"persist_backoff"`
	PurgeOnComplete bool   `yaml:"purge_on_complete"`
}

// EventsConfig configures transition event publishing.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"` // prefix; events go to <subject>.<tenant>.<mission>
}

// ValidSafetyLevels lists the supported HITL safety levels.
var ValidSafetyLevels = []string{"conservative", "balanced", "minimal"}

// ValidBackends lists the supported checkpoint backends.
var ValidBackends = []string{"memory", "sqlite"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "missiongov",
		Version: "0.3.0",

		Governor: DefaultGovernorConfig(),

		Resilience: DefaultResilienceConfig(),

		HITL: HITLConfig{
			SafetyLevel: "balanced",
		},

		Checkpoint: CheckpointConfig{
			Backend:         "sqlite",
			DatabasePath:    "data/missiongov.db",
			PersistAttempts: 3,
			PersistBackoff:  "50ms",
		},

		Events: EventsConfig{
			Enabled: false,
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "missiongov.transitions",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("MISSIONGOV_DB"); path != "" {
		c.Checkpoint.DatabasePath = path
		c.Checkpoint.Backend = "sqlite"
	}
	if url := os.Getenv("MISSIONGOV_NATS_URL"); url != "" {
		c.Events.NATSURL = url
		c.Events.Enabled = true
	}
	if level := os.Getenv("MISSIONGOV_SAFETY_LEVEL"); level != "" {
		c.HITL.SafetyLevel = strings.ToLower(level)
	}
	if level := os.Getenv("MISSIONGOV_LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
}

// GetPersistBackoff returns the delay between checkpoint save attempts.
func (c *Config) GetPersistBackoff() time.Duration {
	return parseDuration(c.Checkpoint.PersistBackoff, 50*time.Millisecond)
}

// GetPersistAttempts returns the bounded number of checkpoint save attempts.
func (c *Config) GetPersistAttempts() int {
	if c.Checkpoint.PersistAttempts <= 0 {
		return 3
	}
	return c.Checkpoint.PersistAttempts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.ValidateGovernor(); err != nil {
		return err
	}
	if err := c.ValidateResilience(); err != nil {
		return err
	}
	if !contains(ValidSafetyLevels, c.HITL.SafetyLevel) {
		return fmt.Errorf("invalid safety level: %s (valid: %v)", c.HITL.SafetyLevel, ValidSafetyLevels)
	}
	if !contains(ValidBackends, c.Checkpoint.Backend) {
		return fmt.Errorf("invalid checkpoint backend: %s (valid: %v)", c.Checkpoint.Backend, ValidBackends)
	}
	if c.Checkpoint.Backend == "sqlite" && c.Checkpoint.DatabasePath == "" {
		return fmt.Errorf("checkpoint.database_path is required for the sqlite backend")
	}
	if c.Events.Enabled && c.Events.NATSURL == "" {
		return fmt.Errorf("events.nats_url is required when events are enabled")
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
