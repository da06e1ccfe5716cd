// Package logging provides config-driven categorized logging for the mission governor.
// Each component logs under its own category; categories can be switched off
// individually. Output is produced by zap, as JSON (default) or console text.
// Until Initialize is called every logger is a no-op.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and shutdown
	CategoryConfig     Category = "config"     // Configuration loading and reloads
	CategoryResilience Category = "resilience" // Timeouts, retries, circuit breakers
	CategoryGovernor   Category = "governor"   // Step/cost/runtime tripwires
	CategoryCheckpoint Category = "checkpoint" // Checkpoint persistence
	CategoryHITL       Category = "hitl"       // Approval requests and resolutions
	CategoryMission    Category = "mission"    // Continuation controller transitions
	CategoryEvents     Category = "events"     // Transition event publishing
)

// Config controls logger construction.
type Config struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode,omitempty"` // forces debug level
	Level      string          `yaml:"level" json:"level,omitempty"`           // debug, info, warn, error
	Format     string          `yaml:"format" json:"format,omitempty"`         // json, console
	File       string          `yaml:"file" json:"file,omitempty"`             // empty = stderr
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"` // per-category toggles, absent = enabled
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the process logger from cfg. It may be called again to
// reconfigure; existing category loggers are rebuilt lazily.
func Initialize(cfg Config) error {
	zc := zap.NewProductionConfig()
	zc.Sampling = nil
	zc.DisableStacktrace = true

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	if cfg.DebugMode {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	switch cfg.Format {
	case "", "json":
	case "console", "text":
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return fmt.Errorf("invalid log format %q (valid: json, console)", cfg.Format)
	}

	if cfg.File != "" {
		zc.OutputPaths = []string{cfg.File}
		zc.ErrorOutputPaths = []string{cfg.File}
	}

	built, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	replace(built, cfg.Categories)
	Get(CategoryBoot).Debug("logging initialized: level=%s format=%s", level, zc.Encoding)
	return nil
}

// SetCore installs a logger writing to core. Tests use it with zaptest/observer.
func SetCore(core zapcore.Core, cats map[string]bool) {
	replace(zap.New(core), cats)
}

// Reset returns to the no-op logger.
func Reset() {
	replace(zap.NewNop(), nil)
}

func replace(l *zap.Logger, cats map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	old := base
	base = l
	categories = cats
	loggers = make(map[Category]*Logger)
	_ = old.Sync()
}

// Sync flushes buffered log entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return base.Sync()
}

// Base returns the underlying zap logger, for libraries that take one.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func categoryEnabledLocked(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	z := zap.NewNop()
	if categoryEnabledLocked(category) {
		z = base.With(zap.String("cat", string(category)))
	}
	l := &Logger{category: category, sugar: z.Sugar()}
	loggers[category] = l
	return l
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// Resilience logs to the resilience category
func Resilience(format string, args ...interface{}) {
	Get(CategoryResilience).Info(format, args...)
}

// ResilienceDebug logs debug to the resilience category
func ResilienceDebug(format string, args ...interface{}) {
	Get(CategoryResilience).Debug(format, args...)
}

// ResilienceWarn logs a warning to the resilience category
func ResilienceWarn(format string, args ...interface{}) {
	Get(CategoryResilience).Warn(format, args...)
}

// ResilienceError logs an error to the resilience category
func ResilienceError(format string, args ...interface{}) {
	Get(CategoryResilience).Error(format, args...)
}

// Governor logs to the governor category
func Governor(format string, args ...interface{}) {
	Get(CategoryGovernor).Info(format, args...)
}

// Checkpoint logs to the checkpoint category
func Checkpoint(format string, args ...interface{}) {
	Get(CategoryCheckpoint).Info(format, args...)
}

// CheckpointDebug logs debug to the checkpoint category
func CheckpointDebug(format string, args ...interface{}) {
	Get(CategoryCheckpoint).Debug(format, args...)
}

// CheckpointError logs an error to the checkpoint category
func CheckpointError(format string, args ...interface{}) {
	Get(CategoryCheckpoint).Error(format, args...)
}

// HITL logs to the hitl category
func HITL(format string, args ...interface{}) {
	Get(CategoryHITL).Info(format, args...)
}

// HITLDebug logs debug to the hitl category
func HITLDebug(format string, args ...interface{}) {
	Get(CategoryHITL).Debug(format, args...)
}

// Mission logs to the mission category
func Mission(format string, args ...interface{}) {
	Get(CategoryMission).Info(format, args...)
}

// MissionDebug logs debug to the mission category
func MissionDebug(format string, args ...interface{}) {
	Get(CategoryMission).Debug(format, args...)
}

// MissionWarn logs a warning to the mission category
func MissionWarn(format string, args ...interface{}) {
	Get(CategoryMission).Warn(format, args...)
}

// MissionError logs an error to the mission category
func MissionError(format string, args ...interface{}) {
	Get(CategoryMission).Error(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
