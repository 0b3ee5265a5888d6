// Package model defines the configuration, run state, clarification, and
// metrics structures shared across baton.
package model

import (
	"fmt"
	"time"
)

// Config is the daemon configuration loaded from .baton/config.yaml.
type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Clarify  ClarifyConfig  `yaml:"clarify"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ProjectConfig names the project the daemon coordinates.
type ProjectConfig struct {
	Name string `yaml:"name"`
}

// DaemonConfig controls the daemon process itself.
type DaemonConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// MetricsIntervalSeconds is how often counters are flushed to disk.
	MetricsIntervalSeconds int `yaml:"metrics_interval_seconds"`
	// ShutdownGraceSeconds bounds how long shutdown waits for in-flight
	// handlers before forcing exit.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// WatcherConfig controls the state directory watcher.
type WatcherConfig struct {
	Enabled          bool `yaml:"enabled"`
	DebounceMillis   int  `yaml:"debounce_millis"`
	RescanOnOverflow bool `yaml:"rescan_on_overflow"`
}

// ClarifyConfig bounds the clarification broker.
type ClarifyConfig struct {
	// MaxPending is the number of clarification requests that may block
	// concurrently. Requests beyond it are rejected immediately.
	MaxPending int `yaml:"max_pending"`
	// TimeoutSeconds is how long an unanswered request blocks before the
	// asker proceeds with a fallback.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// PipelineConfig describes the stage commands the runner executes.
type PipelineConfig struct {
	// WorkDir is the working directory stage commands run in. Empty means
	// the project root.
	WorkDir string `yaml:"work_dir"`
	// Skip lists stage keys disabled by default. Per-session skip flags
	// override it.
	Skip []string `yaml:"skip"`
	// Stages maps stage keys to the commands that execute them.
	Stages map[string]StageCommandConfig `yaml:"stages"`
}

// StageCommandConfig is one executable pipeline stage.
type StageCommandConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// TimeoutSeconds bounds a single stage execution. Zero means no limit.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DefaultConfig returns the configuration used when no config.yaml exists.
func DefaultConfig() *Config {
	return &Config{
		Project: ProjectConfig{Name: "baton"},
		Daemon: DaemonConfig{
			LogLevel:               "info",
			MetricsIntervalSeconds: 30,
			ShutdownGraceSeconds:   10,
		},
		Watcher: WatcherConfig{
			Enabled:          true,
			DebounceMillis:   500,
			RescanOnOverflow: true,
		},
		Clarify: ClarifyConfig{
			MaxPending:     3,
			TimeoutSeconds: 300,
		},
		Pipeline: PipelineConfig{
			Stages: map[string]StageCommandConfig{},
		},
	}
}

// Validate checks ranges and rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Daemon.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("daemon.log_level: unknown level %q", c.Daemon.LogLevel)
	}
	if c.Daemon.MetricsIntervalSeconds < 0 {
		return fmt.Errorf("daemon.metrics_interval_seconds: must be >= 0, got %d", c.Daemon.MetricsIntervalSeconds)
	}
	if c.Daemon.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("daemon.shutdown_grace_seconds: must be >= 0, got %d", c.Daemon.ShutdownGraceSeconds)
	}
	if c.Watcher.DebounceMillis < 0 {
		return fmt.Errorf("watcher.debounce_millis: must be >= 0, got %d", c.Watcher.DebounceMillis)
	}
	if c.Clarify.MaxPending < 1 {
		return fmt.Errorf("clarify.max_pending: must be >= 1, got %d", c.Clarify.MaxPending)
	}
	if c.Clarify.TimeoutSeconds < 1 {
		return fmt.Errorf("clarify.timeout_seconds: must be >= 1, got %d", c.Clarify.TimeoutSeconds)
	}
	for key, sc := range c.Pipeline.Stages {
		if _, ok := StageDefByKey(key); !ok {
			return fmt.Errorf("pipeline.stages: unknown stage key %q", key)
		}
		if sc.Command == "" {
			return fmt.Errorf("pipeline.stages.%s: command must not be empty", key)
		}
		if sc.TimeoutSeconds < 0 {
			return fmt.Errorf("pipeline.stages.%s: timeout_seconds must be >= 0, got %d", key, sc.TimeoutSeconds)
		}
	}
	for _, key := range c.Pipeline.Skip {
		if _, ok := StageDefByKey(key); !ok {
			return fmt.Errorf("pipeline.skip: unknown stage key %q", key)
		}
	}
	return nil
}

// MetricsInterval returns the counter flush interval as a duration.
func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.Daemon.MetricsIntervalSeconds) * time.Second
}

// ClarifyTimeout returns the clarification timeout as a duration.
func (c *Config) ClarifyTimeout() time.Duration {
	return time.Duration(c.Clarify.TimeoutSeconds) * time.Second
}

// WatchDebounce returns the watcher debounce window as a duration.
func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.Watcher.DebounceMillis) * time.Millisecond
}

// ShutdownGrace returns how long shutdown waits for in-flight work.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Daemon.ShutdownGraceSeconds) * time.Second
}
