// Package config loads and validates the conductor configuration file.
// Loading unmarshals over defaults, so a partial file only overrides the
// keys it names.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lablink-io/conductor/internal/model"
)

// FileName is the configuration file name inside the data directory.
const FileName = "conductor.yaml"

// Defaults returns the built-in configuration.
func Defaults() model.Config {
	return model.Config{
		Scheduler: model.SchedulerConfig{
			DefaultMaxRetries: 3,
			BaseRetryDelayMs:  1000,
			MaxRetryDelayMs:   300000,
		},
		Agent: model.AgentConfig{
			PollIntervalMs: 1000,
			MaxConcurrent:  4,
		},
		Supervisor: model.SupervisorConfig{
			MonitorIntervalMs:     5000,
			StaleThresholdMs:      30000,
			ActivityTimeoutMs:     600000,
			AutoRetryEnabled:      true,
			EscalationEnabled:     true,
			HealthCheckIntervalMs: 15000,
		},
		Retention: model.RetentionConfig{
			Enabled:         true,
			MaxAgeHours:     24,
			SweepIntervalMs: 3600000,
		},
		HTTP: model.HTTPConfig{
			Enabled:    true,
			ListenAddr: ":8600",
		},
		Events: model.EventsConfig{
			BufferSize: 100,
		},
		Audit: model.AuditConfig{
			Enabled:      true,
			MaxSizeBytes: 10 * 1024 * 1024,
		},
		Daemon: model.DaemonConfig{
			ShutdownTimeoutSec: 30,
		},
		Notify: model.NotifyConfig{
			TimeoutMs: 5000,
		},
		Logging: model.LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration at path on top of Defaults and validates the
// result.
func Load(path string) (model.Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg model.Config) error {
	if cfg.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("scheduler.default_max_retries must not be negative")
	}
	if cfg.Scheduler.BaseRetryDelayMs < 0 {
		return fmt.Errorf("scheduler.base_retry_delay_ms must not be negative")
	}
	if cfg.Scheduler.MaxRetryDelayMs > 0 && cfg.Scheduler.MaxRetryDelayMs < cfg.Scheduler.BaseRetryDelayMs {
		return fmt.Errorf("scheduler.max_retry_delay_ms must not be below base_retry_delay_ms")
	}
	if cfg.Agent.MaxConcurrent < 0 {
		return fmt.Errorf("agent.max_concurrent must not be negative")
	}
	if cfg.Agent.PollIntervalMs < 0 {
		return fmt.Errorf("agent.poll_interval_ms must not be negative")
	}
	if cfg.Supervisor.MonitorIntervalMs < 0 {
		return fmt.Errorf("supervisor.monitor_interval_ms must not be negative")
	}
	if cfg.Supervisor.ActivityTimeoutMs < 0 {
		return fmt.Errorf("supervisor.activity_timeout_ms must not be negative")
	}
	if cfg.Retention.MaxAgeHours < 0 {
		return fmt.Errorf("retention.max_age_hours must not be negative")
	}
	if cfg.Events.BufferSize < 0 {
		return fmt.Errorf("events.buffer_size must not be negative")
	}
	if cfg.Audit.MaxSizeBytes < 0 {
		return fmt.Errorf("audit.max_size_bytes must not be negative")
	}
	if cfg.Notify.TimeoutMs < 0 {
		return fmt.Errorf("notify.timeout_ms must not be negative")
	}
	if lvl := cfg.Logging.Level; lvl != "" {
		switch lvl {
		case "debug", "info", "warn", "warning", "error":
		default:
			return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", lvl)
		}
	}
	for i, ctl := range cfg.Simulator.Controllers {
		if ctl.ID == "" {
			return fmt.Errorf("simulator.controllers[%d].id is required", i)
		}
		if ctl.FailureRate < 0 || ctl.FailureRate > 1 {
			return fmt.Errorf("simulator.controllers[%d].failure_rate must be in [0, 1]", i)
		}
	}
	return nil
}
