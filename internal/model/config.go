// Package model defines the data structures shared across conductor: task
// and correlation records, status machines, configuration and metrics.
package model

type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Agent      AgentConfig      `yaml:"agent"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Retention  RetentionConfig  `yaml:"retention"`
	HTTP       HTTPConfig       `yaml:"http"`
	Events     EventsConfig     `yaml:"events"`
	Audit      AuditConfig      `yaml:"audit"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Notify     NotifyConfig     `yaml:"notify"`
	Logging    LoggingConfig    `yaml:"logging"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
}

type SchedulerConfig struct {
	DefaultMaxRetries int `yaml:"default_max_retries"`
	BaseRetryDelayMs  int `yaml:"base_retry_delay_ms"`
	MaxRetryDelayMs   int `yaml:"max_retry_delay_ms"`
}

type AgentConfig struct {
	AgentID        string `yaml:"agent_id"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	Verbose        bool   `yaml:"verbose"`
}

type SupervisorConfig struct {
	MonitorIntervalMs     int  `yaml:"monitor_interval_ms"`
	StaleThresholdMs      int  `yaml:"stale_threshold_ms"`
	ActivityTimeoutMs     int  `yaml:"activity_timeout_ms"`
	AutoRetryEnabled      bool `yaml:"auto_retry_enabled"`
	EscalationEnabled     bool `yaml:"escalation_enabled"`
	HealthCheckIntervalMs int  `yaml:"health_check_interval_ms"`
}

type RetentionConfig struct {
	Enabled         bool   `yaml:"enabled"`
	MaxAgeHours     int    `yaml:"max_age_hours"`
	ArchiveDir      string `yaml:"archive_dir"`
	SweepIntervalMs int    `yaml:"sweep_interval_ms"`
}

type HTTPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

type AuditConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path"`
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
}

type DaemonConfig struct {
	LockPath           string `yaml:"lock_path"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

// NotifyConfig controls webhook delivery of escalations. An empty
// WebhookURL disables delivery.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type SimulatorConfig struct {
	Controllers []SimControllerConfig `yaml:"controllers"`
}

type SimControllerConfig struct {
	ID                 string   `yaml:"id"`
	Activities         []string `yaml:"activities"`
	ActivityDurationMs int      `yaml:"activity_duration_ms"`
	FailureRate        float64  `yaml:"failure_rate"`
}
