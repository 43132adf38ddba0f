package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lablink-io/conductor/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Scheduler.DefaultMaxRetries != 3 {
		t.Errorf("DefaultMaxRetries = %d, want 3", cfg.Scheduler.DefaultMaxRetries)
	}
	if cfg.Agent.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.Agent.MaxConcurrent)
	}
	if !cfg.Supervisor.AutoRetryEnabled {
		t.Error("AutoRetryEnabled should default to true")
	}
	if !cfg.Supervisor.EscalationEnabled {
		t.Error("EscalationEnabled should default to true")
	}
	if cfg.HTTP.ListenAddr != ":8600" {
		t.Errorf("ListenAddr = %q, want :8600", cfg.HTTP.ListenAddr)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Notify.WebhookURL != "" {
		t.Errorf("WebhookURL = %q, want disabled by default", cfg.Notify.WebhookURL)
	}
	if cfg.Notify.TimeoutMs != 5000 {
		t.Errorf("Notify.TimeoutMs = %d, want 5000", cfg.Notify.TimeoutMs)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  default_max_retries: 7
agent:
  max_concurrent: 2
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Scheduler.DefaultMaxRetries != 7 {
		t.Errorf("DefaultMaxRetries = %d, want 7", cfg.Scheduler.DefaultMaxRetries)
	}
	if cfg.Agent.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", cfg.Agent.MaxConcurrent)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	// Keys the file does not name keep their defaults.
	if cfg.Scheduler.BaseRetryDelayMs != 1000 {
		t.Errorf("BaseRetryDelayMs = %d, want default 1000", cfg.Scheduler.BaseRetryDelayMs)
	}
	if !cfg.Supervisor.AutoRetryEnabled {
		t.Error("AutoRetryEnabled should keep its default when absent")
	}
}

func TestLoad_ExplicitFalseOverridesDefault(t *testing.T) {
	path := writeConfig(t, `
supervisor:
  auto_retry_enabled: false
http:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Supervisor.AutoRetryEnabled {
		t.Error("auto_retry_enabled: false should override the default")
	}
	if cfg.HTTP.Enabled {
		t.Error("http.enabled: false should override the default")
	}
	if !cfg.Supervisor.EscalationEnabled {
		t.Error("escalation_enabled should keep its default")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), FileName))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "scheduler: [not: a: map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_SimulatorControllers(t *testing.T) {
	path := writeConfig(t, `
simulator:
  controllers:
    - id: ctl-a
      activities: [BUILD, SCAN]
      activity_duration_ms: 250
      failure_rate: 0.1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Simulator.Controllers) != 1 {
		t.Fatalf("controllers = %d, want 1", len(cfg.Simulator.Controllers))
	}
	ctl := cfg.Simulator.Controllers[0]
	if ctl.ID != "ctl-a" || len(ctl.Activities) != 2 || ctl.ActivityDurationMs != 250 {
		t.Errorf("unexpected controller: %+v", ctl)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*model.Config)
	}{
		{"negative max retries", func(c *model.Config) { c.Scheduler.DefaultMaxRetries = -1 }},
		{"max delay below base", func(c *model.Config) {
			c.Scheduler.BaseRetryDelayMs = 5000
			c.Scheduler.MaxRetryDelayMs = 1000
		}},
		{"negative concurrency", func(c *model.Config) { c.Agent.MaxConcurrent = -2 }},
		{"negative notify timeout", func(c *model.Config) { c.Notify.TimeoutMs = -1 }},
		{"bad log level", func(c *model.Config) { c.Logging.Level = "verbose" }},
		{"controller without id", func(c *model.Config) {
			c.Simulator.Controllers = append(c.Simulator.Controllers, model.SimControllerConfig{})
		}},
		{"failure rate above one", func(c *model.Config) {
			c.Simulator.Controllers = append(c.Simulator.Controllers, model.SimControllerConfig{ID: "x", FailureRate: 1.5})
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_AcceptsWarningAlias(t *testing.T) {
	cfg := Defaults()
	cfg.Logging.Level = "warning"
	if err := Validate(cfg); err != nil {
		t.Errorf("warning should be accepted: %v", err)
	}
}
