// Package setup handles conductor data directory initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/lablink-io/conductor/internal/config"
	"github.com/lablink-io/conductor/internal/fileio"
	"github.com/lablink-io/conductor/internal/model"
	"github.com/lablink-io/conductor/templates"
)

const conductorDir = ".conductor"

// Run initializes the .conductor/ directory structure in the given project
// directory. agentID overrides the generated agent id (defaults to
// "agent-<dirname>" if empty).
func Run(projectDir, agentID string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, conductorDir)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	// Create directory structure
	dirs := []string{
		"logs",
		"locks",
		"archive",
		"audit",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	// Copy operator notes
	if err := copyTemplateFile("runbook.md", filepath.Join(base, "runbook.md")); err != nil {
		return err
	}

	// Generate and write conductor.yaml with auto-filled fields
	cfg, err := generateConfig(absDir, agentID)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := config.Validate(*cfg); err != nil {
		return fmt.Errorf("generated config invalid: %w", err)
	}

	if err := fileio.AtomicWrite(filepath.Join(base, config.FileName), cfg); err != nil {
		return fmt.Errorf("write %s: %w", config.FileName, err)
	}

	// Create conductor.lock (empty)
	if err := os.WriteFile(filepath.Join(base, "locks", "conductor.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create conductor.lock: %w", err)
	}

	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir, agentID string) (*model.Config, error) {
	// Read template config as base
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	cfg := config.Defaults()
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	// Auto-fill fields
	if agentID != "" {
		cfg.Agent.AgentID = agentID
	} else {
		cfg.Agent.AgentID = "agent-" + filepath.Base(projectDir)
	}

	return &cfg, nil
}
