// Package config provides configuration types, defaults, and
// persistence for ravel.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/ravel/internal/log"
	"github.com/zjrosen/ravel/internal/tracing"
)

// Config holds all configuration options for ravel.
type Config struct {
	// DBPath is the sqlite execution log location.
	// Default: ~/.ravel/ravel.db
	DBPath string `mapstructure:"db_path"`

	// LogPath enables file logging when set.
	LogPath string `mapstructure:"log_path"`

	// ProfileDir overrides the user profile directory.
	// Default: ~/.ravel/profiles
	ProfileDir string `mapstructure:"profile_dir"`

	// Profile is the solve profile used when --profile is not given.
	Profile string `mapstructure:"profile"`

	// Capability names the registered agent capability to drive.
	Capability string `mapstructure:"capability"`

	// Tracing configures stage-span export.
	Tracing tracing.Config `mapstructure:"tracing"`
}

// DefaultDBPath returns ~/.ravel/ravel.db, or a relative fallback when
// the home directory is unavailable.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ravel.db"
	}
	return filepath.Join(home, ".ravel", "ravel.db")
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		DBPath:     DefaultDBPath(),
		Profile:    "default",
		Capability: "mock",
		Tracing:    tracing.DefaultConfig(),
	}
}

// DefaultConfigTemplate returns the commented YAML written on first run.
func DefaultConfigTemplate() string {
	return `# ravel configuration

# Execution log database. Every solve is recorded here and can be
# resumed or inspected later.
# db_path: ~/.ravel/ravel.db

# Write debug logs to a file (disabled when empty).
# log_path: ~/.ravel/ravel.log

# Directory scanned for user-defined solve profiles.
# profile_dir: ~/.ravel/profiles

# Solve profile used when --profile is not given.
profile: default

# Registered agent capability that produces atomize/plan/execute/
# aggregate/verify results.
capability: mock

# Stage-span tracing.
tracing:
  enabled: false
  # exporter: file | stdout | otlp | none
  exporter: file
  # file_path: ~/.ravel/traces/traces.jsonl
  # otlp_endpoint: localhost:4317
  sample_rate: 1.0
`
}

// WriteDefaultConfig writes the default config template to the given
// path, creating parent directories as needed.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
