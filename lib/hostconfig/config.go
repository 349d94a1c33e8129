// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostconfig provides configuration loading for the extension
// host.
//
// Configuration is loaded from a single YAML file specified by:
//   - EXTHOST_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file may
// contain environment-specific sections (development, production) that
// override base values when the environment matches.
package hostconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for end-user installations.
	Production Environment = "production"
)

// Config is the master configuration for the extension host.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Workers configures worker process management.
	Workers WorkersConfig `yaml:"workers"`

	// Events configures host-side event fan-out.
	Events EventsConfig `yaml:"events"`

	// EnvironmentOverrides contains per-environment overrides,
	// applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment.
type ConfigOverrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Workers *WorkersConfig `yaml:"workers,omitempty"`
	Events  *EventsConfig  `yaml:"events,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Extensions is the directory scanned for installed extensions
	// (one subdirectory per extension, each with its manifest).
	Extensions string `yaml:"extensions"`

	// Storage is the root under which per-instance storage
	// directories are created.
	Storage string `yaml:"storage"`

	// Runtime is the base directory for worker sockets. Empty means
	// the system runtime directory (XDG_RUNTIME_DIR or the OS temp
	// directory). Keep it short: socket paths derived from it must
	// fit the sun_path limit.
	Runtime string `yaml:"runtime"`
}

// WorkersConfig configures worker process management.
type WorkersConfig struct {
	// ReadyTimeout is how long a spawned worker gets to signal
	// readiness. Default: 10s.
	ReadyTimeout Duration `yaml:"ready_timeout"`

	// StartTimeout bounds one complete instance start, from spawn
	// through the initialize exchange. Default: 30s.
	StartTimeout Duration `yaml:"start_timeout"`
}

// Duration is a time.Duration that unmarshals from YAML duration
// strings like "10s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// EventsConfig configures host-side event fan-out.
type EventsConfig struct {
	// SubscriptionBuffer is the per-listener channel capacity.
	// Default: 64.
	SubscriptionBuffer int `yaml:"subscription_buffer"`
}

// Default returns the default configuration. These defaults ensure
// every field has a sensible value before the config file is merged
// in; the config file is still the source of truth.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "exthost")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Extensions: filepath.Join(defaultRoot, "extensions"),
			Storage:    filepath.Join(defaultRoot, "storage"),
			Runtime:    "",
		},
		Workers: WorkersConfig{
			ReadyTimeout: Duration(10 * time.Second),
			StartTimeout: Duration(30 * time.Second),
		},
		Events: EventsConfig{
			SubscriptionBuffer: 64,
		},
	}
}

// Load loads configuration from the EXTHOST_CONFIG environment
// variable. There are no fallbacks: if EXTHOST_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("EXTHOST_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("EXTHOST_CONFIG environment variable not set; " +
			"set it to the path of your exthost.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override values. The only expansion performed is ${HOME} in paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides applies the section matching
// c.Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Extensions != "" {
			c.Paths.Extensions = overrides.Paths.Extensions
		}
		if overrides.Paths.Storage != "" {
			c.Paths.Storage = overrides.Paths.Storage
		}
		if overrides.Paths.Runtime != "" {
			c.Paths.Runtime = overrides.Paths.Runtime
		}
	}
	if overrides.Workers != nil {
		if overrides.Workers.ReadyTimeout > 0 {
			c.Workers.ReadyTimeout = overrides.Workers.ReadyTimeout
		}
		if overrides.Workers.StartTimeout > 0 {
			c.Workers.StartTimeout = overrides.Workers.StartTimeout
		}
	}
	if overrides.Events != nil {
		if overrides.Events.SubscriptionBuffer > 0 {
			c.Events.SubscriptionBuffer = overrides.Events.SubscriptionBuffer
		}
	}
}

// expandVariables expands ${HOME} in path fields for portability.
func (c *Config) expandVariables() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(path string) string {
		return strings.ReplaceAll(path, "${HOME}", homeDir)
	}
	c.Paths.Extensions = expand(c.Paths.Extensions)
	c.Paths.Storage = expand(c.Paths.Storage)
	c.Paths.Runtime = expand(c.Paths.Runtime)
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Production:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Paths.Extensions == "" {
		return fmt.Errorf("paths.extensions must be set")
	}
	if c.Paths.Storage == "" {
		return fmt.Errorf("paths.storage must be set")
	}
	return nil
}
