// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package hostconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exthost.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: development
paths:
  extensions: /opt/exthost/extensions
workers:
  ready_timeout: 3s
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Extensions != "/opt/exthost/extensions" {
		t.Errorf("extensions = %q", cfg.Paths.Extensions)
	}
	if cfg.Workers.ReadyTimeout.Std() != 3*time.Second {
		t.Errorf("ready_timeout = %v, want 3s", cfg.Workers.ReadyTimeout.Std())
	}
	// Untouched fields keep their defaults.
	if cfg.Workers.StartTimeout.Std() != 30*time.Second {
		t.Errorf("start_timeout = %v, want default 30s", cfg.Workers.StartTimeout.Std())
	}
	if cfg.Events.SubscriptionBuffer != 64 {
		t.Errorf("subscription_buffer = %d, want default 64", cfg.Events.SubscriptionBuffer)
	}
}

func TestEnvironmentOverridesApply(t *testing.T) {
	path := writeConfig(t, `
environment: production
paths:
  extensions: /opt/exthost/extensions
  storage: /var/lib/exthost
production:
  paths:
    storage: /srv/exthost
  workers:
    start_timeout: 1m
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Storage != "/srv/exthost" {
		t.Errorf("storage = %q, want production override", cfg.Paths.Storage)
	}
	if cfg.Paths.Extensions != "/opt/exthost/extensions" {
		t.Errorf("extensions = %q, base value should survive", cfg.Paths.Extensions)
	}
	if cfg.Workers.StartTimeout.Std() != time.Minute {
		t.Errorf("start_timeout = %v, want 1m", cfg.Workers.StartTimeout.Std())
	}
}

func TestOtherEnvironmentSectionIgnored(t *testing.T) {
	path := writeConfig(t, `
environment: development
production:
  paths:
    storage: /srv/exthost
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Storage == "/srv/exthost" {
		t.Error("production override applied in development environment")
	}
}

func TestHomeExpansion(t *testing.T) {
	path := writeConfig(t, `
paths:
  extensions: ${HOME}/exthost/extensions
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	want := filepath.Join(home, "exthost", "extensions")
	if cfg.Paths.Extensions != want {
		t.Errorf("extensions = %q, want %q", cfg.Paths.Extensions, want)
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("EXTHOST_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without EXTHOST_CONFIG")
	}
}

func TestInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
workers:
  ready_timeout: soon
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile accepted an invalid duration")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	cfg.Environment = "staging"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown environment accepted")
	}
}
