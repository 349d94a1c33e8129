// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// Filename is the manifest file each extension directory must contain.
const Filename = "extension.jsonc"

// Manifest is the static descriptor of one installed extension.
// Loaded once during discovery and immutable thereafter.
type Manifest struct {
	// ID is the unique extension identifier (e.g., "reports").
	// Instances of the extension are keyed by (ID, instance ID).
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Version is the extension's own version string.
	Version string `json:"version"`

	// Description is an optional one-line summary shown in listings.
	Description string `json:"description,omitempty"`

	// Author is the optional extension author.
	Author string `json:"author,omitempty"`

	// Category is an optional grouping hint for listings.
	Category string `json:"category,omitempty"`

	// Entrypoint is the backend worker executable, relative to the
	// extension directory.
	Entrypoint string `json:"entrypoint"`

	// UI describes the extension's frontend bundle. The host does not
	// render it; the descriptor is carried for the shell.
	UI UIDescriptor `json:"ui"`

	// Dir is the absolute path of the extension directory. Filled in
	// by discovery, not present in the file.
	Dir string `json:"-"`
}

// UIDescriptor locates the extension's frontend entry points.
type UIDescriptor struct {
	// Entry is the production UI entry file, relative to the
	// extension directory.
	Entry string `json:"entry"`

	// DevServer is an optional development-server URL used instead of
	// Entry during extension development.
	DevServer string `json:"dev_server,omitempty"`
}

// EntrypointPath returns the absolute path of the backend worker
// executable.
func (m *Manifest) EntrypointPath() string {
	return filepath.Join(m.Dir, m.Entrypoint)
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals and normalizes the result. Legacy field spellings are
// mapped to the current schema before validation.
func Parse(data []byte) (*Manifest, error) {
	stripped := jsonc.ToJSON(data)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(stripped, &raw); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	normalize(raw)

	merged, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalizing manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(merged, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadFile reads and parses a manifest file, recording the containing
// directory as the extension directory.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolving extension directory for %s: %w", path, err)
	}
	m.Dir = dir
	return m, nil
}

// validate checks the fields the host cannot operate without.
func (m *Manifest) validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest missing required field: id")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("manifest %q missing required field: entrypoint", m.ID)
	}
	if filepath.IsAbs(m.Entrypoint) {
		return fmt.Errorf("manifest %q: entrypoint must be relative to the extension directory", m.ID)
	}
	return nil
}
