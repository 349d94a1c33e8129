// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Discover scans the extensions directory for installed extensions.
// Each immediate subdirectory containing an extension.jsonc is loaded;
// subdirectories without one are skipped silently (they may be
// half-installed or unrelated). A malformed manifest is logged and
// skipped rather than failing the whole scan — one broken extension
// must not take down the host.
//
// The result is sorted by extension ID for deterministic listings.
// Duplicate IDs across directories are an error: the registry keys
// instances by extension ID, so two extensions claiming the same ID
// would shadow each other.
func Discover(dir string, logger *slog.Logger) ([]*Manifest, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning extensions directory %s: %w", dir, err)
	}

	byID := make(map[string]string)
	var manifests []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		manifestPath := filepath.Join(dir, entry.Name(), Filename)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		m, err := ReadFile(manifestPath)
		if err != nil {
			logger.Warn("skipping extension with malformed manifest",
				"path", manifestPath,
				"error", err,
			)
			continue
		}

		if previous, exists := byID[m.ID]; exists {
			return nil, fmt.Errorf("duplicate extension id %q in %s and %s", m.ID, previous, m.Dir)
		}
		byID[m.ID] = m.Dir
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].ID < manifests[j].ID
	})
	return manifests, nil
}

// Catalog holds an immutable snapshot of discovered extensions.
// Rescan replaces the snapshot wholesale; there is no incremental
// update. Safe for concurrent use: lookups may race with a rescan
// and see either the old or the new snapshot, never a mix.
type Catalog struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	manifests []*Manifest
	index     map[string]*Manifest
}

// NewCatalog scans dir and returns the initial snapshot.
func NewCatalog(dir string, logger *slog.Logger) (*Catalog, error) {
	c := &Catalog{dir: dir, logger: logger}
	if err := c.Rescan(); err != nil {
		return nil, err
	}
	return c, nil
}

// Rescan re-reads the extensions directory and replaces the snapshot.
// The scan runs outside the lock; only the swap is guarded.
func (c *Catalog) Rescan() error {
	manifests, err := Discover(c.dir, c.logger)
	if err != nil {
		return err
	}
	index := make(map[string]*Manifest, len(manifests))
	for _, m := range manifests {
		index[m.ID] = m
	}
	c.mu.Lock()
	c.manifests = manifests
	c.index = index
	c.mu.Unlock()
	return nil
}

// All returns the discovered manifests in ID order. The slice is
// shared; callers must not modify it.
func (c *Catalog) All() []*Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manifests
}

// Get returns the manifest for an extension ID, or false if the
// extension is not installed.
func (c *Catalog) Get(extensionID string) (*Manifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.index[extensionID]
	return m, ok
}
