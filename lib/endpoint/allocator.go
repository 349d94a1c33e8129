// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxSocketPath is the portable limit on a Unix socket path
// (sun_path in sockaddr_un is 108 bytes on Linux, 104 on the BSDs;
// use the smaller bound).
const maxSocketPath = 104

// Allocator derives socket paths for worker instances inside a
// directory private to this host process.
type Allocator struct {
	dir string
}

// New creates an allocator rooted at baseDir/host-<pid>. The
// per-process directory is created with owner-only permissions: the
// sockets inside it carry no authentication, so directory permissions
// are the access control.
//
// If baseDir is empty, the system runtime directory is used
// (XDG_RUNTIME_DIR when set, otherwise the OS temp directory).
func New(baseDir string) (*Allocator, error) {
	if baseDir == "" {
		baseDir = os.Getenv("XDG_RUNTIME_DIR")
	}
	if baseDir == "" {
		baseDir = os.TempDir()
	}

	dir := filepath.Join(baseDir, fmt.Sprintf("exthost-%d", os.Getpid()))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory %s: %w", dir, err)
	}
	return &Allocator{dir: dir}, nil
}

// Dir returns the per-process socket directory.
func (a *Allocator) Dir() string {
	return a.dir
}

// SocketPath returns the socket path for one (extension ID, instance
// ID) pair. The path is deterministic: the same pair always maps to
// the same path within one host process, which is what lets Remove
// clean up after a worker that died without unlinking its socket.
func (a *Allocator) SocketPath(extensionID, instanceID string) (string, error) {
	name := fmt.Sprintf("%s-%s.sock", sanitize(extensionID), sanitize(instanceID))
	path := filepath.Join(a.dir, name)
	if len(path) > maxSocketPath {
		return "", fmt.Errorf("socket path %s exceeds the %d-byte sun_path limit; use a shorter runtime directory", path, maxSocketPath)
	}
	return path, nil
}

// Remove unlinks the socket file for a pair. Idempotent: a missing
// file is not an error, since a cleanly exiting worker unlinks its own
// socket.
func (a *Allocator) Remove(extensionID, instanceID string) error {
	path, err := a.SocketPath(extensionID, instanceID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing socket %s: %w", path, err)
	}
	return nil
}

// Close removes the per-process socket directory and everything in it.
// Called once at host shutdown, after all instances have stopped.
func (a *Allocator) Close() error {
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("removing socket directory %s: %w", a.dir, err)
	}
	return nil
}

// sanitize maps an identifier onto the filename-safe alphabet.
// Extension and instance IDs are normally short slugs already; this
// guards against separators leaking into the path.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
