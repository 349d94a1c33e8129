// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package endpoint allocates the per-instance Unix socket paths over
// which the host talks to worker processes.
//
// Every running instance gets its own socket, so the path must be
// unique per (extension ID, instance ID) pair. Paths are namespaced by
// the host's own process ID so that two hosts running concurrently on
// the same machine (two app windows, or a test suite next to a live
// host) can never collide on a socket path.
package endpoint
