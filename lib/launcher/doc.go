// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package launcher spawns worker processes and runs the readiness
// handshake.
//
// A worker is started with explicit flag arguments (--socket,
// --extension-id, --instance-id, --storage-dir) and a near-empty
// environment. Its stderr is drained in the background: every line is
// logged as a worker diagnostic, and a bounded tail is retained so
// launch failures can include the worker's own words.
//
// Readiness is a single line on the worker's stdout:
//
//	SOCKET_PATH=<socket path>
//
// printed only after the worker's listener is bound. The launcher
// requires the echoed path to match the path it allocated; a mismatch
// is a protocol violation and fails the launch. A worker that exits,
// or stays silent past the deadline, is force-killed and the launch
// fails with the captured diagnostics.
package launcher
