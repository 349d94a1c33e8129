// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the host and
// worker binaries. It centralizes the one legitimate raw-stderr pattern:
// fatal error reporting from main() where the structured logger may not
// be initialized yet. All other diagnostic output goes through slog.
package process
