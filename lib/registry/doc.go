// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks running extension worker instances and owns
// their lifecycle.
//
// The registry is the single authority on which (extension ID,
// instance ID) pairs currently have a worker process. EnsureRunning
// starts an instance on first demand and deduplicates concurrent
// requests: when several callers ask for the same pair at once,
// exactly one worker is spawned and every caller receives the same
// instance (or the same failure). Stop tears an instance down in a
// fixed order that guarantees no event from the instance is delivered
// after Stop returns.
//
// A worker that exits on its own is noticed by a per-instance watch
// goroutine and cleaned out of the registry, so the next
// EnsureRunning for the pair starts a fresh process.
package registry
