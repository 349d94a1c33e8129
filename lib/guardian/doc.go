// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardian binds worker processes to the host's lifetime so
// that no orphan workers survive a crashed host.
//
// The guarantee is best-effort and platform-dependent. On Linux the
// guardian uses PR_SET_PDEATHSIG: the kernel delivers SIGKILL to the
// worker the moment its parent dies, no cleanup code required. Each
// worker is also placed in its own process group so that Kill can take
// out the worker together with anything it spawned. On platforms
// without these primitives the guardian is a no-op and orphan
// prevention relies on the explicit termination paths in the registry.
//
// Losing the guarantee is never fatal: a host that cannot register a
// worker logs a warning and keeps going.
package guardian
