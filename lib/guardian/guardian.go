// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package guardian

import (
	"log/slog"
	"os"
	"syscall"
)

// Guardian ties spawned worker processes to the host's own lifetime.
//
// Death-binding must be established before the worker calls exec, so
// the guardian participates in spawning: the launcher installs
// SysProcAttr on the exec.Cmd, then calls Adopt once the process is
// started. Kill terminates the worker's whole process tree.
type Guardian interface {
	// SysProcAttr returns the attributes to set on a worker's
	// exec.Cmd before starting it. May return nil when the platform
	// needs none.
	SysProcAttr() *syscall.SysProcAttr

	// Adopt registers a started worker process. Failures are logged
	// by the implementation, never returned: a worker that cannot be
	// adopted still runs, it just loses orphan protection.
	Adopt(process *os.Process)

	// Kill forcibly terminates the worker and any processes it
	// spawned. Used as the final escalation when graceful shutdown
	// fails.
	Kill(process *os.Process) error
}

// New returns the guardian for the current platform.
func New(logger *slog.Logger) Guardian {
	if logger == nil {
		logger = slog.Default()
	}
	return newPlatformGuardian(logger)
}
