// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package guardian

import (
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// linuxGuardian uses PR_SET_PDEATHSIG plus per-worker process groups.
// Pdeathsig makes the kernel SIGKILL the worker when the host thread
// that spawned it dies; Setpgid isolates the worker and its children
// into one group so Kill(-pgid) reaps the whole tree.
type linuxGuardian struct {
	logger *slog.Logger
}

func newPlatformGuardian(logger *slog.Logger) Guardian {
	return &linuxGuardian{logger: logger}
}

func (g *linuxGuardian) SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}
}

func (g *linuxGuardian) Adopt(process *os.Process) {
	// Pdeathsig was installed at spawn time via SysProcAttr; Adopt
	// only verifies the process landed in its own group. A mismatch
	// means SysProcAttr was not applied (launcher bug) or the process
	// already exited — either way the host keeps going without the
	// group-kill guarantee for this worker.
	pgid, err := unix.Getpgid(process.Pid)
	if err != nil {
		g.logger.Warn("process group lookup failed, orphan protection degraded",
			"pid", process.Pid,
			"error", err,
		)
		return
	}
	if pgid != process.Pid {
		g.logger.Warn("worker not in its own process group, tree kill degraded to single process",
			"pid", process.Pid,
			"pgid", pgid,
		)
	}
}

func (g *linuxGuardian) Kill(process *os.Process) error {
	// Negative PID addresses the process group. If the group is
	// already gone, fall back to the single process so callers get a
	// consistent "already exited" error.
	if err := unix.Kill(-process.Pid, unix.SIGKILL); err == nil || err == unix.ESRCH {
		return nil
	}
	return process.Kill()
}
