// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix && !linux

package guardian

import (
	"errors"
	"log/slog"
	"os"
	"syscall"
)

// groupGuardian is the fallback for Unix platforms without a
// parent-death primitive. Workers still get their own process group,
// so Kill reaches the whole tree; orphan prevention after a host
// crash relies on the registry's explicit termination paths.
type groupGuardian struct {
	logger *slog.Logger
}

func newPlatformGuardian(logger *slog.Logger) Guardian {
	logger.Info("parent-death signal unavailable on this platform, using process groups only")
	return &groupGuardian{logger: logger}
}

func (g *groupGuardian) SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func (g *groupGuardian) Adopt(process *os.Process) {}

func (g *groupGuardian) Kill(process *os.Process) error {
	err := syscall.Kill(-process.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	g.logger.Warn("process group kill failed, killing single process",
		"pid", process.Pid,
		"error", err,
	)
	return process.Kill()
}
