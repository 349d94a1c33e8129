// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package guardian

import (
	"log/slog"
	"os"
	"syscall"
)

// noopGuardian: no process groups, no parent-death signal. Orphan
// prevention relies entirely on the registry's explicit termination
// paths.
type noopGuardian struct {
	logger *slog.Logger
}

func newPlatformGuardian(logger *slog.Logger) Guardian {
	logger.Info("process-tree guardian unavailable on this platform, relying on explicit termination")
	return &noopGuardian{logger: logger}
}

func (g *noopGuardian) SysProcAttr() *syscall.SysProcAttr {
	return nil
}

func (g *noopGuardian) Adopt(process *os.Process) {}

func (g *noopGuardian) Kill(process *os.Process) error {
	return process.Kill()
}
