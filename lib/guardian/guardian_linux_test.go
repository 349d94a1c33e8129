// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package guardian

import (
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"
)

func TestKillTerminatesProcessGroup(t *testing.T) {
	g := New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	// A shell that spawns a child of its own: Kill must take out both.
	cmd := exec.Command("/bin/sh", "-c", "sleep 60 & wait")
	cmd.SysProcAttr = g.SysProcAttr()
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting test process: %v", err)
	}
	g.Adopt(cmd.Process)

	if err := g.Kill(cmd.Process); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process still alive after Kill")
	}
}

func TestKillAlreadyExited(t *testing.T) {
	g := New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	cmd := exec.Command("/bin/true")
	cmd.SysProcAttr = g.SysProcAttr()
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting test process: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		t.Fatalf("waiting for test process: %v", err)
	}

	// Killing a reaped process must not report an error.
	if err := g.Kill(cmd.Process); err != nil {
		t.Errorf("Kill on exited process: %v", err)
	}
}
