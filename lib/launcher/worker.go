// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// tailLines is how many trailing stderr lines are retained per worker
// for inclusion in error reports.
const tailLines = 20

// Worker is a spawned worker process. Created by Launch after a
// successful readiness handshake (or handed to LaunchError internally
// on failure).
type Worker struct {
	cmd    *exec.Cmd
	tail   *tailBuffer
	exited chan struct{}
	// exitErr is cmd.Wait's result; valid only after exited is closed.
	exitErr error
}

// Pid returns the worker's process ID.
func (w *Worker) Pid() int {
	return w.cmd.Process.Pid
}

// Process returns the underlying process handle, for the guardian's
// Kill escalation.
func (w *Worker) Process() *os.Process {
	return w.cmd.Process
}

// Exited is closed once the worker process has been reaped.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// WaitExit blocks until the worker has exited or ctx is done. Returns
// ctx.Err() if the worker outlived the context.
func (w *Worker) WaitExit(ctx context.Context) error {
	select {
	case <-w.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DiagnosticTail returns the most recent stderr lines, oldest first.
func (w *Worker) DiagnosticTail() []string {
	return w.tail.lines()
}

// LaunchError is a failed launch attempt. Tail carries the worker's
// final stderr lines so the failure can be triaged without hunting
// through host logs.
type LaunchError struct {
	ExtensionID string
	InstanceID  string
	Tail        []string
	Err         error
}

func (e *LaunchError) Error() string {
	message := fmt.Sprintf("launching %s/%s: %v", e.ExtensionID, e.InstanceID, e.Err)
	if len(e.Tail) > 0 {
		message += "\nworker stderr:\n  " + strings.Join(e.Tail, "\n  ")
	}
	return message
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// tailBuffer is a fixed-capacity ring of the most recent lines.
type tailBuffer struct {
	mu    sync.Mutex
	ring  []string
	next  int
	count int
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{ring: make([]string, capacity)}
}

func (b *tailBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.next] = line
	b.next = (b.next + 1) % len(b.ring)
	if b.count < len(b.ring) {
		b.count++
	}
}

func (b *tailBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]string, 0, b.count)
	start := b.next - b.count
	if start < 0 {
		start += len(b.ring)
	}
	for i := 0; i < b.count; i++ {
		result = append(result, b.ring[(start+i)%len(b.ring)])
	}
	return result
}
