// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/exthost/exthost/lib/guardian"
	"github.com/exthost/exthost/lib/hostrpc"
)

// ReadyPrefix is the stdout line prefix a worker prints once its
// listener is bound. The remainder of the line is the socket path it
// is serving on.
const ReadyPrefix = hostrpc.ReadyLinePrefix

// DefaultReadyTimeout is how long a worker gets from spawn to the
// readiness line. Workers bind a socket and print one line; ten
// seconds covers even a cold start on a loaded machine.
const DefaultReadyTimeout = 10 * time.Second

// Spec describes one worker to launch.
type Spec struct {
	// ExtensionID and InstanceID identify the instance. Passed to the
	// worker as flags and used in log attribution.
	ExtensionID string
	InstanceID  string

	// Entrypoint is the absolute path of the worker executable.
	Entrypoint string

	// SocketPath is the allocated RPC socket the worker must listen
	// on and echo back in its readiness line.
	SocketPath string

	// StorageDir is the instance's private scratch directory, created
	// by the launcher if absent.
	StorageDir string
}

// Launcher spawns workers. It holds the pieces every launch shares:
// the process guardian and the logger.
type Launcher struct {
	guardian     guardian.Guardian
	logger       *slog.Logger
	readyTimeout time.Duration
}

// Config holds configuration for creating a Launcher.
type Config struct {
	// Guardian ties spawned workers to the host's lifetime. Required.
	Guardian guardian.Guardian

	// ReadyTimeout overrides DefaultReadyTimeout when positive.
	ReadyTimeout time.Duration

	// Logger for launch diagnostics and relayed worker stderr.
	Logger *slog.Logger
}

// New creates a Launcher.
func New(config Config) (*Launcher, error) {
	if config.Guardian == nil {
		return nil, fmt.Errorf("guardian is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := config.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	return &Launcher{
		guardian:     config.Guardian,
		logger:       logger,
		readyTimeout: timeout,
	}, nil
}

// Launch spawns the worker described by spec and blocks until it
// signals readiness, exits, or the ready timeout expires. On any
// failure the process is force-killed and the returned *LaunchError
// carries the retained stderr tail.
//
// ctx cancellation aborts the wait and kills the worker; it does not
// bound the worker's subsequent lifetime.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Worker, error) {
	if err := os.MkdirAll(spec.StorageDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory %s: %w", spec.StorageDir, err)
	}

	cmd := exec.Command(spec.Entrypoint,
		"--socket", spec.SocketPath,
		"--extension-id", spec.ExtensionID,
		"--instance-id", spec.InstanceID,
		"--storage-dir", spec.StorageDir,
	)
	// Workers get a minimal environment. Configuration travels as
	// flags and credentials come over the callback socket, so the
	// host's environment (which may hold secrets for the credential
	// provider) must not leak into /proc/<pid>/environ of a less
	// trusted worker.
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	cmd.SysProcAttr = l.guardian.SysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{
			ExtensionID: spec.ExtensionID,
			InstanceID:  spec.InstanceID,
			Err:         fmt.Errorf("starting %s: %w", spec.Entrypoint, err),
		}
	}
	l.guardian.Adopt(cmd.Process)

	workerLogger := l.logger.With(
		"extension_id", spec.ExtensionID,
		"instance_id", spec.InstanceID,
		"pid", cmd.Process.Pid,
	)
	workerLogger.Debug("worker spawned", "entrypoint", spec.Entrypoint)

	worker := &Worker{
		cmd:    cmd,
		tail:   newTailBuffer(tailLines),
		exited: make(chan struct{}),
	}

	// Background stderr reader: every line is a worker diagnostic,
	// logged immediately and retained in the tail for error reports.
	var pipeReaders sync.WaitGroup
	pipeReaders.Add(1)
	go func() {
		defer pipeReaders.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			worker.tail.append(line)
			workerLogger.Debug("worker stderr", "line", line)
		}
	}()

	// Stdout reader: watches for the readiness line, then keeps
	// draining so the worker never blocks on a full pipe.
	ready := make(chan string, 1)
	pipeReaders.Add(1)
	go func() {
		defer pipeReaders.Done()
		scanner := bufio.NewScanner(stdout)
		signaled := false
		for scanner.Scan() {
			line := scanner.Text()
			if !signaled && strings.HasPrefix(line, ReadyPrefix) {
				signaled = true
				ready <- strings.TrimPrefix(line, ReadyPrefix)
				continue
			}
			workerLogger.Debug("worker stdout", "line", line)
		}
	}()

	// Reap the process once both pipes hit EOF (os/exec requires pipe
	// reads to finish before Wait).
	go func() {
		pipeReaders.Wait()
		worker.exitErr = cmd.Wait()
		close(worker.exited)
	}()

	select {
	case echoedPath := <-ready:
		if echoedPath != spec.SocketPath {
			l.kill(worker)
			return nil, l.launchError(spec, worker,
				fmt.Errorf("worker echoed socket path %q, expected %q", echoedPath, spec.SocketPath))
		}
		workerLogger.Info("worker ready", "socket", spec.SocketPath)
		return worker, nil

	case <-worker.exited:
		return nil, l.launchError(spec, worker,
			fmt.Errorf("worker exited before signaling readiness: %v", exitDescription(worker.exitErr)))

	case <-time.After(l.readyTimeout):
		l.kill(worker)
		return nil, l.launchError(spec, worker,
			fmt.Errorf("worker did not signal readiness within %v", l.readyTimeout))

	case <-ctx.Done():
		l.kill(worker)
		return nil, l.launchError(spec, worker, ctx.Err())
	}
}

// kill force-kills the worker's process tree and waits briefly for the
// reaper so the returned error can include final stderr output.
func (l *Launcher) kill(worker *Worker) {
	if err := l.guardian.Kill(worker.cmd.Process); err != nil {
		l.logger.Warn("killing failed worker", "pid", worker.cmd.Process.Pid, "error", err)
	}
	select {
	case <-worker.exited:
	case <-time.After(2 * time.Second):
	}
}

func (l *Launcher) launchError(spec Spec, worker *Worker, cause error) *LaunchError {
	return &LaunchError{
		ExtensionID: spec.ExtensionID,
		InstanceID:  spec.InstanceID,
		Tail:        worker.DiagnosticTail(),
		Err:         cause,
	}
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
