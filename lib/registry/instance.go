// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/exthost/exthost/lib/hostrpc"
	"github.com/exthost/exthost/lib/launcher"
	"github.com/exthost/exthost/lib/relay"
)

// Key identifies one worker instance.
type Key struct {
	ExtensionID string
	InstanceID  string
}

func (k Key) String() string {
	return k.ExtensionID + "/" + k.InstanceID
}

// State is an instance's position in its lifecycle. Transitions are
// one-way and always pass through Stopping on the way from Running to
// Stopped; Failed is reached directly when the worker dies on its own
// or never finishes starting.
type State int32

const (
	// StateStarting: process spawned, readiness not yet signaled.
	StateStarting State = iota
	// StateReady: readiness line received, RPC handshake in flight.
	StateReady
	// StateRunning: initialized and subscribed; commands may run.
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Instance is one running worker. The registry publishes an Instance
// only after a fully successful start (spawn, readiness, initialize,
// subscribe), so every Instance a caller can observe has completed
// its handshake.
type Instance struct {
	key        Key
	socketPath string
	storageDir string
	info       hostrpc.WorkerInfo
	commands   []hostrpc.CommandInfo

	client *hostrpc.Client
	worker *launcher.Worker
	pump   *relay.Pump
	logger *slog.Logger

	state atomic.Int32

	// stopOnce elects the teardown owner between Stop and the crash
	// watch. stopping is closed when teardown begins, done when it is
	// complete.
	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
}

// Key returns the instance's identity.
func (inst *Instance) Key() Key {
	return inst.key
}

// Pid returns the worker's process ID.
func (inst *Instance) Pid() int {
	return inst.worker.Pid()
}

// State returns the instance's current lifecycle state.
func (inst *Instance) State() State {
	return State(inst.state.Load())
}

// Info returns the name and version the worker reported during
// initialization.
func (inst *Instance) Info() hostrpc.WorkerInfo {
	return inst.info
}

// Commands returns the worker's command catalog, cached at start. The
// slice is shared; callers must not modify it.
func (inst *Instance) Commands() []hostrpc.CommandInfo {
	return inst.commands
}

// Execute runs one command on the worker. An unknown command name
// comes back as a *hostrpc.WorkerError (see hostrpc.IsUnknownCommand)
// and leaves the instance fully usable.
func (inst *Instance) Execute(ctx context.Context, command string, payload []byte) ([]byte, error) {
	if state := inst.State(); state != StateRunning {
		return nil, fmt.Errorf("instance %s is %s: %w", inst.key, state, ErrNotRunning)
	}

	// The correlation ID ties the host-side and worker-side log lines
	// of this invocation together.
	correlationID := uuid.NewString()
	inst.logger.Debug("executing command",
		"command", command,
		"correlation_id", correlationID,
	)

	result, err := inst.client.Execute(ctx, command, payload, correlationID)
	if err != nil {
		inst.logger.Debug("command failed",
			"command", command,
			"correlation_id", correlationID,
			"error", err,
		)
		return nil, err
	}
	return result, nil
}

// beginTeardown elects this caller as the teardown owner. Exactly one
// caller per instance wins; the winner must close done when finished.
func (inst *Instance) beginTeardown() bool {
	won := false
	inst.stopOnce.Do(func() { won = true })
	if won {
		close(inst.stopping)
	}
	return won
}
