// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package hostrpc

import (
	"errors"
	"fmt"
	"time"

	"github.com/exthost/exthost/lib/codec"
)

// ReadyLinePrefix starts the single stdout line a worker prints once
// its listener is bound; the remainder of the line is the socket path
// it is serving on. The launcher blocks on this line before connecting
// the bridge. Part of the handshake protocol, so it lives here with
// the rest of the wire contract.
const ReadyLinePrefix = "SOCKET_PATH="

// Action names understood by every worker.
const (
	ActionInitialize   = "initialize"
	ActionListCommands = "list_commands"
	ActionExecute      = "execute"
	ActionSubscribe    = "subscribe"
	ActionShutdown     = "shutdown"
)

// Error codes carried in failure responses. Workers may report further
// codes; these are the ones the host branches on.
const (
	// CodeUnknownCommand: execute named a command the worker does not
	// have. The instance stays healthy.
	CodeUnknownCommand = "unknown_command"

	// CodeCommandFailed: the command ran and reported failure.
	CodeCommandFailed = "command_failed"
)

// InitParams is the payload of the initialize action. Sent exactly
// once per instance, immediately after the bridge connects.
type InitParams struct {
	// ExtensionID and InstanceID tell the worker which instance it
	// is. They match the launch flags; initialize repeats them so the
	// RPC layer is self-describing.
	ExtensionID string `cbor:"extension_id"`
	InstanceID  string `cbor:"instance_id"`

	// StorageDir is the instance's private scratch directory.
	StorageDir string `cbor:"storage_dir"`

	// CredentialSocket is the path of the host's credential callback
	// socket. This is the only way credential material ever reaches a
	// worker: the worker calls back on demand, the host never passes
	// secrets through launch arguments or RPC.
	CredentialSocket string `cbor:"credential_socket"`
}

// WorkerInfo is the worker's reply to initialize.
type WorkerInfo struct {
	Name    string `cbor:"name"`
	Version string `cbor:"version"`
}

// CommandInfo describes one command a worker exposes.
type CommandInfo struct {
	Name        string `cbor:"name"`
	Label       string `cbor:"label,omitempty"`
	Description string `cbor:"description,omitempty"`
}

// ExecuteParams is the payload of the execute action.
type ExecuteParams struct {
	// Name selects the command.
	Name string `cbor:"name"`

	// Payload is opaque to the host; its schema is a contract between
	// the extension's UI and its worker.
	Payload []byte `cbor:"payload,omitempty"`

	// CorrelationID ties host-side and worker-side log lines for one
	// invocation together. Carries no other semantics.
	CorrelationID string `cbor:"correlation_id,omitempty"`
}

// ExecuteResult wraps a command's result bytes.
type ExecuteResult struct {
	Result []byte `cbor:"result,omitempty"`
}

// Event is one worker-emitted event as it travels over the
// subscription stream. The worker fills Type, Payload, and Timestamp;
// the host's relay stamps the origin identity before fan-out, so
// workers may leave ExtensionID and InstanceID empty.
type Event struct {
	ExtensionID string    `cbor:"extension_id,omitempty"`
	InstanceID  string    `cbor:"instance_id,omitempty"`
	Type        string    `cbor:"type"`
	Payload     []byte    `cbor:"payload,omitempty"`
	Timestamp   time.Time `cbor:"timestamp"`
}

// Response is the wire-format envelope for all non-event replies.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Code  string           `cbor:"code,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// WorkerError is a failure reported by the worker itself (as opposed
// to a transport failure reaching it). Code distinguishes
// command-not-found from command execution failure.
type WorkerError struct {
	Action  string
	Code    string
	Message string
}

func (e *WorkerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("worker error on %q (%s): %s", e.Action, e.Code, e.Message)
	}
	return fmt.Sprintf("worker error on %q: %s", e.Action, e.Message)
}

// IsUnknownCommand reports whether err is (or wraps) a worker error
// with the unknown_command code.
func IsUnknownCommand(err error) bool {
	var workerErr *WorkerError
	return errors.As(err, &workerErr) && workerErr.Code == CodeUnknownCommand
}
