// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package workerkit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/exthost/exthost/lib/codec"
	"github.com/exthost/exthost/lib/credservice"
	"github.com/exthost/exthost/lib/hostrpc"
)

// CommandFunc implements one command. The payload is the opaque bytes
// from the host's execute call; the returned bytes travel back as the
// result. A returned *hostrpc.WorkerError keeps its code on the wire;
// any other error is reported as command_failed.
type CommandFunc func(ctx context.Context, payload []byte) ([]byte, error)

// shutdownFlushDelay is how long the worker lingers after a shutdown
// request so the acknowledgment response reaches the host before the
// listener goes away.
const shutdownFlushDelay = 100 * time.Millisecond

// Worker is an extension backend under construction. Register
// commands, then call Run.
type Worker struct {
	name    string
	version string
	logger  *slog.Logger

	commands map[string]command

	// initialized guards the fields the host supplies via the
	// initialize call.
	initialized sync.Once
	initParams  hostrpc.InitParams
	credentials *credservice.Client

	server *hostrpc.Server

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

type command struct {
	info    hostrpc.CommandInfo
	handler CommandFunc
}

// New creates a worker that will identify itself with the given name
// and version in the initialize exchange.
func New(name, version string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		name:     name,
		version:  version,
		logger:   logger,
		commands: make(map[string]command),
		shutdown: make(chan struct{}),
	}
}

// HandleCommand registers a command. Panics on duplicate names —
// command registration happens at startup, before Run, and a
// duplicate is a programming error.
func (w *Worker) HandleCommand(info hostrpc.CommandInfo, handler CommandFunc) {
	if _, exists := w.commands[info.Name]; exists {
		panic(fmt.Sprintf("workerkit: duplicate command %q", info.Name))
	}
	w.commands[info.Name] = command{info: info, handler: handler}
}

// PublishEvent emits an event to the host's subscription stream. Safe
// to call from any goroutine once Run has started; events published
// with no subscriber are silently discarded (at-most-once delivery is
// the contract).
func (w *Worker) PublishEvent(eventType string, payload []byte) {
	if w.server == nil {
		return
	}
	w.server.Publish(hostrpc.Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// Credentials returns the client for the host's credential callback
// service, or nil before the host has called initialize.
func (w *Worker) Credentials() *credservice.Client {
	return w.credentials
}

// InitParams returns the parameters from the host's initialize call.
// Zero before initialize.
func (w *Worker) InitParams() hostrpc.InitParams {
	return w.initParams
}

// Run serves the worker contract on params.SocketPath. It prints the
// readiness line once the listener is bound, then blocks until ctx is
// cancelled or the host requests shutdown. Returns the server's error,
// nil on clean shutdown.
func (w *Worker) Run(ctx context.Context, params LaunchParams) error {
	server := hostrpc.NewServer(params.SocketPath, w.logger)
	server.Handle(hostrpc.ActionInitialize, w.handleInitialize)
	server.Handle(hostrpc.ActionListCommands, w.handleListCommands)
	server.Handle(hostrpc.ActionExecute, w.handleExecute)
	server.Handle(hostrpc.ActionShutdown, w.handleShutdown)
	w.server = server

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.shutdown:
			// Let the shutdown acknowledgment flush before tearing
			// the listener down.
			time.Sleep(shutdownFlushDelay)
			cancel()
		case <-runCtx.Done():
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(runCtx) }()

	select {
	case <-server.Ready():
	case err := <-serveErr:
		return fmt.Errorf("worker server failed to start: %w", err)
	}

	// The readiness handshake: one line on stdout, echoing the socket
	// path we are now listening on. The launcher blocks on this.
	fmt.Fprintln(os.Stdout, hostrpc.ReadyLinePrefix+params.SocketPath)

	w.logger.Info("worker serving",
		"extension_id", params.ExtensionID,
		"instance_id", params.InstanceID,
		"socket", params.SocketPath,
	)

	return <-serveErr
}

func (w *Worker) handleInitialize(ctx context.Context, raw []byte) (any, error) {
	var params hostrpc.InitParams
	if err := codec.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid initialize params: %w", err)
	}

	w.initialized.Do(func() {
		w.initParams = params
		if params.CredentialSocket != "" {
			w.credentials = credservice.NewClient(params.CredentialSocket)
		}
	})

	return hostrpc.WorkerInfo{Name: w.name, Version: w.version}, nil
}

func (w *Worker) handleListCommands(ctx context.Context, raw []byte) (any, error) {
	infos := make([]hostrpc.CommandInfo, 0, len(w.commands))
	for _, cmd := range w.commands {
		infos = append(infos, cmd.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (w *Worker) handleExecute(ctx context.Context, raw []byte) (any, error) {
	var params hostrpc.ExecuteParams
	if err := codec.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid execute params: %w", err)
	}

	cmd, exists := w.commands[params.Name]
	if !exists {
		return nil, &hostrpc.WorkerError{
			Action:  hostrpc.ActionExecute,
			Code:    hostrpc.CodeUnknownCommand,
			Message: fmt.Sprintf("no command %q", params.Name),
		}
	}

	w.logger.Debug("executing command",
		"command", params.Name,
		"correlation_id", params.CorrelationID,
	)

	result, err := cmd.handler(ctx, params.Payload)
	if err != nil {
		if workerErr, ok := err.(*hostrpc.WorkerError); ok {
			return nil, workerErr
		}
		return nil, &hostrpc.WorkerError{
			Action:  hostrpc.ActionExecute,
			Code:    hostrpc.CodeCommandFailed,
			Message: err.Error(),
		}
	}
	return hostrpc.ExecuteResult{Result: result}, nil
}

func (w *Worker) handleShutdown(ctx context.Context, raw []byte) (any, error) {
	w.logger.Info("shutdown requested by host")
	w.shutdownOnce.Do(func() { close(w.shutdown) })
	return nil, nil
}
