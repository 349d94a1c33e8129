// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package hostrpc

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/exthost/exthost/lib/codec"
)

// dialTimeout is the maximum time to wait for a connection to the
// worker socket. The worker has already signaled readiness by the time
// the client first dials, so connects are fast.
const dialTimeout = 5 * time.Second

// defaultCallTimeout bounds one request-response cycle when the
// caller's context carries no deadline of its own.
const defaultCallTimeout = 30 * time.Second

// maxResponseSize is the maximum size of a single CBOR response.
const maxResponseSize = 16 * 1024 * 1024

// Client is the host-side bridge to one worker instance. Each call
// opens a new connection (matching the server's one-request-per-
// connection model). The zero-cost consequence: the client has no
// connection state and closing it is a no-op; only the subscription
// stream (see Subscribe) holds a connection open.
type Client struct {
	socketPath string
}

// NewClient creates a bridge for the worker listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Initialize performs the identity/configuration exchange. Called
// exactly once per instance, before any other action.
func (c *Client) Initialize(ctx context.Context, params InitParams) (WorkerInfo, error) {
	var info WorkerInfo
	err := c.call(ctx, ActionInitialize, map[string]any{
		"extension_id":      params.ExtensionID,
		"instance_id":       params.InstanceID,
		"storage_dir":       params.StorageDir,
		"credential_socket": params.CredentialSocket,
	}, &info)
	return info, err
}

// ListCommands returns the worker's command catalog.
func (c *Client) ListCommands(ctx context.Context) ([]CommandInfo, error) {
	var commands []CommandInfo
	if err := c.call(ctx, ActionListCommands, nil, &commands); err != nil {
		return nil, err
	}
	return commands, nil
}

// Execute runs one command. The returned bytes are opaque to the host.
// Worker-reported failures come back as *WorkerError; transport
// failures as plain errors.
func (c *Client) Execute(ctx context.Context, name string, payload []byte, correlationID string) ([]byte, error) {
	var result ExecuteResult
	err := c.call(ctx, ActionExecute, map[string]any{
		"name":           name,
		"payload":        payload,
		"correlation_id": correlationID,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.Result, nil
}

// Shutdown asks the worker to exit gracefully. The worker acknowledges
// before exiting, so a nil error means the request was received, not
// that the process is gone — the registry waits for process exit
// separately.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, ActionShutdown, nil, nil)
}

// Subscribe opens the event stream. The returned stream owns its
// connection; the caller must Close it. Cancelling ctx also closes the
// stream.
func (c *Client) Subscribe(ctx context.Context) (*EventStream, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribing on %s: %w", c.socketPath, err)
	}

	if err := codec.NewEncoder(conn).Encode(map[string]any{"action": ActionSubscribe}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing on %s: writing request: %w", c.socketPath, err)
	}

	decoder := codec.NewDecoder(conn)

	conn.SetReadDeadline(time.Now().Add(defaultCallTimeout))
	var ack Response
	if err := decoder.Decode(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing on %s: reading acknowledgment: %w", c.socketPath, err)
	}
	if !ack.OK {
		conn.Close()
		return nil, &WorkerError{Action: ActionSubscribe, Code: ack.Code, Message: ack.Error}
	}
	// Events arrive whenever the worker has something to say; the
	// stream read has no deadline of its own.
	conn.SetReadDeadline(time.Time{})

	stream := &EventStream{conn: conn, decoder: decoder, closed: make(chan struct{})}
	// Tie the stream to the caller's context without requiring the
	// caller to poll it.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stream.closed:
		}
	}()
	return stream, nil
}

// EventStream is an open subscription. Next blocks until an event
// arrives or the stream closes.
type EventStream struct {
	conn      net.Conn
	decoder   *codec.Decoder
	closed    chan struct{}
	closeOnce sync.Once
}

// Next returns the next event. Returns io.EOF (possibly wrapped) once
// the stream has closed, from either side.
func (s *EventStream) Next() (Event, error) {
	var event Event
	if err := s.decoder.Decode(&event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Close tears down the subscription connection. Safe to call more
// than once.
func (s *EventStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.conn.Close()
}

// call performs one request-response cycle.
func (c *Client) call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}

	if !response.OK {
		return &WorkerError{Action: action, Code: response.Code, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

// send connects, writes the request, and reads the response. The
// caller's context deadline (when present) bounds the read; otherwise
// defaultCallTimeout applies.
func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close the write side. CBOR is self-delimiting so this is
	// not strictly necessary, but it lets the server's read side see
	// EOF cleanly.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	deadline := time.Now().Add(defaultCallTimeout)
	if contextDeadline, ok := ctx.Deadline(); ok {
		deadline = contextDeadline
	}
	conn.SetReadDeadline(deadline)

	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	return dialer.DialContext(ctx, "unix", c.socketPath)
}
