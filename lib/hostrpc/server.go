// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package hostrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/exthost/exthost/lib/codec"
)

// HandlerFunc processes one request for a specific action. The raw
// parameter is the full CBOR request (including the "action" field);
// the handler decodes action-specific fields from it.
//
// Return a value to include in the success response, or an error for a
// failure response. A *WorkerError carries its code onto the wire; any
// other error becomes a plain failure message.
type HandlerFunc func(ctx context.Context, raw []byte) (any, error)

// requestReadTimeout is how long the server waits for a connected
// client to send its request. The host sends immediately after
// connecting.
const requestReadTimeout = 30 * time.Second

// responseWriteTimeout is how long the server waits for a response
// write to complete.
const responseWriteTimeout = 10 * time.Second

// eventWriteTimeout bounds one event write to a subscriber. A
// subscriber that cannot drain an event within this window is dropped;
// the server never wedges its publish path on one slow connection.
const eventWriteTimeout = 2 * time.Second

// maxRequestSize is the maximum size of a single CBOR request.
// Command payloads are small control messages, not bulk data.
const maxRequestSize = 4 * 1024 * 1024

// Server serves the worker side of the contract on a Unix socket.
// Actions are registered with Handle before calling Serve; subscribe
// is built in and fed by Publish.
type Server struct {
	socketPath string
	handlers   map[string]HandlerFunc
	logger     *slog.Logger

	// ready is closed once the listener is bound. The worker's main
	// emits the readiness line to the launcher only after this.
	ready     chan struct{}
	readyOnce sync.Once

	// subscribers holds one entry per open subscription connection.
	subscribersMu sync.Mutex
	subscribers   map[*subscriber]struct{}

	// activeConnections tracks in-flight handlers for graceful
	// shutdown. Serve waits for them before returning.
	activeConnections sync.WaitGroup
}

// subscriber is one open subscription connection. The encoder is
// guarded by mu: Publish runs on the caller's goroutine and multiple
// publishers may race.
type subscriber struct {
	conn net.Conn
	mu   sync.Mutex
	enc  *codec.Encoder
}

// NewServer creates a server that will listen on socketPath. Register
// actions with Handle before calling Serve.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		logger:      logger,
		ready:       make(chan struct{}),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Handle registers a handler for the given action name. Panics if the
// action is already registered or reserved by the protocol.
func (s *Server) Handle(action string, handler HandlerFunc) {
	if action == ActionSubscribe {
		panic("hostrpc.Server: subscribe is built in, feed it with Publish")
	}
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("hostrpc.Server: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Ready is closed once the listener is bound and the server is
// accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Serve listens on the Unix socket and dispatches requests. Blocks
// until ctx is cancelled, then stops accepting, closes all
// subscription streams, and waits for active handlers.
//
// Any stale socket file at the path is removed before listening; the
// socket file is removed again on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	s.readyOnce.Do(func() { close(s.ready) })

	// Unblock Accept and tear down subscription streams when the
	// context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
		s.closeSubscribers()
	}()

	s.logger.Debug("worker RPC server listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// Publish sends an event to every open subscription. Slow or dead
// subscribers are dropped, never waited on beyond eventWriteTimeout.
func (s *Server) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	s.subscribersMu.Lock()
	targets := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		targets = append(targets, sub)
	}
	s.subscribersMu.Unlock()

	for _, sub := range targets {
		sub.mu.Lock()
		sub.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		err := sub.enc.Encode(event)
		sub.mu.Unlock()
		if err != nil {
			s.removeSubscriber(sub)
		}
	}
}

// handleConnection processes one request. For subscribe the connection
// is promoted to a long-lived event stream; for everything else it is
// one request-response cycle.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(requestReadTimeout))

	// CBOR is self-delimiting so no framing protocol is needed.
	// LimitReader prevents a misbehaving client from exhausting
	// memory.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if !errors.Is(err, io.EOF) {
			s.writeError(conn, "", fmt.Sprintf("invalid request: %v", err))
		}
		conn.Close()
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, "", fmt.Sprintf("invalid request: %v", err))
		conn.Close()
		return
	}
	if header.Action == "" {
		s.writeError(conn, "", "missing required field: action")
		conn.Close()
		return
	}

	if header.Action == ActionSubscribe {
		// Ack, then hold the connection open as an event stream. The
		// read deadline is cleared: nothing further is read from a
		// subscriber.
		conn.SetReadDeadline(time.Time{})
		sub := &subscriber{conn: conn, enc: codec.NewEncoder(conn)}
		s.subscribersMu.Lock()
		s.subscribers[sub] = struct{}{}
		s.subscribersMu.Unlock()

		sub.mu.Lock()
		conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))
		err := sub.enc.Encode(Response{OK: true})
		conn.SetWriteDeadline(time.Time{})
		sub.mu.Unlock()
		if err != nil {
			s.removeSubscriber(sub)
		}
		// The connection is owned by the subscriber set now; it is
		// closed by removeSubscriber or closeSubscribers.
		return
	}

	defer conn.Close()

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, "", fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		var workerErr *WorkerError
		if errors.As(err, &workerErr) {
			s.writeError(conn, workerErr.Code, workerErr.Message)
		} else {
			s.writeError(conn, "", err.Error())
		}
		return
	}

	s.writeSuccess(conn, result)
}

func (s *Server) removeSubscriber(sub *subscriber) {
	s.subscribersMu.Lock()
	_, present := s.subscribers[sub]
	delete(s.subscribers, sub)
	s.subscribersMu.Unlock()
	if present {
		sub.conn.Close()
	}
}

func (s *Server) closeSubscribers() {
	s.subscribersMu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[*subscriber]struct{})
	s.subscribersMu.Unlock()
	for _, sub := range subs {
		sub.conn.Close()
	}
}

// writeError sends {ok: false, error: ..., code: ...}. Write failures
// are logged at debug level: the connection is closing regardless.
func (s *Server) writeError(conn net.Conn, code, message string) {
	conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Error: message,
		Code:  code,
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// writeSuccess sends a success response. A nil result yields
// {ok: true}; otherwise the value is marshaled into the data field.
func (s *Server) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, "", fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
