// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package credservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/exthost/exthost/lib/codec"
	"github.com/exthost/exthost/lib/hostrpc"
)

// Action names on the credential callback socket.
const (
	ActionGetAccessToken    = "get_access_token"
	ActionGetConnectionInfo = "get_connection_info"
)

// Grant is one short-lived access token. The service relays grants
// from the provider to the requesting worker without retaining them.
type Grant struct {
	AccessToken string    `cbor:"access_token"`
	ExpiresAt   time.Time `cbor:"expires_at"`
}

// ConnectionInfo describes the backend connection the host is
// operating against.
type ConnectionInfo struct {
	ID              string `cbor:"id"`
	Name            string `cbor:"name"`
	URL             string `cbor:"url"`
	IsAuthenticated bool   `cbor:"is_authenticated"`
}

// TokenProvider is the host-side collaborator that actually produces
// tokens. Acquisition mechanics (refresh flows, keychains, interactive
// auth) live behind this interface and out of this package.
type TokenProvider interface {
	// AccessToken returns a token for the given connection. An empty
	// connectionID selects the host's default connection.
	AccessToken(ctx context.Context, connectionID string, scopes []string) (Grant, error)

	// ConnectionInfo describes the current connection.
	ConnectionInfo(ctx context.Context) (ConnectionInfo, error)
}

// Service is the credential callback server. Started once per host
// process; Start is idempotent.
type Service struct {
	socketPath string
	provider   TokenProvider
	logger     *slog.Logger

	startOnce sync.Once
	server    *hostrpc.Server
	serveErr  chan error
}

// Config holds configuration for creating a Service.
type Config struct {
	// SocketPath is where the service listens. Required.
	SocketPath string

	// Provider answers token requests. Required.
	Provider TokenProvider

	// Logger for request diagnostics. Token values are never logged.
	Logger *slog.Logger
}

// New creates a Service. Call Start to begin serving.
func New(config Config) (*Service, error) {
	if config.SocketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	if config.Provider == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		socketPath: config.SocketPath,
		provider:   config.Provider,
		logger:     logger,
		serveErr:   make(chan error, 1),
	}, nil
}

// SocketPath returns the address workers are given at initialize time.
func (s *Service) SocketPath() string {
	return s.socketPath
}

// Start begins serving in the background and returns once the socket
// is accepting connections. Subsequent calls are no-ops — the host
// calls Start on every instance launch rather than tracking whether
// the service is already up.
//
// The service stops when ctx is cancelled; the first Start call's
// context governs.
func (s *Service) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		server := hostrpc.NewServer(s.socketPath, s.logger)
		server.Handle(ActionGetAccessToken, s.handleGetAccessToken)
		server.Handle(ActionGetConnectionInfo, s.handleGetConnectionInfo)
		s.server = server

		go func() {
			s.serveErr <- server.Serve(ctx)
		}()

		select {
		case <-server.Ready():
			s.logger.Info("credential callback service listening", "path", s.socketPath)
		case err := <-s.serveErr:
			startErr = fmt.Errorf("credential service failed to start: %w", err)
		case <-ctx.Done():
			startErr = ctx.Err()
		}
	})
	return startErr
}

// Wait blocks until the service has stopped and returns Serve's
// result. Used by the host's shutdown path.
func (s *Service) Wait() error {
	return <-s.serveErr
}

func (s *Service) handleGetAccessToken(ctx context.Context, raw []byte) (any, error) {
	var request struct {
		ConnectionID string   `cbor:"connection_id,omitempty"`
		Scopes       []string `cbor:"scopes,omitempty"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid token request: %w", err)
	}

	grant, err := s.provider.AccessToken(ctx, request.ConnectionID, request.Scopes)
	if err != nil {
		// The provider's message goes back to the worker; the host
		// log records the failure without any token material.
		s.logger.Warn("token request failed",
			"connection_id", request.ConnectionID,
			"error", err,
		)
		return nil, err
	}
	return grant, nil
}

func (s *Service) handleGetConnectionInfo(ctx context.Context, raw []byte) (any, error) {
	return s.provider.ConnectionInfo(ctx)
}
