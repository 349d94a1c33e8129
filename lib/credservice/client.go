// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package credservice

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/exthost/exthost/lib/codec"
	"github.com/exthost/exthost/lib/hostrpc"
)

// dialTimeout bounds connecting to the credential socket.
const dialTimeout = 5 * time.Second

// callTimeout bounds one request-response cycle when the caller's
// context has no deadline. Token acquisition may hit the network on
// the provider side, so this is longer than a local call needs.
const callTimeout = 30 * time.Second

// maxResponseSize caps a credential response read.
const maxResponseSize = 1024 * 1024

// Client is the worker-side client for the credential callback
// service. Workers construct it from the socket path received in the
// initialize call.
type Client struct {
	socketPath string
}

// NewClient creates a client for the credential service at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// GetAccessToken requests a short-lived token. An empty connectionID
// selects the host's default connection.
func (c *Client) GetAccessToken(ctx context.Context, connectionID string, scopes []string) (Grant, error) {
	var grant Grant
	err := c.call(ctx, ActionGetAccessToken, map[string]any{
		"connection_id": connectionID,
		"scopes":        scopes,
	}, &grant)
	return grant, err
}

// GetConnectionInfo describes the connection the host operates
// against.
func (c *Client) GetConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	var info ConnectionInfo
	err := c.call(ctx, ActionGetConnectionInfo, nil, &info)
	return info, err
}

// call performs one request-response cycle against the credential
// socket, mirroring the worker RPC client's connection-per-call model.
func (c *Client) call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connecting to credential service at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("writing credential request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	deadline := time.Now().Add(callTimeout)
	if contextDeadline, ok := ctx.Deadline(); ok {
		deadline = contextDeadline
	}
	conn.SetReadDeadline(deadline)

	var response hostrpc.Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return fmt.Errorf("reading credential response: %w", err)
	}
	if !response.OK {
		return fmt.Errorf("credential service error on %q: %s", action, response.Error)
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding credential response: %w", err)
		}
	}
	return nil
}
