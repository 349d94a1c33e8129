// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package credservice

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exthost/exthost/lib/testutil"
)

// recordingProvider counts requests and returns canned responses.
type recordingProvider struct {
	tokenCalls atomic.Int64
	failWith   error
}

func (p *recordingProvider) AccessToken(ctx context.Context, connectionID string, scopes []string) (Grant, error) {
	p.tokenCalls.Add(1)
	if p.failWith != nil {
		return Grant{}, p.failWith
	}
	return Grant{
		AccessToken: fmt.Sprintf("token-for-%s-%s", connectionID, strings.Join(scopes, "+")),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}, nil
}

func (p *recordingProvider) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	return ConnectionInfo{
		ID:              "prod",
		Name:            "Production",
		URL:             "https://backend.example",
		IsAuthenticated: true,
	}, nil
}

func startService(t *testing.T, provider TokenProvider) *Service {
	t.Helper()
	service, err := New(Config{
		SocketPath: filepath.Join(testutil.SocketDir(t), "cred.sock"),
		Provider:   provider,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := service.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return service
}

func TestGetAccessToken(t *testing.T) {
	provider := &recordingProvider{}
	service := startService(t, provider)
	client := NewClient(service.SocketPath())

	grant, err := client.GetAccessToken(context.Background(), "conn-1", []string{"read", "write"})
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if grant.AccessToken != "token-for-conn-1-read+write" {
		t.Errorf("AccessToken = %q", grant.AccessToken)
	}
	if !grant.ExpiresAt.After(time.Now()) {
		t.Errorf("ExpiresAt = %v, want future", grant.ExpiresAt)
	}
	if provider.tokenCalls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", provider.tokenCalls.Load())
	}
}

func TestGetAccessTokenNoCaching(t *testing.T) {
	provider := &recordingProvider{}
	service := startService(t, provider)
	client := NewClient(service.SocketPath())

	for i := 0; i < 3; i++ {
		if _, err := client.GetAccessToken(context.Background(), "", nil); err != nil {
			t.Fatalf("GetAccessToken: %v", err)
		}
	}
	// Every request must reach the provider: the service never caches
	// grants.
	if provider.tokenCalls.Load() != 3 {
		t.Errorf("provider called %d times, want 3", provider.tokenCalls.Load())
	}
}

func TestGetAccessTokenProviderFailure(t *testing.T) {
	provider := &recordingProvider{failWith: fmt.Errorf("refresh token revoked")}
	service := startService(t, provider)
	client := NewClient(service.SocketPath())

	_, err := client.GetAccessToken(context.Background(), "", nil)
	if err == nil || !strings.Contains(err.Error(), "refresh token revoked") {
		t.Errorf("error = %v, want provider message relayed", err)
	}
}

func TestGetConnectionInfo(t *testing.T) {
	service := startService(t, &recordingProvider{})
	client := NewClient(service.SocketPath())

	info, err := client.GetConnectionInfo(context.Background())
	if err != nil {
		t.Fatalf("GetConnectionInfo: %v", err)
	}
	if info.ID != "prod" || !info.IsAuthenticated {
		t.Errorf("ConnectionInfo = %+v", info)
	}
}

func TestStartIdempotent(t *testing.T) {
	service := startService(t, &recordingProvider{})

	// The host calls Start on every instance launch; repeated calls
	// must be no-ops, not rebinds.
	for i := 0; i < 3; i++ {
		if err := service.Start(context.Background()); err != nil {
			t.Fatalf("repeated Start: %v", err)
		}
	}

	client := NewClient(service.SocketPath())
	if _, err := client.GetConnectionInfo(context.Background()); err != nil {
		t.Errorf("service unusable after repeated Start: %v", err)
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("EXTHOST_ACCESS_TOKEN", "env-token")
	t.Setenv("EXTHOST_CONNECTION_ID", "dev")

	provider := &EnvProvider{}
	grant, err := provider.AccessToken(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if grant.AccessToken != "env-token" {
		t.Errorf("AccessToken = %q", grant.AccessToken)
	}

	info, err := provider.ConnectionInfo(context.Background())
	if err != nil {
		t.Fatalf("ConnectionInfo: %v", err)
	}
	if info.ID != "dev" || !info.IsAuthenticated {
		t.Errorf("ConnectionInfo = %+v", info)
	}
}

func TestEnvProviderMissingToken(t *testing.T) {
	t.Setenv("EXTHOST_ACCESS_TOKEN", "")

	provider := &EnvProvider{}
	if _, err := provider.AccessToken(context.Background(), "", nil); err == nil {
		t.Error("AccessToken succeeded without a configured token")
	}
}
