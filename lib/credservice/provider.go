// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package credservice

import (
	"context"
	"fmt"
	"os"
	"time"
)

// EnvProvider reads a static token from environment variables. For
// development and tests only: the token never rotates and expiry is
// nominal. Production hosts wire a real provider that refreshes
// against the backend's auth flow.
//
// Variables read (with the configured prefix, default "EXTHOST_"):
//
//	EXTHOST_ACCESS_TOKEN    the token value (required)
//	EXTHOST_CONNECTION_ID   connection identity (default "default")
//	EXTHOST_CONNECTION_URL  backend URL for connection info
type EnvProvider struct {
	// Prefix overrides the "EXTHOST_" variable prefix.
	Prefix string

	// TokenLifetime is the nominal expiry window stamped on each
	// grant. Zero means one hour.
	TokenLifetime time.Duration
}

func (p *EnvProvider) prefix() string {
	if p.Prefix != "" {
		return p.Prefix
	}
	return "EXTHOST_"
}

// AccessToken implements TokenProvider.
func (p *EnvProvider) AccessToken(ctx context.Context, connectionID string, scopes []string) (Grant, error) {
	token := os.Getenv(p.prefix() + "ACCESS_TOKEN")
	if token == "" {
		return Grant{}, fmt.Errorf("no access token configured (set %sACCESS_TOKEN)", p.prefix())
	}

	lifetime := p.TokenLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return Grant{
		AccessToken: token,
		ExpiresAt:   time.Now().UTC().Add(lifetime),
	}, nil
}

// ConnectionInfo implements TokenProvider.
func (p *EnvProvider) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	id := os.Getenv(p.prefix() + "CONNECTION_ID")
	if id == "" {
		id = "default"
	}
	return ConnectionInfo{
		ID:              id,
		Name:            id,
		URL:             os.Getenv(p.prefix() + "CONNECTION_URL"),
		IsAuthenticated: os.Getenv(p.prefix()+"ACCESS_TOKEN") != "",
	}, nil
}
