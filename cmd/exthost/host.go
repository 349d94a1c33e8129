// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/exthost/exthost/lib/credservice"
	"github.com/exthost/exthost/lib/endpoint"
	"github.com/exthost/exthost/lib/guardian"
	"github.com/exthost/exthost/lib/hostconfig"
	"github.com/exthost/exthost/lib/launcher"
	"github.com/exthost/exthost/lib/manifest"
	"github.com/exthost/exthost/lib/registry"
	"github.com/exthost/exthost/lib/relay"
)

// loadConfig resolves configuration from the --config flag value or,
// when empty, the EXTHOST_CONFIG environment variable.
func loadConfig(configPath string) (*hostconfig.Config, error) {
	var cfg *hostconfig.Config
	var err error
	if configPath != "" {
		cfg, err = hostconfig.LoadFile(configPath)
	} else {
		cfg, err = hostconfig.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. JSON on stderr, matching what
// log collectors expect; stdout stays free for command output.
func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	}))
	slog.SetDefault(logger)
	return logger, nil
}

// host bundles the assembled host-side components.
type host struct {
	catalog     *manifest.Catalog
	allocator   *endpoint.Allocator
	hub         *relay.Hub
	credentials *credservice.Service
	registry    *registry.Registry
	logger      *slog.Logger
}

// assembleHost wires the full host from configuration. The credential
// service starts immediately (bound to ctx); workers start on demand.
func assembleHost(ctx context.Context, cfg *hostconfig.Config, logger *slog.Logger) (*host, error) {
	catalog, err := manifest.NewCatalog(cfg.Paths.Extensions, logger)
	if err != nil {
		return nil, err
	}

	allocator, err := endpoint.New(cfg.Paths.Runtime)
	if err != nil {
		return nil, err
	}

	g := guardian.New(logger)
	l, err := launcher.New(launcher.Config{
		Guardian:     g,
		ReadyTimeout: cfg.Workers.ReadyTimeout.Std(),
		Logger:       logger,
	})
	if err != nil {
		allocator.Close()
		return nil, err
	}

	credentials, err := credservice.New(credservice.Config{
		SocketPath: filepath.Join(allocator.Dir(), "credentials.sock"),
		Provider:   &credservice.EnvProvider{},
		Logger:     logger,
	})
	if err != nil {
		allocator.Close()
		return nil, err
	}
	if err := credentials.Start(ctx); err != nil {
		allocator.Close()
		return nil, fmt.Errorf("starting credential service: %w", err)
	}

	hub := relay.NewHub(logger)
	reg, err := registry.New(registry.Config{
		Launcher:         l,
		Allocator:        allocator,
		Guardian:         g,
		Hub:              hub,
		Manifests:        catalog,
		CredentialSocket: credentials.SocketPath(),
		StorageRoot:      cfg.Paths.Storage,
		StartTimeout:     cfg.Workers.StartTimeout.Std(),
		Logger:           logger,
	})
	if err != nil {
		allocator.Close()
		return nil, err
	}

	return &host{
		catalog:     catalog,
		allocator:   allocator,
		hub:         hub,
		credentials: credentials,
		registry:    reg,
		logger:      logger,
	}, nil
}

// shutdown stops all instances and removes the socket directory.
func (h *host) shutdown(ctx context.Context) {
	if err := h.registry.StopAll(ctx); err != nil {
		h.logger.Warn("stopping instances", "error", err)
	}
	if err := h.allocator.Close(); err != nil {
		h.logger.Warn("removing socket directory", "error", err)
	}
}
