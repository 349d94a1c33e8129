// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/exthost/exthost/lib/manifest"
)

// shutdownBudget bounds the teardown of all instances at host exit.
const shutdownBudget = 15 * time.Second

func runList(args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to exthost.yaml (default: $EXTHOST_CONFIG)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger("warn")
	if err != nil {
		return err
	}

	manifests, err := manifest.Discover(cfg.Paths.Extensions, logger)
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		fmt.Println("no extensions installed")
		return nil
	}
	for _, m := range manifests {
		line := fmt.Sprintf("%-24s %-10s %s", m.ID, m.Version, m.Name)
		if m.Description != "" {
			line += " - " + m.Description
		}
		fmt.Println(line)
	}
	return nil
}

func runHost(args []string) error {
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to exthost.yaml (default: $EXTHOST_CONFIG)")
	logLevel := flags.String("log-level", "info", "log level (debug, info, warn, error)")
	logEvents := flags.Bool("log-events", false, "log every relayed worker event")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: exthost run [flags] [extension-id[/instance-id] ...]")
		fmt.Fprintln(os.Stderr, "Named instances are started immediately; others start on demand.")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := assembleHost(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("extension host started",
		"extensions", len(h.catalog.All()),
		"socket_dir", h.allocator.Dir(),
		"environment", string(cfg.Environment),
	)

	if *logEvents {
		sub := h.hub.Subscribe(cfg.Events.SubscriptionBuffer)
		defer sub.Close()
		go func() {
			for event := range sub.Events() {
				logger.Info("worker event",
					"extension_id", event.ExtensionID,
					"instance_id", event.InstanceID,
					"type", event.Type,
					"payload_bytes", len(event.Payload),
				)
			}
		}()
	}

	for _, pair := range flags.Args() {
		extensionID, instanceID, err := splitInstancePair(pair)
		if err != nil {
			return err
		}
		if _, err := h.registry.EnsureRunning(ctx, extensionID, instanceID); err != nil {
			logger.Error("starting instance", "pair", pair, "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	h.shutdown(shutdownCtx)
	return nil
}

func runExec(args []string) error {
	flags := pflag.NewFlagSet("exec", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to exthost.yaml (default: $EXTHOST_CONFIG)")
	logLevel := flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	instanceID := flags.String("instance", "main", "instance ID to run the command on")
	timeout := flags.Duration("timeout", 60*time.Second, "overall deadline for the command")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: exthost exec [flags] <extension-id> <command> [payload]")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) < 2 {
		flags.Usage()
		return fmt.Errorf("exec needs an extension ID and a command name")
	}
	extensionID, command := rest[0], rest[1]
	var payload []byte
	if len(rest) > 2 {
		payload = []byte(rest[2])
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	h, err := assembleHost(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		h.shutdown(shutdownCtx)
	}()

	inst, err := h.registry.EnsureRunning(ctx, extensionID, *instanceID)
	if err != nil {
		return err
	}
	result, err := inst.Execute(ctx, command, payload)
	if err != nil {
		return err
	}
	if len(result) > 0 {
		os.Stdout.Write(result)
		if result[len(result)-1] != '\n' {
			fmt.Println()
		}
	}
	return nil
}

// splitInstancePair parses "extension-id/instance-id"; a bare
// extension ID gets the default instance.
func splitInstancePair(pair string) (extensionID, instanceID string, err error) {
	parts := strings.SplitN(pair, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid instance pair %q", pair)
	}
	if len(parts) == 1 || parts[1] == "" {
		return parts[0], "main", nil
	}
	return parts[0], parts[1], nil
}
