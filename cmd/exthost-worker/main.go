// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Exthost-worker is a reference extension backend built on workerkit.
// It exists for exercising a host installation end to end: point an
// extension manifest's entrypoint at this binary and the host gets a
// worker with a few commands and a heartbeat event stream.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/exthost/exthost/lib/hostrpc"
	"github.com/exthost/exthost/lib/process"
	"github.com/exthost/exthost/lib/workerkit"
)

const heartbeatInterval = 5 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	params, err := workerkit.ParseLaunchFlags(os.Args[1:])
	if err != nil {
		return err
	}

	// Stdout belongs to the readiness handshake; all logging goes to
	// stderr, where the launcher relays it into the host's log.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	worker := workerkit.New("reference-worker", "1.0.0", logger)

	worker.HandleCommand(hostrpc.CommandInfo{
		Name:        "ping",
		Label:       "Ping",
		Description: "returns pong and the worker's identity",
	}, func(ctx context.Context, payload []byte) ([]byte, error) {
		reply, err := json.Marshal(map[string]any{
			"pong":         true,
			"extension_id": worker.InitParams().ExtensionID,
			"instance_id":  worker.InitParams().InstanceID,
			"pid":          os.Getpid(),
		})
		if err != nil {
			return nil, err
		}
		return reply, nil
	})

	worker.HandleCommand(hostrpc.CommandInfo{
		Name:        "echo",
		Label:       "Echo",
		Description: "returns the payload unchanged",
	}, func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	worker.HandleCommand(hostrpc.CommandInfo{
		Name:        "whoami",
		Label:       "Who Am I",
		Description: "reports the backend connection identity",
	}, func(ctx context.Context, payload []byte) ([]byte, error) {
		credentials := worker.Credentials()
		if credentials == nil {
			return nil, fmt.Errorf("no credential service configured for this instance")
		}
		info, err := credentials.GetConnectionInfo(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(info)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go heartbeat(ctx, worker)

	return worker.Run(ctx, params)
}

// heartbeat publishes a periodic liveness event. Subscribers that
// stop seeing it know the worker is wedged even though the process
// is alive.
func heartbeat(ctx context.Context, worker *workerkit.Worker) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	sequence := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sequence++
			payload, err := json.Marshal(map[string]any{"sequence": sequence})
			if err != nil {
				continue
			}
			worker.PublishEvent("heartbeat", payload)
		}
	}
}
