// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package workerkit is the worker-side runtime for extension backends
// written in Go.
//
// A worker binary parses its launch flags, registers its commands,
// and hands control to [Worker.Run]:
//
//	params, err := workerkit.ParseLaunchFlags(os.Args[1:])
//	...
//	worker := workerkit.New("reports", "1.0.0", logger)
//	worker.HandleCommand(hostrpc.CommandInfo{Name: "refresh"}, refresh)
//	err = worker.Run(ctx, params)
//
// Run binds the RPC socket, prints the readiness line the launcher is
// waiting for, and serves the contract until the host asks for
// shutdown or ctx is cancelled. Credentials are available through
// [Worker.Credentials] once the host has called initialize.
package workerkit
