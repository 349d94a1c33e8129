// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostrpc defines the RPC contract between the host and a
// worker process, and implements both sides of it.
//
// The transport is a Unix domain socket private to one worker
// instance, carrying CBOR values (lib/codec). The protocol follows the
// one-request-per-connection model: the caller connects, writes a
// single request envelope, reads a single response, and the connection
// closes. The exception is "subscribe", where after the acknowledgment
// the server keeps the connection open and streams event values until
// either side closes it.
//
// Five actions make up the contract:
//
//	initialize     worker identity/version exchange, passes the
//	               storage dir and the credential callback socket
//	list_commands  enumerate the worker's commands
//	execute        run one command with an opaque payload
//	subscribe      server-streamed events
//	shutdown       request a graceful exit
//
// [Client] is the host-side bridge used by the instance registry.
// [Server] is the worker-side dispatcher used by lib/workerkit and by
// any worker implemented directly against this package.
package hostrpc
