// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package credservice is the credential callback service: a single
// long-lived local RPC server, independent of any one worker, that
// workers call back into when they need a short-lived access token.
//
// The design inverts the obvious flow on purpose. Workers never
// receive credential material at launch (arguments and environment
// end up in /proc) and the host never holds tokens on a worker's
// behalf. A worker gets exactly one thing at initialize time: the
// service's socket path. When it needs a token it asks, the service
// asks the host's [TokenProvider] collaborator, and the grant is
// relayed straight through — never cached, never logged.
//
// The service speaks the same CBOR envelope protocol as the worker
// RPC sockets (lib/hostrpc), with two actions: get_access_token and
// get_connection_info.
package credservice
