// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the host's standard CBOR encoding configuration.
//
// The host uses two serialization formats with a clear boundary:
//
//   - JSON (with comments) for the on-disk extension manifests that
//     humans author and the CLI's --json output.
//   - CBOR for everything that crosses a process boundary at runtime:
//     the per-instance worker RPC sockets, the event stream, and the
//     credential callback socket.
//
// This package provides the shared CBOR encoding and decoding modes so
// that the host, the worker SDK, and every worker binary encode
// identically without duplicating configuration. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the RPC sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
package codec
