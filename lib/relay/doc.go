// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay moves worker events to host-side listeners.
//
// Two pieces:
//
//   - [Hub] is the host-wide fan-out point. Listeners subscribe and
//     receive events over a bounded buffered channel. Delivery is
//     at-most-once with no replay: a listener that subscribes late
//     misses earlier events, and a listener that stops draining its
//     channel loses events after a short grace rather than stalling
//     the hub.
//   - [Pump] is per-instance. It consumes one worker's subscription
//     stream, stamps every event with the originating instance's
//     identity, and publishes into the hub. The registry closes the
//     pump before it removes the instance, so no event is ever
//     delivered for an instance that can no longer be found.
package relay
