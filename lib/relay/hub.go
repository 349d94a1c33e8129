// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exthost/exthost/lib/hostrpc"
)

// Event is a worker event as delivered to host-side listeners, origin
// identity always filled in.
type Event = hostrpc.Event

// DefaultSubscriptionBuffer is the per-listener channel capacity.
// Extension events are UI-rate notifications, not bulk data; 64 rides
// out a briefly busy listener without hiding a stuck one.
const DefaultSubscriptionBuffer = 64

// publishGrace is the longest the hub blocks on one full listener
// channel before dropping the event for that listener.
const publishGrace = 100 * time.Millisecond

// Hub fans worker events out to listeners.
type Hub struct {
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:        logger,
		subscriptions: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a listener. buffer <= 0 selects
// DefaultSubscriptionBuffer. The caller must Close the subscription
// when done; an abandoned subscription degrades into pure event
// dropping but never blocks the hub.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	s := &Subscription{
		hub:     h,
		events:  make(chan Event, buffer),
		closing: make(chan struct{}),
	}
	h.mu.Lock()
	h.subscriptions[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers an event to every current listener. Blocks at most
// publishGrace per slow listener, then drops.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subscriptions))
	for s := range h.subscriptions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		select {
		case s.events <- event:
			continue
		default:
		}
		// Channel full: give the listener one short grace, then drop.
		timer := time.NewTimer(publishGrace)
		select {
		case s.events <- event:
			timer.Stop()
		case <-timer.C:
			dropped := s.dropped.Add(1)
			if dropped == 1 || dropped%100 == 0 {
				h.logger.Warn("slow event listener dropping events",
					"extension_id", event.ExtensionID,
					"instance_id", event.InstanceID,
					"dropped_total", dropped,
				)
			}
		case <-s.closing:
			timer.Stop()
		}
	}
}

// Subscription is one listener's registration with the hub.
type Subscription struct {
	hub       *Hub
	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Events is the listener's receive channel. It is never closed by the
// hub; use Close and stop receiving instead.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events were dropped for this listener.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the listener from the hub. Events already buffered in
// the channel remain readable.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.hub.mu.Lock()
		delete(s.hub.subscriptions, s)
		s.hub.mu.Unlock()
	})
}
