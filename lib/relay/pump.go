// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/exthost/exthost/lib/hostrpc"
)

// EventSource is the stream a pump drains. *hostrpc.EventStream
// satisfies it; tests substitute fakes.
type EventSource interface {
	Next() (hostrpc.Event, error)
	Close() error
}

// Pump consumes one instance's event stream and publishes into a hub.
// It runs from StartPump until the stream ends or Close is called.
type Pump struct {
	extensionID string
	instanceID  string
	hub         *Hub
	source      EventSource
	logger      *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// StartPump begins relaying events from source into hub, stamping
// each event with the given origin identity. The returned pump's
// goroutine exits when the source ends (worker shutdown or stream
// error) or when Close is called.
func StartPump(hub *Hub, source EventSource, extensionID, instanceID string, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pump{
		extensionID: extensionID,
		instanceID:  instanceID,
		hub:         hub,
		source:      source,
		logger:      logger,
		done:        make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Pump) run() {
	defer close(p.done)
	for {
		event, err := p.source.Next()
		if err != nil {
			// Stream end: either the worker is shutting down or the
			// pump was closed. Both are normal; the registry decides
			// whether the instance is actually gone.
			p.logger.Debug("event stream ended",
				"extension_id", p.extensionID,
				"instance_id", p.instanceID,
				"error", err,
			)
			return
		}

		// The origin identity is the host's knowledge, not the
		// worker's claim. Stamp unconditionally.
		event.ExtensionID = p.extensionID
		event.InstanceID = p.instanceID
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		p.hub.Publish(event)
	}
}

// Done is closed once the pump's relay loop has fully stopped.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Close ends the subscription and blocks until the relay loop has
// stopped. After Close returns, no further event from this instance
// will reach any listener — the registry relies on this ordering when
// tearing an instance down.
func (p *Pump) Close() {
	p.closeOnce.Do(func() {
		p.source.Close()
	})
	<-p.done
}
