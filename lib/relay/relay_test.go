// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/exthost/exthost/lib/hostrpc"
	"github.com/exthost/exthost/lib/testutil"
)

// fakeSource feeds a pump from a channel. Close unblocks Next with
// io.EOF, mirroring how closing a real stream's connection behaves.
type fakeSource struct {
	events chan hostrpc.Event
	closed chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan hostrpc.Event),
		closed: make(chan struct{}),
	}
}

func (s *fakeSource) Next() (hostrpc.Event, error) {
	select {
	case event := <-s.events:
		return event, nil
	case <-s.closed:
		return hostrpc.Event{}, io.EOF
	}
}

func (s *fakeSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPumpStampsOriginIdentity(t *testing.T) {
	hub := NewHub(discard())
	listener := hub.Subscribe(0)
	defer listener.Close()

	source := newFakeSource()
	pump := StartPump(hub, source, "reports", "tab1", discard())
	defer pump.Close()

	// The worker claims a different identity; the host's stamp wins.
	testutil.RequireSend(t, source.events, hostrpc.Event{
		ExtensionID: "forged",
		InstanceID:  "forged",
		Type:        "progress",
	}, 5*time.Second, "feeding event")

	event := testutil.RequireReceive(t, listener.Events(), 5*time.Second, "relayed event")
	if event.ExtensionID != "reports" || event.InstanceID != "tab1" {
		t.Errorf("origin identity = %s/%s, want reports/tab1", event.ExtensionID, event.InstanceID)
	}
	if event.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(discard())
	first := hub.Subscribe(0)
	defer first.Close()
	second := hub.Subscribe(0)
	defer second.Close()

	hub.Publish(Event{Type: "refresh"})

	if event := testutil.RequireReceive(t, first.Events(), 5*time.Second, "first listener"); event.Type != "refresh" {
		t.Errorf("first listener got %+v", event)
	}
	if event := testutil.RequireReceive(t, second.Events(), 5*time.Second, "second listener"); event.Type != "refresh" {
		t.Errorf("second listener got %+v", event)
	}
}

func TestHubNoReplayForLateSubscriber(t *testing.T) {
	hub := NewHub(discard())

	hub.Publish(Event{Type: "missed"})

	late := hub.Subscribe(0)
	defer late.Close()
	select {
	case event := <-late.Events():
		t.Errorf("late subscriber received replayed event %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubDropsForSlowListener(t *testing.T) {
	hub := NewHub(discard())
	slow := hub.Subscribe(1)
	defer slow.Close()

	// Fill the buffer, then publish more without draining. The hub
	// must come back within the grace period, not wedge.
	start := time.Now()
	for i := 0; i < 3; i++ {
		hub.Publish(Event{Type: "burst"})
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("publishing to a slow listener took %v", elapsed)
	}
	if slow.Dropped() == 0 {
		t.Error("no drops recorded for a listener that stopped draining")
	}
}

func TestClosedSubscriptionReceivesNothing(t *testing.T) {
	hub := NewHub(discard())
	listener := hub.Subscribe(0)
	listener.Close()

	hub.Publish(Event{Type: "after-close"})

	select {
	case event := <-listener.Events():
		t.Errorf("closed subscription received %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPumpCloseCompletesBeforeReturn(t *testing.T) {
	hub := NewHub(discard())
	source := newFakeSource()
	pump := StartPump(hub, source, "reports", "tab1", discard())

	pump.Close()

	select {
	case <-pump.Done():
	default:
		t.Error("Close returned before the relay loop stopped")
	}
}

func TestPumpStopsWhenSourceEnds(t *testing.T) {
	hub := NewHub(discard())
	source := newFakeSource()
	pump := StartPump(hub, source, "reports", "tab1", discard())

	source.Close()
	testutil.RequireClosed(t, pump.Done(), 5*time.Second, "pump stop after stream end")
}
