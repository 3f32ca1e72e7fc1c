package cv

import (
	"context"
	"testing"
	"time"
)

func TestEventBroadcasterDeliversMatchingService(t *testing.T) {
	b := NewEventBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, _ := b.Subscribe(ctx, "node-1", "svc-a")

	b.Broadcast(&Event{ID: "e1", ServiceID: "svc-b"}, "node-1")
	b.Broadcast(&Event{ID: "e2", ServiceID: "svc-a"}, "node-1")

	select {
	case event := <-stream:
		if event.ID != "e2" {
			t.Errorf("got event %q, want %q", event.ID, "e2")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}

	select {
	case event := <-stream:
		t.Fatalf("unexpected second event delivered: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBroadcasterUnfilteredSubscriptionSeesAllServices(t *testing.T) {
	b := NewEventBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, _ := b.Subscribe(ctx, "node-1", "")

	b.Broadcast(&Event{ID: "e1", ServiceID: "svc-a"}, "node-1")
	b.Broadcast(&Event{ID: "e2", ServiceID: "svc-b"}, "node-1")

	for _, want := range []string{"e1", "e2"} {
		select {
		case event := <-stream:
			if event.ID != want {
				t.Errorf("got event %q, want %q", event.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %q", want)
		}
	}
}

func TestEventBroadcasterIgnoresOtherNodes(t *testing.T) {
	b := NewEventBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, _ := b.Subscribe(ctx, "node-1", "")

	b.Broadcast(&Event{ID: "e1", ServiceID: "svc-a"}, "node-2")

	select {
	case event := <-stream:
		t.Fatalf("unexpected event from other node delivered: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBroadcasterCancelRemovesSubscription(t *testing.T) {
	b := NewEventBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())

	b.Subscribe(ctx, "node-1", "")
	if got := b.GetSubscriptionCount("node-1"); got != 1 {
		t.Fatalf("subscription count = %d, want 1", got)
	}

	cancel()

	// Unsubscribe happens asynchronously off the ctx.Done() channel.
	deadline := time.After(time.Second)
	for {
		if b.GetSubscriptionCount("node-1") == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("subscription was not removed after cancel")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEventBroadcasterDropsSlowSubscriberAfterOverflow(t *testing.T) {
	b := NewEventBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, _ := b.Subscribe(ctx, "node-1", "")

	// Fill the subscriber's buffered channel, then push past the overflow
	// margin without ever draining it.
	for i := 0; i < 100+overflowDropMargin+5; i++ {
		b.Broadcast(&Event{ID: "e", ServiceID: "svc-a"}, "node-1")
	}

	if got := b.GetSubscriptionCount("node-1"); got != 0 {
		t.Errorf("subscription count = %d, want 0 after overflow", got)
	}

	// The channel should have been closed by the drop.
	select {
	case _, ok := <-stream:
		if ok {
			// Draining buffered events is fine; eventually it closes.
			for range stream {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dropped subscriber's channel to close")
	}
}
