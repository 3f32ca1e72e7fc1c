package cv

import (
	"context"
	"log"
	"sync"
	"time"
)

// Event is a persisted, worker-published event fanned out to dashboard
// subscribers.
type Event struct {
	ID          string                 `json:"id"`
	ServiceID   string                 `json:"service_id"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	Granularity string                 `json:"granularity,omitempty"`
}

// overflowDropMargin is how many consecutive broadcasts a subscriber may
// miss (full channel) before it is dropped as unresponsive.
const overflowDropMargin = 20

// EventSubscription is a dashboard client's subscription to a node's
// events, optionally narrowed to one service.
type EventSubscription struct {
	NodeID     string
	ServiceID  string
	Stream     chan *Event
	CancelFunc context.CancelFunc

	overflows int
}

// EventBroadcaster multiplexes persisted events out to per-(node,service)
// subscriber channels.
type EventBroadcaster struct {
	mu            sync.RWMutex
	subscriptions map[string][]*EventSubscription // nodeID -> subscriptions
	allSubs       map[*EventSubscription]string    // reverse lookup: sub -> nodeID
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subscriptions: make(map[string][]*EventSubscription),
		allSubs:       make(map[*EventSubscription]string),
	}
}

// Subscribe adds a new subscription for a node, optionally narrowed to a
// single service ID. Returns a read-only channel of events and a cancel
// function.
func (b *EventBroadcaster) Subscribe(ctx context.Context, nodeID, serviceID string) (<-chan *Event, context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	eventChan := make(chan *Event, 100)

	sub := &EventSubscription{
		NodeID:     nodeID,
		ServiceID:  serviceID,
		Stream:     eventChan,
		CancelFunc: cancel,
	}

	b.subscriptions[nodeID] = append(b.subscriptions[nodeID], sub)
	b.allSubs[sub] = nodeID

	log.Printf("[EventBroadcaster] New subscription: node=%s, service=%s", nodeID, serviceID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sub)
	}()

	return eventChan, cancel
}

// Unsubscribe removes a subscription.
func (b *EventBroadcaster) Unsubscribe(sub *EventSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(sub)
}

func (b *EventBroadcaster) unsubscribeLocked(sub *EventSubscription) {
	nodeID, exists := b.allSubs[sub]
	if !exists {
		return
	}

	subs := b.subscriptions[nodeID]
	for i, s := range subs {
		if s == sub {
			b.subscriptions[nodeID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	delete(b.allSubs, sub)
	close(sub.Stream)

	log.Printf("[EventBroadcaster] Subscription removed: node=%s", nodeID)
}

// Broadcast sends an event to every subscription for nodeID whose
// ServiceID filter matches (or is unset).
func (b *EventBroadcaster) Broadcast(event *Event, nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[nodeID]
	if len(subs) == 0 {
		return
	}

	var dropped []*EventSubscription
	sentCount := 0
	for _, sub := range subs {
		if sub.ServiceID != "" && sub.ServiceID != event.ServiceID {
			continue
		}

		select {
		case sub.Stream <- event:
			sentCount++
			sub.overflows = 0
		default:
			sub.overflows++
			log.Printf("[EventBroadcaster] Subscription channel full for node=%s (overflow %d/%d)",
				nodeID, sub.overflows, overflowDropMargin)
			if sub.overflows >= overflowDropMargin {
				dropped = append(dropped, sub)
			}
		}
	}

	for _, sub := range dropped {
		sub.CancelFunc()
		b.unsubscribeLocked(sub)
	}

	if sentCount > 0 {
		log.Printf("[EventBroadcaster] Broadcast event %s to %d subscribers (node=%s)",
			event.ID, sentCount, nodeID)
	}
}

// GetSubscriptionCount returns the number of active subscriptions for a node.
func (b *EventBroadcaster) GetSubscriptionCount(nodeID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions[nodeID])
}
