package events

import (
	"sync"
)

// Subscription represents a subscription to events
type Subscription struct {
	Ch     chan Event  // Channel to receive events
	Types  []EventType // Event types to filter (nil/empty = all types)
	Target string      // Target identifier
}

// EventStore defines the interface for persisting events
type EventStore interface {
	Save(event *Event) error
	GetPending(target string, types []EventType) ([]*Event, error)
	MarkDelivered(eventID string) error
}

// Bus fans lifecycle events out to subscribers. Subsystems publish on
// state changes; the websocket hub and the NATS bridge subscribe.
// Delivery is best-effort: a full subscriber channel drops the event
// rather than blocking a publisher inside a tick loop.
type Bus struct {
	subscribers map[string][]*Subscription // target -> subscriptions
	store       EventStore                 // Optional persistent store
	mu          sync.RWMutex
}

// NewBus creates a new event bus. store may be nil for in-memory only.
func NewBus(store EventStore) *Bus {
	return &Bus{
		subscribers: make(map[string][]*Subscription),
		store:       store,
	}
}

// Subscribe creates a new subscription for the given target and event
// types. The target "all" receives every event regardless of target.
// If types is nil or empty, all event types are received.
func (b *Bus) Subscribe(target string, types []EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		Ch:     make(chan Event, 100),
		Types:  types,
		Target: target,
	}
	b.subscribers[target] = append(b.subscribers[target], sub)
	return sub.Ch
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(target string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, exists := b.subscribers[target]
	if !exists {
		return
	}

	for i, sub := range subs {
		if sub.Ch == ch {
			close(sub.Ch)
			b.subscribers[target] = append(subs[:i], subs[i+1:]...)
			if len(b.subscribers[target]) == 0 {
				delete(b.subscribers, target)
			}
			return
		}
	}
}

// Publish sends an event to every matching subscriber. Events targeted
// at "all" broadcast to everyone; otherwise they reach the target's
// subscribers plus anyone subscribed to "all".
func (b *Bus) Publish(event *Event) {
	if b.store != nil {
		_ = b.store.Save(event)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []*Subscription
	if event.Target == "all" {
		for _, subs := range b.subscribers {
			matched = append(matched, subs...)
		}
	} else {
		matched = append(matched, b.subscribers[event.Target]...)
		matched = append(matched, b.subscribers["all"]...)
	}

	for _, sub := range matched {
		if !b.matchesTypes(event.Type, sub.Types) {
			continue
		}
		select {
		case sub.Ch <- *event:
		default:
			// Slow consumer, drop rather than stall the publisher.
		}
	}
}

// GetPendingEvents retrieves undelivered events from the store for a target
func (b *Bus) GetPendingEvents(target string, types []EventType) ([]*Event, error) {
	if b.store == nil {
		return nil, nil
	}
	return b.store.GetPending(target, types)
}

func (b *Bus) matchesTypes(eventType EventType, types []EventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == eventType {
			return true
		}
	}
	return false
}
