// Package bus implements the in-process event bus that decouples the
// CarPi managers from each other. Producers publish structured events on
// named topics; each subscriber owns a bounded FIFO queue and receives a
// copy of every event published after it subscribed.
//
// Delivery is lossy on overflow: when one subscriber's queue is full that
// single delivery is dropped and the remaining subscribers are unaffected.
// Publishing to a topic with no subscribers is a no-op.
package bus

import (
	"sync"
)

// DefaultCapacity is the queue size used when Subscribe is called with a
// non-positive capacity.
const DefaultCapacity = 100

// Event is a topic payload. Payload shapes are agreed per topic by
// convention between publisher and consumer; see the Topic* constants in
// the bluetooth package for the shapes the connectivity stack uses.
type Event map[string]any

// Bus routes events from publishers to topic subscribers.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]*Subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]*Subscription)}
}

// Subscription is one subscriber's bounded queue on a single topic.
// Receive from C; call Cancel when done consuming.
type Subscription struct {
	// C delivers events in publish order.
	C <-chan Event

	bus    *Bus
	topic  string
	ch     chan Event
	cancel sync.Once
}

// Publish delivers event to every current subscriber of topic. It never
// blocks: full subscriber queues drop this one delivery.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			// Queue full; drop for this subscriber only.
		}
	}
}

// Subscribe registers a new subscriber queue under topic and returns its
// subscription. Events published before Subscribe returns are not seen.
// Callers must Cancel the subscription on every exit path, typically via
// defer, or the queue stays registered forever.
func (b *Bus) Subscribe(topic string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	sub := &Subscription{
		bus:   b,
		topic: topic,
		ch:    make(chan Event, capacity),
	}
	sub.C = sub.ch

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()
	return sub
}

// Cancel removes the subscription from its topic. It is idempotent and
// safe to call concurrently with Publish. Events already queued remain
// readable from C; no new events are delivered once in-flight publishes
// have finished.
func (s *Subscription) Cancel() {
	s.cancel.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[s.topic]
		for i, candidate := range subs {
			if candidate == s {
				b.topics[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.topics[s.topic]) == 0 {
			delete(b.topics, s.topic)
		}
	})
}

// Subscribers reports the number of registered queues for a topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
