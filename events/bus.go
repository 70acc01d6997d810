package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"
)

type (
	// Bus fans events out to subscribers. Publish never blocks beyond the
	// bounded enqueue: when a subscriber's queue is full the oldest queued
	// event is dropped, a counter is incremented, and delivery continues.
	Bus struct {
		mu        sync.RWMutex
		subs      map[*Subscription]struct{}
		queueSize int
		dropped   metric.Int64Counter
	}

	// Subscription is one registered subscriber. Consumers drain Events
	// until it is closed; Close is idempotent.
	Subscription struct {
		// ID identifies the subscription in logs and metrics.
		ID string

		bus    *Bus
		topics map[Topic]bool
		ch     chan Event

		mu     sync.Mutex
		closed bool
		once   sync.Once
	}

	// BusOption customizes a Bus.
	BusOption func(*Bus)
)

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 256

// WithQueueSize overrides the per-subscriber queue capacity.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// NewBus constructs an empty bus. The dropped-event counter registers
// against the global meter provider.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{subs: make(map[*Subscription]struct{}), queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(b)
	}
	meter := otel.Meter("goa.design/herdctl/events")
	if c, err := meter.Int64Counter("herdctl.subscriber.dropped"); err == nil {
		b.dropped = c
	}
	return b
}

// Subscribe registers a subscriber for the given topics. No topics means
// every topic.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	s := &Subscription{
		ID:  uuid.NewString(),
		bus: b,
		ch:  make(chan Event, b.queueSize),
	}
	if len(topics) > 0 {
		s.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers the event to every subscription whose topic set matches.
// Delivery to each subscription is an O(1) bounded enqueue.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		if s.topics != nil && !s.topics[e.Topic()] {
			continue
		}
		s.deliver(ctx, b, e)
	}
}

// deliver enqueues the event, dropping the oldest queued event when the
// queue is full.
func (s *Subscription) deliver(ctx context.Context, b *Bus, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
		return
	default:
	}
	select {
	case old := <-s.ch:
		if b.dropped != nil {
			b.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", string(old.Topic()))))
		}
		log.Debugf(ctx, "subscriber %s dropped %s event", s.ID, old.Topic())
	default:
	}
	select {
	case s.ch <- e:
	default:
	}
}

// Events returns the subscription's receive channel. The channel is closed
// when the subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription and closes its channel. Safe to call
// multiple times and concurrently with Publish.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// Close closes every subscription on the bus.
func (b *Bus) Close() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
}
