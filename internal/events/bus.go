// Package events is an in-process fan-out bus carrying model lifecycle events.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	UserCreated           = "user.created"
	ProductSaved          = "product.saved"
	OrderCreated          = "order.created"
	OrderUpdated          = "order.updated"
	OrderDeleted          = "order.deleted"
	SubscriptionActivated = "subscription.activated"
	SubscriptionExpired   = "subscription.expired"
	PaymentRequested      = "payment.requested"
)

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher is the side of the bus the domain services see.
type Publisher interface {
	PublishType(eventType string, data any)
}

// Bus is a fan-out pub/sub event bus. Subscribers receive events on a buffered
// channel. Slow subscribers are dropped (non-blocking publish).
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]map[string]bool // channel → set of subscribed event types (nil = all)
	wg     sync.WaitGroup
	closed bool
	logger *slog.Logger
}

// New creates a new event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[chan Event]map[string]bool),
		logger: logger.With("component", "events"),
	}
}

// Subscribe returns a channel that receives events matching the given types.
// If no types are given, all events are received. The channel is buffered (64).
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	if len(types) == 0 {
		b.subs[ch] = nil // nil = all events
	} else {
		filter := make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
		b.subs[ch] = filter
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Handle subscribes fn to the given event types and runs it on its own
// goroutine until the bus is closed. Handler errors are logged.
func (b *Bus) Handle(name string, fn func(Event) error, types ...string) {
	ch := b.Subscribe(types...)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range ch {
			if err := fn(e); err != nil {
				b.logger.Warn("event handler failed", "handler", name, "type", e.Type, "error", err)
			}
		}
	}()
}

// Publish sends an event to all matching subscribers. Non-blocking: if a
// subscriber's buffer is full the event is dropped for that subscriber.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
			b.logger.Warn("subscriber buffer full, event dropped", "type", e.Type)
		}
	}
}

// PublishType is a convenience method that creates an Event with the given type
// and data, then publishes it.
func (b *Bus) PublishType(eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      raw,
	})
}

// Close unsubscribes all subscribers, closes their channels and waits for
// running handlers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) PublishType(string, any) {}
