package bridge

import (
	"sync"
	"time"
)

// EventType classifies a link event for WebSocket clients.
type EventType string

const (
	EventFrame  EventType = "frame"
	EventStatus EventType = "status"
)

// Event is the JSON-serialisable envelope broadcast to WebSocket clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// subscriber holds a buffered channel for one WebSocket connection.
type subscriber struct {
	ch chan Event
}

// EventBus fans link events out to all registered WebSocket clients.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new WebSocket client.
// Returns a receive channel and an unsubscribe function that must be
// called when the client disconnects (it closes the channel).
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends an Event to all current subscribers.
// Slow consumers are skipped (their buffer is full) to avoid stalling
// the ingest loop. They can catch up via the REST history endpoint.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			// Slow consumer – drop silently.
		}
	}
}

// PublishFrame is a convenience wrapper for EventFrame events.
func (b *EventBus) PublishFrame(data interface{}) {
	b.Publish(Event{Type: EventFrame, Data: data})
}

// PublishStatus is a convenience wrapper for EventStatus events.
func (b *EventBus) PublishStatus(data interface{}) {
	b.Publish(Event{Type: EventStatus, Data: data})
}

// Len returns the current subscriber count (useful for metrics/tests).
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
