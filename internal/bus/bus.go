// Package bus is a small typed in-process event bus. Subscribers register at
// wiring time; publishing never blocks the delivery path.
package bus

import (
	"sync"
	"time"
)

// EventType enumerates the delivery lifecycle events the pipeline publishes.
type EventType string

const (
	EventJobSucceeded      EventType = "job_succeeded"
	EventJobFailed         EventType = "job_failed"
	EventJobDeadLettered   EventType = "job_dead_lettered"
	EventJobExpired        EventType = "job_expired"
	EventProviderCallback  EventType = "provider_callback"
	EventSessionConnected  EventType = "session_connected"
	EventSessionClosed     EventType = "session_closed"
	EventNotificationSent  EventType = "notification_sent"
	EventTokenDeactivated  EventType = "token_deactivated"
	EventRateLimitDeferred EventType = "rate_limit_deferred"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type           EventType
	Channel        string
	NotificationID string
	JobID          string
	UserID         string
	ErrorKind      string
	At             time.Time
}

// Handler consumes one event. Handlers run on the subscriber goroutine, not
// the publisher's.
type Handler func(Event)

// Bus fans events out to per-subscriber buffered queues. A slow subscriber
// drops its own oldest events rather than stalling publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
}

type subscriber struct {
	types   map[EventType]bool // nil means all types
	ch      chan Event
	handler Handler
	done    chan struct{}
}

// New creates an event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for the given event types. An empty type
// list subscribes to everything. Each subscriber gets its own goroutine.
func (b *Bus) Subscribe(handler Handler, types ...EventType) {
	s := &subscriber{
		ch:      make(chan Event, 256),
		handler: handler,
		done:    make(chan struct{}),
	}
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go s.run()
}

func (s *subscriber) run() {
	defer close(s.done)
	for ev := range s.ch {
		s.handler(ev)
	}
}

// Publish delivers an event to all matching subscribers without blocking.
// When a subscriber's queue is full the oldest queued event is discarded.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, s := range b.subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

// Close stops all subscriber goroutines after draining their queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
		<-s.done
	}
}
