// Package bus implements the in-process publish/subscribe fabric (C9) that
// lets C1–C8 react to each other without direct coupling.
//
// Delivery is in-order per publisher and best-effort across publishers —
// subscribers must tolerate interleaving between independent publishers.
// A blocking subscriber never blocks a publisher: each subscriber has a
// bounded queue, and when that queue overflows the oldest pending event is
// dropped and a SubscriberLagged event is published so operators can see it.
//
// The bus never persists events; it is pure fan-out.
package bus

import (
	"log/slog"
	"sync"
)

// EventType classifies the sum-type values that flow through the bus.
type EventType int

const (
	// EventFrameClassified carries a turn.FrameClassification, published by C1.
	EventFrameClassified EventType = iota

	// EventPhaseChanged carries a PhaseChanged payload, published by C2.
	EventPhaseChanged

	// EventPartialEmitted carries a turn.Transcript (IsFinal == false), published by C4.
	EventPartialEmitted

	// EventSentenceFinalized carries a turn.Transcript (IsFinal == true), published by C4.
	EventSentenceFinalized

	// EventRecognizerError carries a RecognizerErrorPayload, published by C4.
	EventRecognizerError

	// EventRecognizerClosed is published by C4 when a session closes.
	EventRecognizerClosed

	// EventControl carries a turn.ControlEvent, published by C8.
	EventControl

	// EventInterruptRequested is published by C2 on barge-in detection.
	EventInterruptRequested

	// EventInterruptAcknowledged is published by C7 once it has cancelled the
	// in-flight reply and signalled the transport to drop buffered audio.
	EventInterruptAcknowledged

	// EventReplyTaskStarted is published by C6 when a new ReplyTask is created.
	EventReplyTaskStarted

	// EventReplyTaskEnded is published by C6 when a ReplyTask completes, fails,
	// or is cancelled.
	EventReplyTaskEnded

	// EventSubscriberLagged is published by the bus itself when a subscriber's
	// queue overflows and events were dropped.
	EventSubscriberLagged
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventFrameClassified:
		return "FrameClassified"
	case EventPhaseChanged:
		return "PhaseChanged"
	case EventPartialEmitted:
		return "PartialEmitted"
	case EventSentenceFinalized:
		return "SentenceFinalized"
	case EventRecognizerError:
		return "RecognizerError"
	case EventRecognizerClosed:
		return "RecognizerClosed"
	case EventControl:
		return "Control"
	case EventInterruptRequested:
		return "InterruptRequested"
	case EventInterruptAcknowledged:
		return "InterruptAcknowledged"
	case EventReplyTaskStarted:
		return "ReplyTaskStarted"
	case EventReplyTaskEnded:
		return "ReplyTaskEnded"
	case EventSubscriberLagged:
		return "SubscriberLagged"
	default:
		return "Unknown"
	}
}

// Event is one message published on the bus. Payload's concrete type is
// determined by Type; see the EventType doc comments.
type Event struct {
	Type    EventType
	Payload any
}

// SubscriberLaggedPayload is the payload of an EventSubscriberLagged event.
type SubscriberLaggedPayload struct {
	// Dropped is the number of events discarded from this subscriber's queue
	// since the last SubscriberLagged notification.
	Dropped int
}

// DefaultQueueDepth is the default bounded queue depth for each subscriber,
// per spec.md §4.9.
const DefaultQueueDepth = 1024

// Bus is the concurrency-safe in-process publish/subscribe fabric.
//
// All exported methods are safe for concurrent use.
type Bus struct {
	queueDepth int

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// subscriber holds one subscription's bounded queue and dispatch goroutine.
type subscriber struct {
	ch      chan Event
	done    chan struct{}
	handler func(Event)

	mu      sync.Mutex
	dropped int
}

// Option configures a Bus during construction.
type Option func(*Bus)

// WithQueueDepth overrides the per-subscriber bounded queue depth. Default
// is DefaultQueueDepth (1024).
func WithQueueDepth(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueDepth = n
		}
	}
}

// New creates a Bus ready to accept publishers and subscribers.
func New(opts ...Option) *Bus {
	b := &Bus{
		queueDepth: DefaultQueueDepth,
		subs:       make(map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers handler to be invoked for every event published after
// this call. handler runs on a dedicated goroutine per subscriber, so a slow
// or blocking handler only delays delivery to itself — other subscribers and
// publishers are unaffected.
//
// The returned function unsubscribes and stops the dispatch goroutine. It is
// safe to call more than once.
func (b *Bus) Subscribe(handler func(Event)) (unsubscribe func()) {
	s := &subscriber{
		ch:      make(chan Event, b.queueDepth),
		done:    make(chan struct{}),
		handler: handler,
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.done)
		})
	}
}

// run is the subscriber's dispatch loop.
func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			s.handler(ev)
		}
	}
}

// Publish delivers ev to every current subscriber. Delivery to one
// subscriber never blocks delivery to another: if a subscriber's queue is
// full, the oldest queued event for that subscriber is dropped to make room,
// and a SubscriberLagged event is enqueued in its place so the drop is
// observable.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(ev)
	}
}

// deliver enqueues ev on s's channel. On overflow it drops the oldest
// pending event and enqueues a SubscriberLagged event in the freed slot
// instead of ev, so the handler learns it lagged rather than silently
// missing data.
func (s *subscriber) deliver(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	// Queue full: drop the oldest pending event and publish a lagged
	// notification in its place.
	select {
	case <-s.ch:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		slog.Warn("bus: subscriber lagged, dropped oldest event", "dropped_total", dropped)

		select {
		case s.ch <- Event{Type: EventSubscriberLagged, Payload: SubscriberLaggedPayload{Dropped: dropped}}:
			s.mu.Lock()
			s.dropped = 0
			s.mu.Unlock()
		default:
			// No room even for the notification; it will be folded into the
			// next successful one via the accumulated dropped count.
		}
	default:
	}

	select {
	case s.ch <- ev:
	default:
		// Still full (raced with another publisher) — give up on this event.
	}
}

// SubscriberCount returns the number of currently registered subscribers.
// Intended for tests and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
