// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (extraction worker, journal,
// MQTT bridge) to subscribers (WebSocket handler, MQTT publisher). The
// bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceExtractor identifies events from the extraction pipeline.
	SourceExtractor = "extractor"
	// SourceJournal identifies events from the journal store.
	SourceJournal = "journal"
	// SourceAPI identifies events from the HTTP API.
	SourceAPI = "api"
	// SourceMQTT identifies events from the MQTT bridge.
	SourceMQTT = "mqtt"
	// SourceIngest identifies events from the notes importer.
	SourceIngest = "ingest"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnSubmitted signals a turn was accepted for extraction.
	// Data: turn_id, conversation_id, origin, content_len.
	KindTurnSubmitted = "turn_submitted"
	// KindRunStarted signals the beginning of an extraction run.
	// Data: run_id, turn_id, model, variant.
	KindRunStarted = "run_started"
	// KindRunCompleted signals an extraction run finished.
	// Data: run_id, outcome, candidates, appended, tokens_in,
	// tokens_out, elapsed_ms.
	KindRunCompleted = "run_completed"
	// KindMemoryRecorded signals new entries were appended to a
	// memories file. Data: run_id, appended, path.
	KindMemoryRecorded = "memory_recorded"
	// KindTurnSkipped signals a turn was gated out before any model
	// call. Data: turn_id, reason.
	KindTurnSkipped = "turn_skipped"

	// KindImportComplete signals a notes import finished.
	// Data: file, candidates, appended.
	KindImportComplete = "import_complete"

	// KindRememberReceived signals a manual memory arrived over MQTT.
	// Data: topic, content_len.
	KindRememberReceived = "remember_received"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive on buffered
// channels; a full subscriber misses events rather than stalling the
// publisher.
type Bus struct {
	mu sync.RWMutex
	// Keyed by the receive-only view handed to the subscriber, so
	// Unsubscribe can take the caller's channel as-is. The value is
	// the same channel, bidirectional, for sending and closing.
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish fans an event out to every subscriber, dropping it for any
// whose buffer is full. A nil receiver is a no-op, so optional
// components can hold a nil *Bus without guarding each call.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel. Pair with Unsubscribe; 64 is a sensible buffer
// for a WebSocket consumer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored, so double-unsubscribe is safe.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
