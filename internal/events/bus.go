// Package events provides pub/sub for system-wide events.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a class of system event.
type EventType string

const (
	// QuoteReceived fires when a real-time price observation arrives from
	// an ingestion adapter. The stream layer fans it out to subscribers.
	QuoteReceived EventType = "QUOTE_RECEIVED"

	// CacheDegraded labels a cache degradation event. No component in this
	// module emits it; the warming controller and the multi-tier cache
	// report degradation through their Healthy and Degraded methods.
	CacheDegraded EventType = "CACHE_DEGRADED"

	// DataQualityReport labels a validation or deduplication report event.
	// No component in this module emits it; the quality package returns
	// its reports to the caller.
	DataQualityReport EventType = "DATA_QUALITY_REPORT"
)

// Event is a single emitted event.
type Event struct {
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Handler consumes events. Handlers run on the emitter's goroutine; slow
// consumers must hand off to their own queue.
type Handler func(Event)

// Bus is an in-process event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit dispatches an event to all handlers registered for its type.
// A panicking handler is logged and does not affect the others.
func (b *Bus) Emit(t EventType, source string, data interface{}) {
	event := Event{
		Type:      t,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[t]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().
						Interface("panic", r).
						Str("event_type", string(t)).
						Str("source", source).
						Msg("Event handler panicked")
				}
			}()
			h(event)
		}()
	}
}
