package ipc

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/interfaces"
)

// EventDispatcher fans connection lifecycle events out to subscribers.
// Publishing is synchronous - the liveness reconciler depends on running
// before the caller proceeds.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[interfaces.BusEventType][]interfaces.BusEventHandler
	logger      arbor.ILogger
}

// NewEventDispatcher creates an empty dispatcher
func NewEventDispatcher(logger arbor.ILogger) *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[interfaces.BusEventType][]interfaces.BusEventHandler),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type
func (d *EventDispatcher) Subscribe(eventType interfaces.BusEventType, handler interfaces.BusEventHandler) {
	if handler == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[eventType] = append(d.subscribers[eventType], handler)
}

// Publish delivers an event to all subscribers in registration order
func (d *EventDispatcher) Publish(ctx context.Context, event interfaces.BusEvent) {
	d.mu.RLock()
	handlers := append([]interfaces.BusEventHandler(nil), d.subscribers[event.Type]...)
	d.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, event)
	}
}
