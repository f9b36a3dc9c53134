// Package bus broadcasts session events to in-process subscribers such as
// websocket clients.
package bus

import (
	"sync"
)

// Event is one broadcast notification.
type Event struct {
	Name    string `json:"event"`
	Display string `json:"display"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler receives events. Handlers must not block.
type EventHandler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	subscribers map[string]EventHandler
	subMu       sync.RWMutex
}

func New() *Bus {
	return &Bus{subscribers: make(map[string]EventHandler)}
}

// Subscribe registers an event subscriber under id, replacing any previous one.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes an event subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, id)
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subscribers)
}

// Broadcast sends an event to all subscribers (non-blocking per subscriber).
func (b *Bus) Broadcast(event Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, handler := range b.subscribers {
		handler(event) // handlers should be non-blocking
	}
}
