// Package bus provides the in-process event stream connecting the
// watcher pipeline to its observers (HTTP log tail, status clients).
package bus

import (
	"sync"
	"time"
)

// Event names broadcast on the bus.
const (
	EventLog       = "log"
	EventStatus    = "status"
	EventBroadcast = "broadcast"
)

// Event is a broadcast message delivered to every subscriber.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// LogPayload carries one pipeline log line.
type LogPayload struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// Publisher abstracts event broadcast + subscription so components can
// decouple from the concrete Bus.
type Publisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus fans events out to registered handlers. Safe for concurrent use.
// Handlers run on the broadcasting goroutine and must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under id, replacing any previous one.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to all current subscribers.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Log broadcasts a log line event.
func (b *Bus) Log(level, message string) {
	b.Broadcast(Event{
		Name:    EventLog,
		Payload: LogPayload{Level: level, Message: message, Time: time.Now()},
	})
}
