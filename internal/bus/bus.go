// Package bus is a process-local broadcast channel for advisory
// state-change notifications. It informs other components that a game
// changed; it is not a lock and provides no mutual exclusion — two
// writers racing on the same game remain unguarded, which is an accepted
// limitation of the design.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// StateChanged announces that a game's local state advanced.
type StateChanged struct {
	GameID       string
	LocalVersion int64
	At           time.Time
}

// Handler receives change notifications. Handlers must not block.
type Handler func(StateChanged)

// Bus fans change notifications out to subscribers.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers a handler and returns an unsubscribe func.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers a notification to every subscriber. Handler panics
// are caught and logged; a broken subscriber never breaks the publisher.
func (b *Bus) Publish(msg StateChanged) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("bus: handler panic", "game", msg.GameID, "panic", r)
				}
			}()
			h(msg)
		}()
	}
}
