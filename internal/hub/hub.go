// Package hub fans accepted entries out to live subscribers.
package hub

import (
	"log/slog"
	"sync"

	"github.com/kon-rad/tracetap/pkg/entry"
)

// Subscriber receives every accepted entry. consolidated is true when the
// entry bumped the count of an already stored line.
type Subscriber func(e entry.Entry, consolidated bool)

type subscription struct {
	id int64
	fn Subscriber
}

type Hub struct {
	mu     sync.RWMutex
	nextID int64
	subs   []subscription
	logger *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{logger: logger}
}

// Register adds fn and returns a function that removes it. Calling the
// returned function more than once is a no-op.
func (h *Hub) Register(fn Subscriber) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscription{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub) remove(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.id == id {
			next := make([]subscription, 0, len(h.subs)-1)
			next = append(next, h.subs[:i]...)
			h.subs = append(next, h.subs[i+1:]...)
			return
		}
	}
}

// Broadcast calls every subscriber in registration order on the calling
// goroutine. A panicking subscriber is logged and skipped.
func (h *Hub) Broadcast(e entry.Entry, consolidated bool) {
	h.mu.RLock()
	subs := h.subs
	h.mu.RUnlock()

	for _, s := range subs {
		h.deliver(s, e, consolidated)
	}
}

func (h *Hub) deliver(s subscription, e entry.Entry, consolidated bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("subscriber panicked", "subscriber", s.id, "panic", r)
		}
	}()
	s.fn(e, consolidated)
}

// Len reports the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
