package server

import "sync"

// StatusHub tells connected clients that the recorder status changed.
// It is safe for concurrent use.
type StatusHub struct {
	mu     sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

// NewStatusHub returns a hub without subscribers.
func NewStatusHub() *StatusHub {
	return &StatusHub{subs: make(map[int]chan struct{})}
}

// Subscribe returns a channel that receives a signal after changes and a
// function that ends the subscription. Signals coalesce.
func (h *StatusHub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Notify signals every subscriber without blocking.
func (h *StatusHub) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
