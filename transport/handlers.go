// transport/handlers.go
package transport

import (
	"errors"
	"sync"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrNotOwner    = errors.New("only the room owner may broadcast state")
	ErrNoAuthority = errors.New("room has no owner")
	ErrOutboxFull  = errors.New("transport outbox full")
)

type entry[T any] struct {
	id int
	fn func(T)
}

// handlers is an ordered subscriber list. emit calls a snapshot of the list
// outside the lock, so a handler may subscribe, unsubscribe or send.
type handlers[T any] struct {
	mutex   sync.Mutex
	nextID  int
	entries []entry[T]
}

func (h *handlers[T]) add(fn func(T)) func() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	id := h.nextID
	h.nextID++
	h.entries = append(h.entries, entry[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mutex.Lock()
			defer h.mutex.Unlock()
			for i, e := range h.entries {
				if e.id == id {
					h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (h *handlers[T]) emit(v T) {
	h.mutex.Lock()
	list := make([]entry[T], len(h.entries))
	copy(list, h.entries)
	h.mutex.Unlock()

	for _, e := range list {
		e.fn(v)
	}
}

func (h *handlers[T]) clear() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.entries = nil
}
