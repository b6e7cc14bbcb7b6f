// Package notify implements explicit publish/subscribe between the stack's components.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c0deZ3R0/go-persistent-stack/logging"
)

// Hub fans values out to subscribers. Handlers run synchronously on the
// publishing goroutine, in subscription order. A panicking handler is logged and
// does not stop delivery to the others.
type Hub[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[T]
	logger *logging.Logger
}

type subscriber[T any] struct {
	id        uint64
	fn        func(T)
	cancelled *atomic.Bool
}

// NewHub returns an empty hub. name is used when logging handler panics.
func NewHub[T any](name string) *Hub[T] {
	return &Hub[T]{logger: logging.WithComponent(logging.Component("notify/" + name))}
}

// Subscribe registers fn and returns a function that removes it. Once cancel
// returns, fn is not called again, even by a Publish already in progress; a
// call that has started may still be running. The cancel function is
// idempotent and safe to call from inside a handler.
func (h *Hub[T]) Subscribe(fn func(T)) (cancel func()) {
	cancelled := new(atomic.Bool)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscriber[T]{id: id, fn: fn, cancelled: cancelled})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancelled.Store(true)
			h.remove(id)
		})
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers v to every current subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	subs := make([]subscriber[T], len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, s := range subs {
		if s.cancelled.Load() {
			continue
		}
		h.deliver(s.fn, v)
	}
}

func (h *Hub[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(v)
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
