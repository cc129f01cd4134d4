package chatsync

import (
	"log/slog"
	"sync"
)

// registry is a topic → listener table. Each subscription gets its own
// token so unsubscribe removes exactly that listener, even when the same
// func value was registered twice.
type registry[K comparable, V any] struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[K][]subscription[V]
	logger    *slog.Logger
}

type subscription[V any] struct {
	token uint64
	fn    func(V)
}

func newRegistry[K comparable, V any](logger *slog.Logger) *registry[K, V] {
	return &registry[K, V]{
		listeners: make(map[K][]subscription[V]),
		logger:    logger,
	}
}

func (r *registry[K, V]) on(topic K, fn func(V)) func() {
	r.mu.Lock()
	r.next++
	token := r.next
	r.listeners[topic] = append(r.listeners[topic], subscription[V]{token: token, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			subs := r.listeners[topic]
			for i, s := range subs {
				if s.token == token {
					r.listeners[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// emit runs listeners synchronously, in registration order. A panicking
// listener is logged and skipped.
func (r *registry[K, V]) emit(topic K, v V) {
	r.mu.RLock()
	subs := append([]subscription[V](nil), r.listeners[topic]...)
	r.mu.RUnlock()
	for _, s := range subs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Warn("listener panicked", "topic", topic, "panic", p)
				}
			}()
			s.fn(v)
		}()
	}
}

func (r *registry[K, V]) count(topic K) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[topic])
}
