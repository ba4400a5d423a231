package chatsync

import "sync"

// listeners is a typed callback list. Callbacks run synchronously on the
// emitting goroutine, outside any component lock.
type listeners[T any] struct {
	mu  sync.RWMutex
	fns []func(T)
}

func (l *listeners[T]) add(fn func(T)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	fns := append([]func(T){}, l.fns...)
	l.mu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn(v)
		}()
	}
}

func (l *listeners[T]) clear() {
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}
