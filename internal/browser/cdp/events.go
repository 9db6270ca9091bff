// internal/browser/cdp/events.go
package cdp

import "sync"

// listeners is a set of callbacks that can be removed individually.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	l.next++
	id := l.next
	l.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// emit calls every listener outside the lock, in no particular order.
func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

func (l *listeners[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fns = nil
}
