// internal/session/buffer.go
package session

import "sync"

// Buffer is a fixed-capacity FIFO. Once full, each write evicts the oldest entry.
type Buffer[T any] struct {
	mu       sync.Mutex
	entries  []T
	capacity int
	head     int // next write position once full
	dropped  int64
}

// NewBuffer returns a buffer holding at most capacity entries.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{entries: make([]T, 0, capacity), capacity: capacity}
}

// Push appends v, evicting the oldest entry when full.
func (b *Buffer[T]) Push(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, v)
		return
	}
	b.entries[b.head] = v
	b.head = (b.head + 1) % b.capacity
	b.dropped++
}

// Snapshot returns the entries oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, 0, len(b.entries))
	out = append(out, b.entries[b.head:]...)
	out = append(out, b.entries[:b.head]...)
	return out
}

// Len returns the number of entries held.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns how many entries have been evicted.
func (b *Buffer[T]) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Clear empties the buffer.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
	b.head = 0
}

// bufferSet keys buffers by page target ID.
type bufferSet[T any] struct {
	mu       sync.Mutex
	capacity int
	byTarget map[string]*Buffer[T]
}

func newBufferSet[T any](capacity int) *bufferSet[T] {
	return &bufferSet[T]{capacity: capacity, byTarget: make(map[string]*Buffer[T])}
}

// get returns the buffer for targetID, creating it on first use.
func (s *bufferSet[T]) get(targetID string) *Buffer[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byTarget[targetID]
	if !ok {
		b = NewBuffer[T](s.capacity)
		s.byTarget[targetID] = b
	}
	return b
}

// lookup returns the buffer for targetID without creating one.
func (s *bufferSet[T]) lookup(targetID string) (*Buffer[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byTarget[targetID]
	return b, ok
}

func (s *bufferSet[T]) remove(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTarget, targetID)
}
