package cache

import "sync"

// Ring is an append-only buffer capped at maxEntries; appends beyond the cap
// evict from the front. Used for in-memory bar and event buffers.
type Ring[T any] struct {
	mu         sync.RWMutex
	maxEntries int
	items      []T
}

// NewRing creates a ring holding at most maxEntries items.
func NewRing[T any](maxEntries int) *Ring[T] {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Ring[T]{maxEntries: maxEntries}
}

// Append adds an item, evicting the oldest when full.
func (r *Ring[T]) Append(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > r.maxEntries {
		r.items = r.items[len(r.items)-r.maxEntries:]
	}
}

// Items returns a copy of the buffered items, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Last returns the most recent item, if any.
func (r *Ring[T]) Last() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[len(r.items)-1], true
}

// Len returns the current item count.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Clear empties the buffer.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}
