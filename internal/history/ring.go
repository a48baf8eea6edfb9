// Package history provides fixed-capacity, concurrency-safe ring buffers used
// for every bounded in-memory history in the control plane.
package history

import "sync"

// DefaultCapacity is used when a non-positive capacity is requested
const DefaultCapacity = 1000

// Ring keeps the most recent Cap() items in insertion order
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	size  int
}

// NewRing creates a ring holding at most capacity items
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, overwriting the oldest item when full
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.start + r.size) % len(r.items)
	r.items[idx] = v
	if r.size < len(r.items) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.items)
}

// Len returns the number of stored items
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the capacity
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Items returns a copy of the stored items, oldest first
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}

// Last returns up to n most recent items, oldest first. A negative n
// returns everything.
func (r *Ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n < 0 || n > r.size {
		n = r.size
	}
	out := make([]T, n)
	skip := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.start+skip+i)%len(r.items)]
	}
	return out
}

// Newest returns the most recent item without copying the ring
func (r *Ring[T]) Newest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.items[(r.start+r.size-1)%len(r.items)], true
}

// DropWhile removes items from the oldest end while fn returns true and
// reports how many were removed
func (r *Ring[T]) DropWhile(fn func(T) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	dropped := 0
	for r.size > 0 && fn(r.items[r.start]) {
		r.items[r.start] = zero
		r.start = (r.start + 1) % len(r.items)
		r.size--
		dropped++
	}
	return dropped
}

// Reset removes all items
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make([]T, len(r.items))
	r.start = 0
	r.size = 0
}
