// Package buffer provides a fixed-capacity FIFO that evicts the oldest
// element on overflow. It is not safe for concurrent use; callers hold
// their own lock.
package buffer

// Ring is a bounded FIFO of T.
type Ring[T any] struct {
	items []T
	head  int
	size  int
}

// New creates a Ring with the given capacity. Capacity must be positive.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends an item, evicting the oldest when the buffer is full.
func (r *Ring[T]) Push(item T) {
	if r.size == len(r.items) {
		r.items[r.head] = item
		r.head = (r.head + 1) % len(r.items)
		return
	}
	r.items[(r.head+r.size)%len(r.items)] = item
	r.size++
}

// All returns a snapshot copy in insertion order.
func (r *Ring[T]) All() []T {
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

// Last returns a snapshot of the most recent min(n, Len()) items in
// insertion order.
func (r *Ring[T]) Last(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return []T{}
	}
	out := make([]T, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

// Clear empties the buffer.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}
