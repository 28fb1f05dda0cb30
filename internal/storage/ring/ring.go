// Package ring provides the fixed-capacity circular buffer backing the simple
// storage variant.
package ring

import (
	"sync"
	"sync/atomic"
)

// Ring is a thread-safe circular buffer.
type Ring[T any] struct {
	mu       sync.RWMutex
	data     []T
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64 // Current number of elements
	capacity int64

	// Statistics
	pushCount atomic.Int64
	popCount  atomic.Int64
	dropCount atomic.Int64
}

// New creates a new Ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Ring[T]{
		data:     make([]T, capacity),
		capacity: int64(capacity),
	}
}

// Push adds an element to the ring.
// Returns false if the ring is full and the element was dropped.
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count >= r.capacity {
		r.dropCount.Add(1)
		return false
	}

	r.pushUnlocked(v)
	return true
}

// PushOverwrite adds an element, overwriting the oldest if full.
// Returns true if an element was overwritten.
func (r *Ring[T]) PushOverwrite(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	overwrote := false
	if r.count >= r.capacity {
		var zero T
		r.data[r.tail%r.capacity] = zero
		r.tail++
		r.count--
		r.dropCount.Add(1)
		overwrote = true
	}

	r.pushUnlocked(v)
	return overwrote
}

func (r *Ring[T]) pushUnlocked(v T) {
	r.data[r.head%r.capacity] = v
	r.head++
	r.count++
	r.pushCount.Add(1)
}

// Pop removes and returns the oldest element.
// Returns false if the ring is empty.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}

	idx := r.tail % r.capacity
	v := r.data[idx]
	r.data[idx] = zero // Clear for GC
	r.tail++
	r.count--
	r.popCount.Add(1)

	return v, true
}

// PopN removes and returns up to n oldest elements.
func (r *Ring[T]) PopN(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 || n <= 0 {
		return nil
	}

	count := min(int64(n), r.count)

	var zero T
	result := make([]T, count)
	for i := int64(0); i < count; i++ {
		idx := (r.tail + i) % r.capacity
		result[i] = r.data[idx]
		r.data[idx] = zero
	}

	r.tail += count
	r.count -= count
	r.popCount.Add(count)

	return result
}

// Peek returns the oldest element without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.data[r.tail%r.capacity], true
}

// PeekNewest returns the newest element without removing it.
func (r *Ring[T]) PeekNewest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.data[(r.head-1)%r.capacity], true
}

// Snapshot returns all elements, oldest first, without removing them.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]T, r.count)
	for i := int64(0); i < r.count; i++ {
		result[i] = r.data[(r.tail+i)%r.capacity]
	}
	return result
}

// Len returns the current number of elements.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int(r.count)
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return int(r.capacity)
}

// IsEmpty returns true if the ring is empty.
func (r *Ring[T]) IsEmpty() bool {
	return r.Len() == 0
}

// IsFull returns true if the ring is full.
func (r *Ring[T]) IsFull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count >= r.capacity
}

// Clear removes all elements.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.data)
	r.head = 0
	r.tail = 0
	r.count = 0
}

// Stats returns ring statistics.
func (r *Ring[T]) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Capacity:   int(r.capacity),
		Count:      int(r.count),
		UsageRatio: float64(r.count) / float64(r.capacity),
		PushCount:  r.pushCount.Load(),
		PopCount:   r.popCount.Load(),
		DropCount:  r.dropCount.Load(),
	}
}

// Stats holds ring statistics.
type Stats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	PopCount   int64
	DropCount  int64
}
