// Package dsp provides small signal-processing primitives shared by the
// analysis pipeline: fixed-capacity ring buffers, envelope followers and
// numeric helpers.
package dsp

// Ring is a fixed-capacity circular buffer. Once full, each Push evicts
// the oldest element. The zero value is not usable; construct with NewRing.
type Ring[T any] struct {
	data  []T
	head  int // next write position
	count int
}

// NewRing returns an empty ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.data[r.head] = v
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// Count reports how many elements the ring currently holds.
func (r *Ring[T]) Count() int { return r.count }

// Cap reports the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.data) }

// Full reports whether the ring has reached capacity.
func (r *Ring[T]) Full() bool { return r.count == len(r.data) }

// At returns the element at age-ordered index i: At(0) is the oldest
// element, At(Count()-1) the newest. It panics if i is out of range,
// matching slice semantics.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.count {
		panic("dsp: ring index out of range")
	}
	start := r.head - r.count
	if start < 0 {
		start += len(r.data)
	}
	return r.data[(start+i)%len(r.data)]
}

// Latest returns the element pushed back steps ago: Latest(0) is the
// newest element, Latest(1) the one before it.
func (r *Ring[T]) Latest(back int) T {
	return r.At(r.count - 1 - back)
}

// CopyTo linearizes the ring into dst, oldest first, and returns the
// number of elements written (min of Count and len(dst)).
func (r *Ring[T]) CopyTo(dst []T) int {
	n := r.count
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = r.At(i)
	}
	return n
}

// Reset discards all elements without reallocating.
func (r *Ring[T]) Reset() {
	r.head = 0
	r.count = 0
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
}
