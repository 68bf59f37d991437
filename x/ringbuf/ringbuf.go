package ringbuf

// Ring is a fixed-capacity ring buffer that overwrites oldest-first.
// It is not safe for concurrent use; each owner keeps its own ring.
type Ring[T any] struct {
	buf  []T
	head int // next write position
	n    int
}

// New allocates a ring with the given capacity (minimum 1).
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, overwriting the oldest element when full.
func (r *Ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// Len reports the number of stored elements.
func (r *Ring[T]) Len() int { return r.n }

// Cap reports the capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// At returns the i-th element, oldest first. i must be in [0, Len).
func (r *Ring[T]) At(i int) T {
	start := r.head - r.n
	if start < 0 {
		start += len(r.buf)
	}
	return r.buf[(start+i)%len(r.buf)]
}

// Oldest returns the oldest element; ok is false when empty.
func (r *Ring[T]) Oldest() (v T, ok bool) {
	if r.n == 0 {
		return v, false
	}
	return r.At(0), true
}

// Newest returns the most recently pushed element; ok is false when empty.
func (r *Ring[T]) Newest() (v T, ok bool) {
	if r.n == 0 {
		return v, false
	}
	return r.At(r.n - 1), true
}
