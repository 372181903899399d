// Package ringbuf implements a small growable ring buffer used to hold
// per-frame input history for the rollback engine.
package ringbuf

// Buffer is a ring of T indexed relative to its current front. Unlike a
// fixed-capacity ring, it grows past its initial capacity rather than
// overwriting — the rollback engine truncates the front explicitly once
// frames are confirmed, so the buffer never needs to wrap.
type Buffer[T any] struct {
	data []T
}

// New returns an empty buffer with room for capacity elements before the
// first reallocation.
func New[T any](capacity int) *Buffer[T] {
	return &Buffer[T]{data: make([]T, 0, capacity)}
}

// Len returns the number of elements currently held.
func (b *Buffer[T]) Len() int {
	return len(b.data)
}

// PushBack appends v to the end of the buffer.
func (b *Buffer[T]) PushBack(v T) {
	b.data = append(b.data, v)
}

// At returns the element at index i, relative to the current front.
func (b *Buffer[T]) At(i int) T {
	return b.data[i]
}

// Set overwrites the element at index i.
func (b *Buffer[T]) Set(i int, v T) {
	b.data[i] = v
}

// TruncFront discards the first n elements.
func (b *Buffer[T]) TruncFront(n int) {
	if n <= 0 {
		return
	}

	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}

	copy(b.data, b.data[n:])
	b.data = b.data[:len(b.data)-n]
}

// Back returns the last element. Panics if the buffer is empty.
func (b *Buffer[T]) Back() T {
	return b.data[len(b.data)-1]
}
