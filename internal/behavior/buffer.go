package behavior

// fifo is a bounded, order-preserving buffer. Pushing onto a full buffer
// evicts the oldest entry.
type fifo[T any] struct {
	items    []T
	capacity int
}

func newFIFO[T any](capacity int) *fifo[T] {
	return &fifo[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

func (f *fifo[T]) push(v T) {
	if len(f.items) == f.capacity {
		copy(f.items, f.items[1:])
		f.items = f.items[:f.capacity-1]
	}
	f.items = append(f.items, v)
}

func (f *fifo[T]) len() int {
	return len(f.items)
}

// snapshot returns a copy that is safe to read after the lock is released.
func (f *fifo[T]) snapshot() []T {
	out := make([]T, len(f.items))
	copy(out, f.items)
	return out
}
