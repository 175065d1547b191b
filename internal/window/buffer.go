package window

// Buffer is a fixed-capacity FIFO: once full, each Push evicts the oldest item.
// A Buffer is not safe for concurrent use; it belongs to a single owner.
type Buffer[T any] struct {
	items []T
	start int
	size  int
}

// NewBuffer allocates a buffer holding at most capacity items.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("window capacity must be positive")
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when the buffer is full.
func (b *Buffer[T]) Push(v T) {
	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.start+b.size)%capacity] = v
		b.size++
		return
	}
	b.items[b.start] = v
	b.start = (b.start + 1) % capacity
}

// Items returns a copy of the contents, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}
	return out
}

func (b *Buffer[T]) Len() int { return b.size }
