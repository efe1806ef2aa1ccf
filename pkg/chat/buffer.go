package chat

// DefaultCapacity is the default bound of a message buffer.
const DefaultCapacity = 100

// Buffer is a bounded FIFO of events in arrival order. It is not safe for
// concurrent use; a Room owns its buffer from a single goroutine.
type Buffer struct {
	items    []Event
	head     int
	size     int
	capacity int
}

// NewBuffer returns an empty buffer. A non-positive capacity uses DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{items: make([]Event, capacity), capacity: capacity}
}

// Append adds evt at the tail, evicting the oldest entry when full.
// It reports whether an eviction happened.
func (b *Buffer) Append(evt Event) bool {
	if b.size < b.capacity {
		b.items[(b.head+b.size)%b.capacity] = evt
		b.size++
		return false
	}
	b.items[b.head] = evt
	b.head = (b.head + 1) % b.capacity
	return true
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int { return b.size }

// Cap returns the bound.
func (b *Buffer) Cap() int { return b.capacity }

// Snapshot returns a copy of the buffered events, oldest first.
func (b *Buffer) Snapshot() []Event {
	out := make([]Event, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%b.capacity]
	}
	return out
}
