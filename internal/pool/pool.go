// Package pool provides object pooling for the transport hot paths.
//
// Pool is a typed wrapper around sync.Pool, used for datagram and send
// buffers. Bounded is a fixed-capacity lookaside list: Get never blocks and
// falls back to the constructor when the list is empty, Put discards the
// item once the list is full. Bounded is used for send contexts, where the
// steady-state population must stay capped.
package pool

import "sync"

// Pool is a generic wrapper around sync.Pool.
type Pool[T any] struct {
	internal sync.Pool
}

// New creates a new Pool with the given constructor.
func New[T any](newFn func() T) *Pool[T] {
	return &Pool[T]{
		internal: sync.Pool{
			New: func() any {
				return newFn()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *Pool[T]) Get() T {
	return p.internal.Get().(T)
}

// Put returns an item to the pool.
func (p *Pool[T]) Put(item T) {
	p.internal.Put(item)
}

// Bounded is a lookaside list with a fixed capacity. The fast path is a
// buffered channel; the cold path allocates through the constructor.
type Bounded[T any] struct {
	free  chan T
	newFn func() T
}

// NewBounded creates a Bounded pool holding at most capacity free items.
func NewBounded[T any](capacity int, newFn func() T) *Bounded[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bounded[T]{
		free:  make(chan T, capacity),
		newFn: newFn,
	}
}

// Get pops a free item, or allocates one when the list is empty. It never
// blocks.
func (b *Bounded[T]) Get() T {
	select {
	case item := <-b.free:
		return item
	default:
		return b.newFn()
	}
}

// Put pushes an item back. Items beyond the capacity are dropped for the
// garbage collector.
func (b *Bounded[T]) Put(item T) {
	select {
	case b.free <- item:
	default:
	}
}

// Drain empties the free list. Called on transport teardown.
func (b *Bounded[T]) Drain() {
	for {
		select {
		case <-b.free:
		default:
			return
		}
	}
}
