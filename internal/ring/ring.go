// Package ring provides the bounded multi-producer/single-consumer channel
// the scheduler drains its command stream from.
package ring

import (
	"fmt"
	"time"
)

// DefaultLog2Capacity sizes the channel at 1<<16 slots, enough to absorb a
// frame's worth of recorded commands without stalling producers.
const DefaultLog2Capacity = 16

const maxLog2Capacity = 24

// Buffer is a bounded FIFO handing values from any number of producers to a
// single consumer.
//
// Ownership of a value transfers into the buffer when Stash returns and out
// of it when GrabWithTimeout returns; no two goroutines ever observe the
// same value concurrently.
type Buffer[T any] struct {
	ch chan T
}

// New creates a Buffer with 1<<log2Capacity slots. A log2Capacity outside
// [1, 24] is a programming error and panics.
func New[T any](log2Capacity int) *Buffer[T] {
	if log2Capacity < 1 || log2Capacity > maxLog2Capacity {
		panic(fmt.Sprintf("ring: log2 capacity %d out of range [1, %d]", log2Capacity, maxLog2Capacity))
	}
	return &Buffer[T]{
		ch: make(chan T, 1<<log2Capacity),
	}
}

// Cap returns the buffer's slot count.
func (b *Buffer[T]) Cap() int { return cap(b.ch) }

// Len returns the number of values currently queued.
func (b *Buffer[T]) Len() int { return len(b.ch) }

// Stash enqueues v, blocking while the buffer is full. Backpressure is the
// only flow control: a value is never dropped once Stash returns.
// Safe to call from any number of goroutines.
func (b *Buffer[T]) Stash(v T) {
	b.ch <- v
}

// GrabWithTimeout dequeues the oldest value, waiting up to d for one to
// arrive. It returns the zero value and false on timeout, with no side
// effect. Only the single consumer may call it.
func (b *Buffer[T]) GrabWithTimeout(d time.Duration) (T, bool) {
	// Fast path: something is already queued.
	select {
	case v := <-b.ch:
		return v, true
	default:
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case v := <-b.ch:
		return v, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}
