package vision

import (
	"sync"
	"sync/atomic"
)

// Slot is a single-slot mailbox that keeps only the newest value.
//
// Put never blocks: a value still waiting in the slot is replaced and
// counted as dropped. The consumer receives from C.
type Slot[T any] struct {
	ch      chan T
	mu      sync.Mutex // serialises producers
	dropped atomic.Uint64
}

// NewSlot creates an empty slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{ch: make(chan T, 1)}
}

// Put stores v, discarding any value the consumer has not taken yet.
// It reports whether a value was discarded.
func (s *Slot[T]) Put(v T) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.ch <- v:
		return false
	default:
	}

	// Full. The consumer may take the old value concurrently, so the
	// receive must not block.
	select {
	case <-s.ch:
		dropped = true
		s.dropped.Add(1)
	default:
	}
	s.ch <- v
	return dropped
}

// C returns the receive side of the slot.
func (s *Slot[T]) C() <-chan T {
	return s.ch
}

// Dropped returns the number of discarded values.
func (s *Slot[T]) Dropped() uint64 {
	return s.dropped.Load()
}
