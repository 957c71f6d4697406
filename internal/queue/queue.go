// Package queue provides a bounded FIFO with O(1) enqueue, dequeue and
// position lookup by element key.
package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrFull is returned by Put when the queue holds cap elements.
	ErrFull = errors.New("queue is full")
	// ErrEmpty is returned by Next when no element is waiting.
	ErrEmpty = errors.New("queue is empty")
)

// Queue is a fixed-capacity ring buffer plus a key→slot map, so position
// queries never scan. Position 0 is the element most recently returned by
// Next (the one being worked on); position 1 is the head of the waiting
// elements.
//
// Queue is not internally synchronized; the owner serializes access.
type Queue[K comparable, T any] struct {
	ring  []T
	index map[K]int
	keyFn func(T) K

	nextRead  int // slot of the waiting head
	nextWrite int // slot the next Put fills

	current    T
	hasCurrent bool
}

// New creates a queue holding at most capacity waiting elements.
// keyFn extracts the identifier used for position lookups.
func New[K comparable, T any](capacity int, keyFn func(T) K) *Queue[K, T] {
	if capacity < 1 {
		panic(fmt.Sprintf("queue: capacity must be >= 1, got %d", capacity))
	}
	return &Queue[K, T]{
		ring:  make([]T, capacity),
		index: make(map[K]int, capacity),
		keyFn: keyFn,
	}
}

// Len is the number of waiting elements. The current element is excluded.
func (q *Queue[K, T]) Len() int { return len(q.index) }

// Cap is the fixed capacity.
func (q *Queue[K, T]) Cap() int { return len(q.ring) }

// Put places elm at the tail, or returns ErrFull.
func (q *Queue[K, T]) Put(elm T) error {
	// Emptiness and fullness are decided by the index map; the two cursors
	// being equal is ambiguous between the two.
	if len(q.index) == len(q.ring) {
		return fmt.Errorf("%w: cap=%d", ErrFull, len(q.ring))
	}

	q.ring[q.nextWrite] = elm
	q.index[q.keyFn(elm)] = q.nextWrite
	q.nextWrite = (q.nextWrite + 1) % len(q.ring)
	return nil
}

// Next removes and returns the waiting head, which becomes the current
// element. Calling Next on an empty queue does not advance cursors.
func (q *Queue[K, T]) Next() (T, error) {
	var zero T
	if len(q.index) == 0 {
		return zero, ErrEmpty
	}

	elm := q.ring[q.nextRead]
	q.ring[q.nextRead] = zero
	delete(q.index, q.keyFn(elm))
	q.nextRead = (q.nextRead + 1) % len(q.ring)

	q.current = elm
	q.hasCurrent = true
	return elm, nil
}

// Position reports where the element with the given key sits: 0 for the
// current element, k >= 1 for the k-th waiting element. The second return
// is false if the key is unknown.
func (q *Queue[K, T]) Position(key K) (int, bool) {
	if q.hasCurrent && q.keyFn(q.current) == key {
		return 0, true
	}
	slot, ok := q.index[key]
	if !ok {
		return 0, false
	}
	if slot >= q.nextRead {
		return slot - q.nextRead + 1, true
	}
	// The ring wrapped between the head and this slot.
	return len(q.ring) - q.nextRead + slot + 1, true
}

// Snapshot maps position → element without mutating state. The current
// element, if any, appears at key 0.
func (q *Queue[K, T]) Snapshot() map[int]T {
	out := make(map[int]T, len(q.index)+1)
	if q.hasCurrent {
		out[0] = q.current
	}
	for key, slot := range q.index {
		pos, _ := q.Position(key)
		out[pos] = q.ring[slot]
	}
	return out
}

// ClearCurrent forgets the current element so it no longer answers
// position 0. Called once work on it has reached a terminal state.
func (q *Queue[K, T]) ClearCurrent() {
	var zero T
	q.current = zero
	q.hasCurrent = false
}
