package avb

import (
	"sync"

	"github.com/irctrakz/ifstack/pkg/core"
)

// Timestamp is a presentation or egress time in nanoseconds.
type Timestamp uint64

type txEntry struct {
	id  EgressID
	pkt core.Packet
	ts  Timestamp
}

type rxEntry struct {
	pkt core.Packet
	ts  Timestamp
}

// fifo is an unbounded queue behind its own lock. A closed fifo refuses
// pushes, so every accepted entry is either popped or drained.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{closed: true}
}

func (q *fifo[T]) open() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

func (q *fifo[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	return true
}

func (q *fifo[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// closeAndDrain refuses further pushes and returns what was queued.
func (q *fifo[T]) closeAndDrain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	items := q.items
	q.items = nil
	return items
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
