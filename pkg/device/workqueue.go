// Package device provides controller implementations and the per-device
// serialization context they share.
package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/ifstack/pkg/logging"
)

type workItem struct {
	fn   func() error
	done chan error
}

// WorkQueue runs submitted functions one at a time on a dedicated
// goroutine. It is the device's serialization context: state-mutating
// ioctls and the receive path both go through it, so they never
// interleave. Functions run on the queue must not call Execute on the same
// queue.
type WorkQueue struct {
	name    string
	reqs    chan workItem
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	executed uint64
}

// NewWorkQueue creates a stopped work queue.
func NewWorkQueue(name string) *WorkQueue {
	return &WorkQueue{
		name: name,
		reqs: make(chan workItem),
	}
}

// Start starts the queue goroutine.
func (q *WorkQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return fmt.Errorf("work queue %s already running", q.name)
	}
	q.stopCh = make(chan struct{})
	q.running = true

	q.wg.Add(1)
	go q.loop(q.stopCh)

	logging.Debugf("Work queue %s started", q.name)
	return nil
}

// Stop stops the queue after the function in progress (if any) returns.
// Execute calls that have not been picked up fail.
func (q *WorkQueue) Stop() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()
	logging.Debugf("Work queue %s stopped", q.name)
	return nil
}

// Execute runs fn on the queue goroutine and returns its error.
func (q *WorkQueue) Execute(fn func() error) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return fmt.Errorf("work queue %s not running", q.name)
	}
	stopCh := q.stopCh
	q.mu.Unlock()

	item := workItem{fn: fn, done: make(chan error, 1)}
	select {
	case q.reqs <- item:
	case <-stopCh:
		return fmt.Errorf("work queue %s stopped", q.name)
	}
	return <-item.done
}

// Executed returns the number of functions run so far.
func (q *WorkQueue) Executed() uint64 {
	return atomic.LoadUint64(&q.executed)
}

func (q *WorkQueue) loop(stopCh chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case item := <-q.reqs:
			item.done <- item.fn()
			atomic.AddUint64(&q.executed, 1)
		}
	}
}
