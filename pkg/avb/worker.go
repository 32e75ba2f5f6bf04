package avb

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/irctrakz/ifstack/pkg/logging"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval bounds the worker's wait so a stop request is seen
// promptly.
const DefaultPollInterval = 20 * time.Millisecond

// WorkerMetrics holds callback worker counters.
type WorkerMetrics struct {
	EgressDispatched  uint64
	IngressDispatched uint64
	Unroutable        uint64 // egress entries with no live registrant
	Refused           uint64 // enqueued while stopped
	Drained           uint64 // completed without dispatch at shutdown
	Starts            uint64
	Stops             uint64
}

// Worker delivers queued timestamp callbacks on a dedicated goroutine.
// Egress entries are always served before ingress entries. Every packet
// handed to Enqueue* is completed exactly once.
type Worker struct {
	name string
	poll time.Duration
	reg  *registry
	log  *logrus.Entry

	tx  *fifo[txEntry]
	rx  *fifo[rxEntry]
	sem *semaphore

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	ready   chan struct{}
	done    chan struct{}

	metrics WorkerMetrics
}

func newWorker(name string, poll time.Duration, reg *registry) *Worker {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Worker{
		name: name,
		poll: poll,
		reg:  reg,
		log:  logging.Component("avb").WithField("device", name),
		tx:   newFIFO[txEntry](),
		rx:   newFIFO[rxEntry](),
		sem:  newSemaphore(),
	}
}

// Start launches the worker and blocks until it is ready.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("callback worker %s already running", w.name)
	}
	w.stopCh = make(chan struct{})
	w.ready = make(chan struct{})
	w.done = make(chan struct{})
	w.tx.open()
	w.rx.open()

	go w.run(w.stopCh, w.ready, w.done)
	<-w.ready

	w.running = true
	atomic.AddUint64(&w.metrics.Starts, 1)
	w.log.Debug("Callback worker started")
	return nil
}

// Stop signals the worker and blocks until it has drained and exited.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.stopCh)
	<-w.done
	w.running = false
	atomic.AddUint64(&w.metrics.Stops, 1)
	w.log.Debug("Callback worker stopped")
}

// Running reports whether the worker goroutine is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// EnqueueEgress queues an egress timestamp for the registrant of id. While
// the worker is stopped the packet is completed and NotPermitted returned.
func (w *Worker) EnqueueEgress(id EgressID, pkt core.Packet, ts Timestamp) error {
	if pkt == nil {
		return core.NewError("enqueue egress", core.ErrCodeBadArgument, "nil packet")
	}
	if !w.tx.push(txEntry{id: id, pkt: pkt, ts: ts}) {
		core.CompletePacket(pkt)
		atomic.AddUint64(&w.metrics.Refused, 1)
		return core.NewError("enqueue egress", core.ErrCodeNotPermitted, "callback worker not running")
	}
	w.sem.Signal()
	return nil
}

// EnqueueIngress queues a timestamped packet for all ingress handlers.
// While the worker is stopped the packet is completed and NotPermitted
// returned.
func (w *Worker) EnqueueIngress(pkt core.Packet, ts Timestamp) error {
	if pkt == nil {
		return core.NewError("enqueue ingress", core.ErrCodeBadArgument, "nil packet")
	}
	if !w.rx.push(rxEntry{pkt: pkt, ts: ts}) {
		core.CompletePacket(pkt)
		atomic.AddUint64(&w.metrics.Refused, 1)
		return core.NewError("enqueue ingress", core.ErrCodeNotPermitted, "callback worker not running")
	}
	w.sem.Signal()
	return nil
}

func (w *Worker) run(stopCh, ready, done chan struct{}) {
	defer close(done)
	close(ready)

	for {
		select {
		case <-stopCh:
			w.drain()
			return
		default:
		}

		if !w.sem.Wait(w.poll) {
			continue
		}
		w.dispatchOne()
	}
}

// dispatchOne serves one egress entry, or one ingress entry when no egress
// entry is waiting.
func (w *Worker) dispatchOne() {
	if e, ok := w.tx.pop(); ok {
		if reg, ok := w.reg.lookupEgress(e.id); ok {
			reg.h.HandleEgressTimestamp(reg.ctx, e.id, e.pkt, e.ts)
			atomic.AddUint64(&w.metrics.EgressDispatched, 1)
		} else {
			atomic.AddUint64(&w.metrics.Unroutable, 1)
		}
		core.CompletePacket(e.pkt)
		return
	}
	if e, ok := w.rx.pop(); ok {
		for _, reg := range w.reg.ingressSnapshot() {
			reg.h.HandleIngress(reg.ctx, e.pkt, e.ts)
		}
		atomic.AddUint64(&w.metrics.IngressDispatched, 1)
		core.CompletePacket(e.pkt)
	}
}

// drain closes both queues and completes what is left without dispatch.
func (w *Worker) drain() {
	tx := w.tx.closeAndDrain()
	rx := w.rx.closeAndDrain()
	for _, e := range tx {
		core.CompletePacket(e.pkt)
	}
	for _, e := range rx {
		core.CompletePacket(e.pkt)
	}
	if n := len(tx) + len(rx); n > 0 {
		atomic.AddUint64(&w.metrics.Drained, uint64(n))
		w.log.Debugf("Completed %d undelivered callbacks at shutdown", n)
	}
}

// Pending returns the queued egress and ingress entries.
func (w *Worker) Pending() (egress, ingress int) {
	return w.tx.len(), w.rx.len()
}

// Signals returns the number of enqueue signals not yet consumed.
func (w *Worker) Signals() int { return w.sem.Count() }

// Metrics returns a snapshot of the worker counters.
func (w *Worker) Metrics() WorkerMetrics {
	return WorkerMetrics{
		EgressDispatched:  atomic.LoadUint64(&w.metrics.EgressDispatched),
		IngressDispatched: atomic.LoadUint64(&w.metrics.IngressDispatched),
		Unroutable:        atomic.LoadUint64(&w.metrics.Unroutable),
		Refused:           atomic.LoadUint64(&w.metrics.Refused),
		Drained:           atomic.LoadUint64(&w.metrics.Drained),
		Starts:            atomic.LoadUint64(&w.metrics.Starts),
		Stops:             atomic.LoadUint64(&w.metrics.Stops),
	}
}
