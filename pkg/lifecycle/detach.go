package lifecycle

import (
	"sync/atomic"

	"github.com/irctrakz/ifstack/pkg/logging"
)

// enqueueDetachLocked appends r to the detach FIFO and wakes the worker.
// m.mu must be held.
func (m *Manager) enqueueDetachLocked(r *record) {
	m.detachQ = append(m.detachQ, r)
	if warn := m.cfg.DetachQueueWarn; warn > 0 && len(m.detachQ) > warn {
		m.log.Warnf("Detach backlog at %d interfaces", len(m.detachQ))
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dequeue pops the oldest pending detach and marks it in flight.
func (m *Manager) dequeue() *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.detachQ) == 0 {
		return nil
	}
	r := m.detachQ[0]
	m.detachQ[0] = nil
	m.detachQ = m.detachQ[1:]
	m.inFlight = true
	return r
}

// detachLoop runs one detach at a time in FIFO order. On stop it drains
// whatever is still queued.
func (m *Manager) detachLoop(stopCh chan struct{}) {
	defer m.wg.Done()
	for {
		for r := m.dequeue(); r != nil; r = m.dequeue() {
			m.finishDetach(r)
			m.settle()
		}
		select {
		case <-m.wake:
		case <-stopCh:
			for r := m.dequeue(); r != nil; r = m.dequeue() {
				m.finishDetach(r)
				m.settle()
			}
			return
		}
	}
}

// settle clears the in-flight mark set by dequeue. Only the worker calls it.
func (m *Manager) settle() {
	m.mu.Lock()
	m.inFlight = false
	if len(m.detachQ) == 0 {
		m.idle.Broadcast()
	}
	m.mu.Unlock()
}

// finishDetach detaches r from the stack, releases its unit and closes the
// device. A stack-reported detach error is logged; the unit and device are
// released regardless.
func (m *Manager) finishDetach(r *record) {
	log := logging.Interface("lifecycle", r.prefix, r.unit)

	if r.bridge != nil {
		if err := r.bridge.DetachFromStack(); err != nil {
			atomic.AddUint64(&m.metrics.DetachErrors, 1)
			log.Warnf("Detach reported error: %v", err)
		}
	}

	m.mu.Lock()
	r.phase = StateInactive
	r.bridge = nil
	m.units.Release(r.prefix, r.unit)
	m.mu.Unlock()

	r.dev.Close(m)
	atomic.AddUint64(&m.metrics.Detached, 1)
	m.terminated(r.dev)
	log.Info("Interface detached and closed")
}

// WaitIdle blocks until no detach is queued or in flight.
func (m *Manager) WaitIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.detachQ) > 0 || m.inFlight {
		m.idle.Wait()
	}
}
