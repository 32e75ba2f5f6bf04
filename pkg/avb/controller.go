package avb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/irctrakz/ifstack/pkg/logging"
	"github.com/sirupsen/logrus"
)

// Hardware applies a state change to the device. An error aborts the
// transition.
type Hardware interface {
	ApplyAVBState(from, to State) error
}

// StateObserver is told about every committed state change. It runs with
// the controller's state lock held, so it must not call the controller's
// plain methods. A transition requested through Apply with nctx fails with
// InternalError instead of deadlocking.
type StateObserver interface {
	AVBStateChanged(nctx context.Context, ctx any, from, to State)
}

// notifyKey marks a context handed to observers of one controller.
type notifyKey struct{}

// ObserverHandle identifies an observer registration.
type ObserverHandle uint64

type observerEntry struct {
	handle ObserverHandle
	obs    StateObserver
	ctx    any
}

// Controller is the streaming state machine of one device. Entering a
// streaming state starts the callback worker; leaving both streaming
// states stops it.
type Controller struct {
	name string
	hw   Hardware
	reg  *registry
	log  *logrus.Entry

	worker *Worker

	mu         sync.Mutex
	state      State
	counters   Counters
	observers  []observerEntry
	nextHandle ObserverHandle

	transitions uint64
	rejected    uint64
}

// NewController creates a Disabled controller. hw may be nil.
func NewController(name string, cfg core.StreamingConfig, hw Hardware) *Controller {
	reg := newRegistry(EgressID(cfg.MaxEgressID))
	return &Controller{
		name:   name,
		hw:     hw,
		reg:    reg,
		log:    logging.Component("avb").WithField("device", name),
		worker: newWorker(name, cfg.PollInterval, reg),
	}
}

func (c *Controller) Enable() error         { return c.Apply(context.Background(), EventEnable) }
func (c *Controller) Disable() error        { return c.Apply(context.Background(), EventDisable) }
func (c *Controller) StartTimeSync() error  { return c.Apply(context.Background(), EventStartTimeSync) }
func (c *Controller) StopTimeSync() error   { return c.Apply(context.Background(), EventStopTimeSync) }
func (c *Controller) StartStreaming() error { return c.Apply(context.Background(), EventStartStreaming) }
func (c *Controller) StopStreaming() error  { return c.Apply(context.Background(), EventStopStreaming) }

// Apply runs ev through Transition under the state lock, drives the
// hardware hook and the worker, and notifies observers of a change.
// Callers wait for the lock; only a ctx carrying this controller's
// notification marker is refused.
func (c *Controller) Apply(ctx context.Context, ev Event) error {
	if owner, _ := ctx.Value(notifyKey{}).(*Controller); owner == c {
		atomic.AddUint64(&c.rejected, 1)
		return core.NewError("avb "+ev.String(), core.ErrCodeInternal, "re-entrant transition during state notification")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.state
	next, counters, err := Transition(old, c.counters, ev)
	if err != nil {
		atomic.AddUint64(&c.rejected, 1)
		return err
	}

	if next != old && c.hw != nil {
		if err := c.hw.ApplyAVBState(old, next); err != nil {
			atomic.AddUint64(&c.rejected, 1)
			return core.WrapError("avb "+ev.String(), core.ErrCodeInternal, err)
		}
	}

	if !old.Streaming() && next.Streaming() {
		if err := c.worker.Start(); err != nil {
			if c.hw != nil {
				if rbErr := c.hw.ApplyAVBState(next, old); rbErr != nil {
					c.log.Warnf("Hardware rollback to %s failed: %v", old, rbErr)
				}
			}
			atomic.AddUint64(&c.rejected, 1)
			return core.WrapError("avb "+ev.String(), core.ErrCodeInternal, err)
		}
	}

	c.state = next
	c.counters = counters
	atomic.AddUint64(&c.transitions, 1)

	if old.Streaming() && !next.Streaming() {
		c.worker.Stop()
	}

	if next != old {
		c.log.WithFields(logrus.Fields{"from": old.String(), "to": next.String(), "event": ev.String()}).Info("State changed")
		c.notifyLocked(old, next)
	}
	return nil
}

func (c *Controller) notifyLocked(old, next State) {
	nctx := context.WithValue(context.Background(), notifyKey{}, c)
	for _, o := range c.observers {
		o.obs.AVBStateChanged(nctx, o.ctx, old, next)
	}
}

// State returns the current state and reference counts.
func (c *Controller) State() (State, Counters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.counters, nil
}

// RegisterObserver adds an observer. The (observer, ctx) pair must be
// unique and comparable.
func (c *Controller) RegisterObserver(obs StateObserver, ctx any) (ObserverHandle, error) {
	if obs == nil {
		return 0, core.NewError("register observer", core.ErrCodeBadArgument, "nil observer")
	}
	if !isComparable(obs) || !isComparable(ctx) {
		return 0, core.NewError("register observer", core.ErrCodeBadArgument, "observer and context must be comparable")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, o := range c.observers {
		if o.obs == obs && o.ctx == ctx {
			return 0, core.NewError("register observer", core.ErrCodeAlreadyExists, "observer already registered")
		}
	}
	c.nextHandle++
	h := c.nextHandle
	c.observers = append(c.observers, observerEntry{handle: h, obs: obs, ctx: ctx})
	return h, nil
}

// UnregisterObserver removes an observer by handle.
func (c *Controller) UnregisterObserver(h ObserverHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, o := range c.observers {
		if o.handle == h {
			c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
			return nil
		}
	}
	return core.NewError("unregister observer", core.ErrCodeNotFound, fmt.Sprintf("observer %d not registered", h))
}

// RegisterEgressHandler returns the identifier under which h receives
// egress timestamps.
func (c *Controller) RegisterEgressHandler(h EgressHandler, ctx any) (EgressID, error) {
	return c.reg.addEgress(h, ctx)
}

// UnregisterEgressHandler releases id.
func (c *Controller) UnregisterEgressHandler(id EgressID) error {
	return c.reg.removeEgress(id)
}

// RegisterIngressHandler adds h to the ingress broadcast list.
func (c *Controller) RegisterIngressHandler(h IngressHandler, ctx any) error {
	return c.reg.addIngress(h, ctx)
}

// UnregisterIngressHandler removes h from the ingress broadcast list.
func (c *Controller) UnregisterIngressHandler(h IngressHandler, ctx any) error {
	return c.reg.removeIngress(h, ctx)
}

// CompleteEgress queues the egress timestamp of a transmitted packet.
func (c *Controller) CompleteEgress(id EgressID, pkt core.Packet, ts Timestamp) error {
	return c.worker.EnqueueEgress(id, pkt, ts)
}

// DeliverIngress queues a received timestamped packet.
func (c *Controller) DeliverIngress(pkt core.Packet, ts Timestamp) error {
	return c.worker.EnqueueIngress(pkt, ts)
}

// Worker returns the callback worker.
func (c *Controller) Worker() *Worker { return c.worker }

// Shutdown disables the controller, which stops the worker.
func (c *Controller) Shutdown() error {
	return c.Disable()
}

// Metrics returns controller and worker counters for the metrics reporter.
func (c *Controller) Metrics() map[string]uint64 {
	wm := c.worker.Metrics()
	egress, ingress := c.reg.counts()
	txq, rxq := c.worker.Pending()
	return map[string]uint64{
		"transitions":        atomic.LoadUint64(&c.transitions),
		"rejected":           atomic.LoadUint64(&c.rejected),
		"egress_handlers":    uint64(egress),
		"ingress_handlers":   uint64(ingress),
		"egress_dispatched":  wm.EgressDispatched,
		"ingress_dispatched": wm.IngressDispatched,
		"unroutable":         wm.Unroutable,
		"refused":            wm.Refused,
		"drained":            wm.Drained,
		"egress_queue":       uint64(txq),
		"ingress_queue":      uint64(rxq),
		"pending_signals":    uint64(c.worker.Signals()),
		"worker_starts":      wm.Starts,
	}
}
