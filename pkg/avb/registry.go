package avb

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/irctrakz/ifstack/pkg/core"
)

// EgressID routes an egress timestamp to exactly one registrant.
type EgressID uint16

// DefaultMaxEgressID is used when StreamingConfig.MaxEgressID is zero.
const DefaultMaxEgressID EgressID = 0xffff

// EgressHandler receives the egress timestamp of a transmitted packet. The
// packet is only borrowed for the duration of the call.
type EgressHandler interface {
	HandleEgressTimestamp(ctx any, id EgressID, pkt core.Packet, ts Timestamp)
}

// IngressHandler receives timestamped packets. Every registered handler
// sees every packet; the packet is only borrowed for the duration of the
// call.
type IngressHandler interface {
	HandleIngress(ctx any, pkt core.Packet, ts Timestamp)
}

type egressEntry struct {
	h   EgressHandler
	ctx any
}

type ingressEntry struct {
	h   IngressHandler
	ctx any
}

// isComparable reports whether v can be used as a registration key.
func isComparable(v any) bool {
	return v == nil || reflect.TypeOf(v).Comparable()
}

// registry holds callback registrations behind its own lock.
type registry struct {
	mu      sync.RWMutex
	maxID   EgressID
	cursor  EgressID
	egress  map[EgressID]egressEntry
	ingress []ingressEntry
}

func newRegistry(maxID EgressID) *registry {
	if maxID == 0 {
		maxID = DefaultMaxEgressID
	}
	return &registry{
		maxID:  maxID,
		egress: make(map[EgressID]egressEntry),
	}
}

// addEgress assigns the next free identifier in 1..maxID after the last
// one handed out.
func (r *registry) addEgress(h EgressHandler, ctx any) (EgressID, error) {
	if h == nil {
		return 0, core.NewError("register egress", core.ErrCodeBadArgument, "nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.egress) >= int(r.maxID) {
		return 0, core.NewError("register egress", core.ErrCodeResourceExhausted, fmt.Sprintf("all %d egress identifiers in use", r.maxID))
	}
	id := r.cursor
	for {
		if id >= r.maxID {
			id = 1
		} else {
			id++
		}
		if _, live := r.egress[id]; !live {
			break
		}
	}
	r.cursor = id
	r.egress[id] = egressEntry{h: h, ctx: ctx}
	return id, nil
}

func (r *registry) removeEgress(id EgressID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.egress[id]; !ok {
		return core.NewError("unregister egress", core.ErrCodeNotFound, fmt.Sprintf("egress id %d not registered", id))
	}
	delete(r.egress, id)
	return nil
}

func (r *registry) lookupEgress(id EgressID) (egressEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.egress[id]
	return e, ok
}

func (r *registry) addIngress(h IngressHandler, ctx any) error {
	if h == nil {
		return core.NewError("register ingress", core.ErrCodeBadArgument, "nil handler")
	}
	if !isComparable(h) || !isComparable(ctx) {
		return core.NewError("register ingress", core.ErrCodeBadArgument, "handler and context must be comparable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.ingress {
		if e.h == h && e.ctx == ctx {
			return core.NewError("register ingress", core.ErrCodeAlreadyExists, "handler already registered")
		}
	}
	r.ingress = append(r.ingress, ingressEntry{h: h, ctx: ctx})
	return nil
}

func (r *registry) removeIngress(h IngressHandler, ctx any) error {
	if !isComparable(h) || !isComparable(ctx) {
		return core.NewError("unregister ingress", core.ErrCodeBadArgument, "handler and context must be comparable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.ingress {
		if e.h == h && e.ctx == ctx {
			r.ingress = append(r.ingress[:i:i], r.ingress[i+1:]...)
			return nil
		}
	}
	return core.NewError("unregister ingress", core.ErrCodeNotFound, "handler not registered")
}

// ingressSnapshot returns the current ingress handlers.
func (r *registry) ingressSnapshot() []ingressEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ingressEntry(nil), r.ingress...)
}

func (r *registry) counts() (egress, ingress int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.egress), len(r.ingress)
}
