package lifecycle

import (
	"fmt"

	"github.com/irctrakz/ifstack/pkg/bridge"
	"github.com/irctrakz/ifstack/pkg/core"
)

// State is the lifecycle state of an interface record.
type State int

const (
	StateInactive State = iota
	StatePublished
	StateAttaching
	StateAttached
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StatePublished:
		return "published"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// record tracks one device. All fields are guarded by Manager.mu.
type record struct {
	dev    core.Controller
	prefix string
	unit   uint32

	// phase is the lifecycle position; active is cleared on termination
	// and makes State report inactive whatever the phase.
	phase       State
	active      bool
	registering bool
	disabled    bool

	bridge *bridge.Interface
}

func (r *record) state() State {
	if !r.active {
		return StateInactive
	}
	return r.phase
}

func (r *record) name() string {
	return fmt.Sprintf("%s%d", r.prefix, r.unit)
}

func (r *record) info() Info {
	i := Info{
		DeviceID: r.dev.ID(),
		Prefix:   r.prefix,
		State:    r.state(),
		Disabled: r.disabled,
	}
	if r.phase == StateAttaching || r.phase == StateAttached {
		i.Unit = r.unit
		i.Name = r.name()
	}
	return i
}

// Info is a snapshot of an interface record.
type Info struct {
	DeviceID string
	Prefix   string
	Unit     uint32
	Name     string // empty until a unit is assigned
	State    State
	Disabled bool
}

const maxPrefixLen = 15

// validPrefix reports whether p is usable as an interface name prefix:
// 1 to 15 ASCII letters.
func validPrefix(p string) bool {
	if p == "" || len(p) > maxPrefixLen {
		return false
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}
