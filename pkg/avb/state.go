// Package avb implements the per-device time-sync / AVB streaming state
// machine and the callback worker that delivers timestamped packets.
package avb

import (
	"fmt"
	"math"

	"github.com/irctrakz/ifstack/pkg/core"
)

// State is the streaming capability state of a device.
type State int

const (
	Disabled State = iota
	Activated
	TimeSyncEnabled
	AVBEnabled
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Activated:
		return "activated"
	case TimeSyncEnabled:
		return "timesync"
	case AVBEnabled:
		return "avb"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Streaming reports whether the state needs the callback worker.
func (s State) Streaming() bool {
	return s == TimeSyncEnabled || s == AVBEnabled
}

// Event drives a state transition.
type Event int

const (
	EventEnable Event = iota
	EventDisable
	EventStartTimeSync
	EventStopTimeSync
	EventStartStreaming
	EventStopStreaming
)

func (e Event) String() string {
	switch e {
	case EventEnable:
		return "enable"
	case EventDisable:
		return "disable"
	case EventStartTimeSync:
		return "start-timesync"
	case EventStopTimeSync:
		return "stop-timesync"
	case EventStartStreaming:
		return "start-streaming"
	case EventStopStreaming:
		return "stop-streaming"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Counters are the reference counts of time-sync and AVB users. They are
// kept across Disable so the next Enable restores the strongest state.
type Counters struct {
	TimeSync int32
	AVB      int32
}

func notPermitted(s State, ev Event) error {
	return core.NewError("avb "+ev.String(), core.ErrCodeNotPermitted, fmt.Sprintf("not permitted in state %s", s))
}

func exhausted(ev Event) error {
	return core.NewError("avb "+ev.String(), core.ErrCodeResourceExhausted, "reference count saturated")
}

// Transition applies ev to (s, c). On error the inputs are returned
// unchanged.
func Transition(s State, c Counters, ev Event) (State, Counters, error) {
	switch ev {
	case EventEnable:
		if s != Disabled {
			return s, c, nil
		}
		switch {
		case c.AVB > 0:
			return AVBEnabled, c, nil
		case c.TimeSync > 0:
			return TimeSyncEnabled, c, nil
		default:
			return Activated, c, nil
		}

	case EventDisable:
		return Disabled, c, nil

	case EventStartTimeSync:
		if s == Disabled {
			return s, c, notPermitted(s, ev)
		}
		if c.TimeSync == math.MaxInt32 {
			return s, c, exhausted(ev)
		}
		c.TimeSync++
		if s == Activated {
			return TimeSyncEnabled, c, nil
		}
		return s, c, nil

	case EventStopTimeSync:
		if (s != TimeSyncEnabled && s != AVBEnabled) || c.TimeSync <= 0 {
			return s, c, notPermitted(s, ev)
		}
		c.TimeSync--
		if s == TimeSyncEnabled && c.TimeSync == 0 {
			return Activated, c, nil
		}
		return s, c, nil

	case EventStartStreaming:
		if s != TimeSyncEnabled && s != AVBEnabled {
			return s, c, notPermitted(s, ev)
		}
		if c.AVB == math.MaxInt32 {
			return s, c, exhausted(ev)
		}
		c.AVB++
		return AVBEnabled, c, nil

	case EventStopStreaming:
		if s != AVBEnabled || c.AVB <= 0 {
			return s, c, notPermitted(s, ev)
		}
		c.AVB--
		if c.AVB > 0 {
			return s, c, nil
		}
		if c.TimeSync > 0 {
			return TimeSyncEnabled, c, nil
		}
		return Activated, c, nil
	}
	return s, c, core.NewError("avb", core.ErrCodeBadArgument, fmt.Sprintf("unknown event %d", int(ev)))
}
