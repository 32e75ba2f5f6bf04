package core

import (
	"sync/atomic"
)

// Global debug flag that can be set via configuration
var debugMode uint32

// Packets completed more than once. Any non-zero value is an ownership bug.
var doubleCompletions uint64

// SetDebugMode sets the global debug mode flag
// When debug mode is enabled, packet data is copied for safety
// When disabled, packet data is not copied for performance
func SetDebugMode(enabled bool) {
	if enabled {
		atomic.StoreUint32(&debugMode, 1)
	} else {
		atomic.StoreUint32(&debugMode, 0)
	}
}

// IsDebugMode returns whether debug mode is enabled
func IsDebugMode() bool {
	return atomic.LoadUint32(&debugMode) == 1
}

// Packet represents a network packet
type Packet interface {
	// Data returns the packet data
	// In debug mode, this returns a copy of the data
	// In non-debug mode, this returns the internal data directly for performance
	Data() []byte

	// Length returns the packet length
	Length() int
}

// completionPacket is a Packet whose owner must be told exactly once that
// processing finished. The completion either returns the buffer to its
// pool or hands it back to the submitter.
type completionPacket struct {
	data     []byte
	complete func(Packet)
	done     uint32
}

// NewCompletionPacket wraps data as a Packet that must be completed with
// CompletePacket. complete may be nil. Do not mutate data after passing it
// in; in debug mode it is copied.
func NewCompletionPacket(data []byte, complete func(Packet)) Packet {
	if data == nil {
		data = make([]byte, 0)
	} else if IsDebugMode() {
		data = append([]byte(nil), data...)
	}
	return &completionPacket{data: data, complete: complete}
}

// NewPooledPacket copies data into a pooled buffer. Completing the packet
// returns the buffer to the pool.
func NewPooledPacket(data []byte) Packet {
	buf := GetBuffer(len(data))
	copy(buf, data)
	return &completionPacket{data: buf, complete: func(p Packet) {
		PutBuffer(p.(*completionPacket).data)
	}}
}

func (p *completionPacket) Data() []byte {
	if IsDebugMode() {
		return append([]byte(nil), p.data...)
	}
	return p.data
}

func (p *completionPacket) Length() int { return len(p.data) }

// Completed reports whether the packet has already been completed.
func (p *completionPacket) Completed() bool { return atomic.LoadUint32(&p.done) == 1 }

// CompletePacket runs the packet's completion. It returns true on the first
// call for a completion packet and false afterwards; repeated calls are
// counted as double completions and otherwise ignored. Other Packet
// implementations have nothing to complete and return true.
func CompletePacket(p Packet) bool {
	cp, ok := p.(*completionPacket)
	if !ok {
		return p != nil
	}
	if !atomic.CompareAndSwapUint32(&cp.done, 0, 1) {
		atomic.AddUint64(&doubleCompletions, 1)
		return false
	}
	if cp.complete != nil {
		cp.complete(cp)
	}
	return true
}

// IsCompleted reports whether p is a completion packet that was completed.
func IsCompleted(p Packet) bool {
	if cp, ok := p.(*completionPacket); ok {
		return cp.Completed()
	}
	return false
}

// DoubleCompletions returns the process-wide count of repeated completions.
func DoubleCompletions() uint64 {
	return atomic.LoadUint64(&doubleCompletions)
}
