package bridge

import (
	"sync/atomic"

	"github.com/irctrakz/ifstack/pkg/core"
)

// Disabled reports whether the device is currently powered down.
func (b *Interface) Disabled() bool {
	return atomic.LoadUint32(&b.disabled) == 1
}

// PowerWillChange is called before a power transition. Losing usability
// disables the interface right away so no mutating ioctl races the
// transition.
func (b *Interface) PowerWillChange(usable bool) {
	if !usable && atomic.CompareAndSwapUint32(&b.disabled, 0, 1) {
		b.log.Info("Interface disabled ahead of power change")
	}
}

// PowerDidChange is called once the transition completed.
func (b *Interface) PowerDidChange(usable bool) {
	if usable {
		if atomic.CompareAndSwapUint32(&b.disabled, 1, 0) {
			b.log.Info("Interface re-enabled")
		}
		return
	}
	if atomic.CompareAndSwapUint32(&b.disabled, 0, 1) {
		b.log.Info("Interface disabled")
	}
}

// HandlePower dispatches a power notification by phase.
func (b *Interface) HandlePower(phase core.PowerPhase, usable bool) {
	if phase == core.PowerWillChange {
		b.PowerWillChange(usable)
		return
	}
	b.PowerDidChange(usable)
}

// OutputPacket hands pkt to the device send path. While disabled the packet
// is dropped and completed here.
func (b *Interface) OutputPacket(pkt core.Packet) error {
	if pkt == nil {
		return b.errorf("output", core.ErrCodeBadArgument, "nil packet")
	}
	if b.Disabled() {
		core.CompletePacket(pkt)
		atomic.AddUint64(&b.metrics.OutputDrops, 1)
		return b.errorf("output", core.ErrCodeDeviceUnusable, "device powered down")
	}
	if err := b.dev.Transmit(pkt); err != nil {
		atomic.AddUint64(&b.metrics.OutputDrops, 1)
		return core.WrapError("output", core.ErrCodeInternal, err)
	}
	atomic.AddUint64(&b.metrics.OutputPackets, 1)
	return nil
}
