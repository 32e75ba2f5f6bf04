package bridge

import (
	"fmt"
	"sync/atomic"

	"github.com/irctrakz/ifstack/pkg/core"
)

const minMTU = 68

// PerformIoctl answers read-only commands directly and runs mutating ones
// on the device's work queue. Mutating commands fail with DeviceUnusable
// while the device is powered down.
func (b *Interface) PerformIoctl(cmd core.IoctlCmd, req *core.IoctlRequest) error {
	atomic.AddUint64(&b.metrics.Ioctls, 1)

	if !cmd.Valid() {
		atomic.AddUint64(&b.metrics.IoctlsRejected, 1)
		return b.errorf("ioctl", core.ErrCodeBadArgument, "unknown command %d", int(cmd))
	}
	if req == nil {
		atomic.AddUint64(&b.metrics.IoctlsRejected, 1)
		return b.errorf("ioctl", core.ErrCodeBadArgument, "%s: nil request", cmd)
	}

	if !cmd.Mutating() {
		b.readIoctl(cmd, req)
		return nil
	}

	if b.Disabled() {
		atomic.AddUint64(&b.metrics.IoctlsRejected, 1)
		return b.errorf("ioctl", core.ErrCodeDeviceUnusable, "%s: device powered down", cmd)
	}

	err := b.dev.Execute(func() error {
		return b.applyIoctl(cmd, req)
	})
	if err != nil {
		atomic.AddUint64(&b.metrics.IoctlsRejected, 1)
		return core.WrapError(fmt.Sprintf("ioctl %s", cmd), core.ErrCodeInternal, err)
	}
	b.log.Debugf("%s applied", cmd)
	return nil
}

func (b *Interface) readIoctl(cmd core.IoctlCmd, req *core.IoctlRequest) {
	switch cmd {
	case core.IoctlGetMTU:
		req.MTU = b.dev.MTU()
	case core.IoctlGetMedia:
		req.Medium = b.dev.Medium()
	case core.IoctlGetLinkAddr:
		req.Addr = b.dev.HardwareAddr()
	case core.IoctlGetFlags:
		b.mu.Lock()
		req.Flags = b.flags
		b.mu.Unlock()
	case core.IoctlGetStats:
		req.Stats = b.Stats()
	case core.IoctlGetCapabilities:
		req.Features = b.dev.Features()
		req.Assist = b.Assist()
	}
}

// applyIoctl runs on the device's work queue.
func (b *Interface) applyIoctl(cmd core.IoctlCmd, req *core.IoctlRequest) error {
	switch cmd {
	case core.IoctlSetMTU:
		if req.MTU < minMTU || req.MTU > b.dev.MaxMTU() {
			return b.errorf("ioctl", core.ErrCodeBadArgument, "mtu %d outside [%d, %d]", req.MTU, minMTU, b.dev.MaxMTU())
		}
		return b.dev.SetMTU(req.MTU)

	case core.IoctlSetMedia:
		return b.dev.SetMedium(req.Medium)

	case core.IoctlSetLinkAddr:
		if len(req.Addr) == 0 || len(req.Addr) > core.MaxLinkAddrLen {
			return b.errorf("ioctl", core.ErrCodeBadArgument, "invalid link address length %d", len(req.Addr))
		}
		return b.dev.SetHardwareAddr(req.Addr)

	case core.IoctlSetFlags:
		if err := b.dev.SetFlags(req.Flags); err != nil {
			return err
		}
		b.mu.Lock()
		b.flags = req.Flags
		b.mu.Unlock()
		return nil

	case core.IoctlAddMulticast, core.IoctlDelMulticast:
		if len(req.Addr) == 0 || req.Addr[0]&0x01 == 0 {
			return b.errorf("ioctl", core.ErrCodeBadArgument, "%v is not a multicast address", req.Addr)
		}
		return b.dev.SetMulticast(req.Addr, cmd == core.IoctlAddMulticast)
	}
	return b.errorf("ioctl", core.ErrCodeBadArgument, "unhandled command %s", cmd)
}
