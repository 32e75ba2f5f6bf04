// Package bridge exposes a device controller to the networking stack: the
// attach/detach handshake, ioctl marshaling onto the device's work queue,
// the input and output paths and power gating.
package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/irctrakz/ifstack/pkg/device"
	"github.com/irctrakz/ifstack/pkg/logging"
	"github.com/sirupsen/logrus"
)

// receiverSetter is implemented by controllers that push received frames.
type receiverSetter interface {
	SetReceiver(r device.Receiver)
}

// Interface is the per-device adapter between a controller and the stack.
type Interface struct {
	dev    core.Controller
	stack  core.Stack
	prefix string
	unit   uint32
	cfg    core.BridgeConfig
	tap    *Tap
	log    *logrus.Entry

	mu       sync.Mutex
	handle   core.Handle
	attached bool
	assist   core.HWAssist
	flags    core.InterfaceFlags

	disabled uint32

	// handMu orders hand-offs so batches reach the stack in the order
	// their counter deltas were taken. It is taken before inMu.
	handMu sync.Mutex

	inMu    sync.Mutex
	inOpen  bool
	inQueue []core.Packet
	inBytes uint64
	prev    core.Counters
	stats   core.InterfaceStats

	metrics Metrics
}

// Metrics holds bridge counters.
type Metrics struct {
	InputBatches   uint64
	InputPackets   uint64
	InputBytes     uint64
	InputErrors    uint64
	InputDrops     uint64
	OutputPackets  uint64
	OutputDrops    uint64
	Ioctls         uint64
	IoctlsRejected uint64
	DetachErrors   uint64
}

// New creates a bridge for dev named prefix+unit. The tap, if any, is owned
// by the bridge and closed on detach.
func New(dev core.Controller, stack core.Stack, prefix string, unit uint32, cfg core.BridgeConfig, tap *Tap) *Interface {
	return &Interface{
		dev:    dev,
		stack:  stack,
		prefix: prefix,
		unit:   unit,
		cfg:    cfg,
		tap:    tap,
		log:    logging.Interface("bridge", prefix, unit),
	}
}

// Name returns the interface name.
func (b *Interface) Name() string { return fmt.Sprintf("%s%d", b.prefix, b.unit) }

// Device returns the underlying controller.
func (b *Interface) Device() core.Controller { return b.dev }

// Attached reports whether the interface is registered with the stack.
func (b *Interface) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached
}

// Assist returns the offload mask computed at attach time.
func (b *Interface) Assist() core.HWAssist {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.assist
}

func (b *Interface) errorf(op string, code core.ErrorCode, format string, args ...interface{}) error {
	return core.NewInterfaceError(op, b.prefix, int64(b.unit), code, fmt.Sprintf(format, args...))
}

// AttachToStack allocates a stack handle and registers the interface. Any
// failure after allocation releases the handle.
func (b *Interface) AttachToStack() error {
	b.mu.Lock()
	if b.attached {
		b.mu.Unlock()
		return b.errorf("attach", core.ErrCodeAlreadyExists, "already attached")
	}
	b.mu.Unlock()

	assist := core.AssistFromFeatures(b.dev.Features())
	params := core.AttachParams{
		Name:     b.Name(),
		Prefix:   b.prefix,
		Unit:     b.unit,
		DeviceID: b.dev.ID(),
		LinkType: b.dev.LinkType(),
		MTU:      b.dev.MTU(),
		Assist:   assist,
		Ioctl:    b,
	}

	h, err := b.stack.AllocateHandle(params)
	if err != nil {
		return core.WrapError("attach", core.ErrCodeInternal, fmt.Errorf("allocate handle for %s: %w", b.Name(), err))
	}

	addr, err := core.NewLinkAddress(b.dev.LinkType(), b.dev.HardwareAddr())
	if err != nil {
		b.stack.ReleaseHandle(h)
		return b.errorf("attach", core.ErrCodeBadArgument, "%v", err)
	}

	if err := b.stack.Attach(h, addr); err != nil {
		b.stack.ReleaseHandle(h)
		return core.WrapError("attach", core.ErrCodeInternal, fmt.Errorf("attach %s: %w", b.Name(), err))
	}

	b.inMu.Lock()
	b.prev = b.dev.Counters()
	b.inOpen = true
	b.inMu.Unlock()

	b.mu.Lock()
	b.handle = h
	b.assist = assist
	b.attached = true
	b.mu.Unlock()

	if rs, ok := b.dev.(receiverSetter); ok {
		rs.SetReceiver(b.receive)
	}

	b.log.WithFields(logrus.Fields{"handle": h, "assist": fmt.Sprintf("%#x", assist)}).Info("Attached to stack")
	return nil
}

// DetachFromStack removes the interface from the stack and blocks until the
// stack reports it holds no more references. The handle is released only
// after that. There is no cancellation.
func (b *Interface) DetachFromStack() error {
	b.mu.Lock()
	if !b.attached {
		b.mu.Unlock()
		return nil
	}
	h := b.handle
	b.attached = false
	b.mu.Unlock()

	if rs, ok := b.dev.(receiverSetter); ok {
		rs.SetReceiver(nil)
	}
	b.dropInput()

	done := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(done) }) }

	if err := b.stack.Detach(h, signal); err != nil {
		atomic.AddUint64(&b.metrics.DetachErrors, 1)
		b.stack.ReleaseHandle(h)
		b.closeTap()
		return core.WrapError("detach", core.ErrCodeInternal, fmt.Errorf("detach %s: %w", b.Name(), err))
	}

	// The completion may already have fired; a closed channel never blocks.
	<-done

	b.stack.ReleaseHandle(h)
	b.closeTap()
	b.log.WithField("handle", h).Info("Detached from stack")
	return nil
}

// Discard releases the resources of a bridge that will never attach.
func (b *Interface) Discard() {
	b.dropInput()
	b.closeTap()
}

func (b *Interface) closeTap() {
	if b.tap == nil {
		return
	}
	if err := b.tap.Close(); err != nil {
		b.log.Warnf("Failed to close tap: %v", err)
	}
}

func (b *Interface) currentHandle() (core.Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle, b.attached
}

// Metrics returns a snapshot of the bridge counters.
func (b *Interface) Metrics() Metrics {
	return Metrics{
		InputBatches:   atomic.LoadUint64(&b.metrics.InputBatches),
		InputPackets:   atomic.LoadUint64(&b.metrics.InputPackets),
		InputBytes:     atomic.LoadUint64(&b.metrics.InputBytes),
		InputErrors:    atomic.LoadUint64(&b.metrics.InputErrors),
		InputDrops:     atomic.LoadUint64(&b.metrics.InputDrops),
		OutputPackets:  atomic.LoadUint64(&b.metrics.OutputPackets),
		OutputDrops:    atomic.LoadUint64(&b.metrics.OutputDrops),
		Ioctls:         atomic.LoadUint64(&b.metrics.Ioctls),
		IoctlsRejected: atomic.LoadUint64(&b.metrics.IoctlsRejected),
		DetachErrors:   atomic.LoadUint64(&b.metrics.DetachErrors),
	}
}

// MetricsMap returns the counters keyed for the metrics reporter.
func (b *Interface) MetricsMap() map[string]uint64 {
	m := b.Metrics()
	out := map[string]uint64{
		"input_batches":   m.InputBatches,
		"input_packets":   m.InputPackets,
		"input_bytes":     m.InputBytes,
		"input_errors":    m.InputErrors,
		"input_drops":     m.InputDrops,
		"output_packets":  m.OutputPackets,
		"output_drops":    m.OutputDrops,
		"ioctls":          m.Ioctls,
		"ioctls_rejected": m.IoctlsRejected,
		"detach_errors":   m.DetachErrors,
	}
	if b.tap != nil {
		captured, filtered := b.tap.Stats()
		out["tap_captured"] = captured
		out["tap_filtered"] = filtered
	}
	return out
}
