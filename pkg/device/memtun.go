package device

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	wtun "golang.zx2c4.com/wireguard/tun"
)

// MemTUNMetrics counts frames crossing a MemTUN.
type MemTUNMetrics struct {
	Injected uint64 // frames queued for Read
	Written  uint64 // frames accepted by Write
	Drops    uint64 // frames dropped due to a full queue
}

// MemTUN is a userspace wtun.Device. Frames injected with Inject are
// returned by Read; frames passed to Write are recorded. It lets the TUN
// controller run without a kernel device.
type MemTUN struct {
	name string
	mtu  int32

	inCh    chan []byte
	events  chan wtun.Event
	closed  chan struct{}
	closeMu sync.Mutex

	mu      sync.Mutex
	written [][]byte

	metrics MemTUNMetrics
}

// NewMemTUN creates a MemTUN with room for queueCap pending frames.
func NewMemTUN(name string, mtu, queueCap int) *MemTUN {
	if mtu <= 0 {
		mtu = 1500
	}
	if queueCap <= 0 {
		queueCap = 1024
	}
	return &MemTUN{
		name:   name,
		mtu:    int32(mtu),
		inCh:   make(chan []byte, queueCap),
		events: make(chan wtun.Event, 8),
		closed: make(chan struct{}),
	}
}

// File returns nil; MemTUN has no backing file.
func (t *MemTUN) File() *os.File { return nil }

// Name returns the device name.
func (t *MemTUN) Name() (string, error) { return t.name, nil }

// MTU returns the device MTU.
func (t *MemTUN) MTU() (int, error) { return int(atomic.LoadInt32(&t.mtu)), nil }

// BatchSize returns 1; Read hands out one frame per call.
func (t *MemTUN) BatchSize() int { return 1 }

// Events returns the link event stream. It is closed by Close.
func (t *MemTUN) Events() <-chan wtun.Event { return t.events }

// Read blocks until an injected frame is available or the device closes.
func (t *MemTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-t.closed:
		return 0, os.ErrClosed
	case pkt := <-t.inCh:
		if len(bufs) == 0 {
			return 0, nil
		}
		b := bufs[0]
		if offset >= len(b) {
			return 0, fmt.Errorf("offset %d beyond buffer", offset)
		}
		n := copy(b[offset:], pkt)
		if len(sizes) > 0 {
			sizes[0] = n
		}
		return 1, nil
	}
}

// Write records every buffer past offset.
func (t *MemTUN) Write(bufs [][]byte, offset int) (int, error) {
	select {
	case <-t.closed:
		return 0, os.ErrClosed
	default:
	}
	n := 0
	t.mu.Lock()
	for _, b := range bufs {
		if offset > len(b) {
			continue
		}
		t.written = append(t.written, append([]byte(nil), b[offset:]...))
		n++
	}
	t.mu.Unlock()
	atomic.AddUint64(&t.metrics.Written, uint64(n))
	return n, nil
}

// Close shuts the device down and emits a final EventDown.
func (t *MemTUN) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	select {
	case t.events <- wtun.EventDown:
	default:
	}
	close(t.events)
	return nil
}

// Inject queues a frame for Read.
func (t *MemTUN) Inject(frame []byte) error {
	select {
	case <-t.closed:
		return os.ErrClosed
	default:
	}
	cp := append([]byte(nil), frame...)
	select {
	case t.inCh <- cp:
		atomic.AddUint64(&t.metrics.Injected, 1)
		return nil
	default:
		atomic.AddUint64(&t.metrics.Drops, 1)
		return fmt.Errorf("memtun %s queue full", t.name)
	}
}

// SetLink emits EventUp or EventDown.
func (t *MemTUN) SetLink(up bool) {
	var ev wtun.Event = wtun.EventDown
	if up {
		ev = wtun.EventUp
	}
	t.emit(ev)
}

// SetMTU changes the MTU and emits EventMTUUpdate.
func (t *MemTUN) SetMTU(mtu int) {
	atomic.StoreInt32(&t.mtu, int32(mtu))
	t.emit(wtun.EventMTUUpdate)
}

func (t *MemTUN) emit(ev wtun.Event) {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	select {
	case <-t.closed:
		return
	default:
	}
	select {
	case t.events <- ev:
	default:
	}
}

// Written returns copies of frames passed to Write.
func (t *MemTUN) Written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.written))
	for i, b := range t.written {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// Metrics returns a snapshot of counters.
func (t *MemTUN) Metrics() MemTUNMetrics {
	return MemTUNMetrics{
		Injected: atomic.LoadUint64(&t.metrics.Injected),
		Written:  atomic.LoadUint64(&t.metrics.Written),
		Drops:    atomic.LoadUint64(&t.metrics.Drops),
	}
}

var _ wtun.Device = (*MemTUN)(nil)
