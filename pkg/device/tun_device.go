package device

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/irctrakz/ifstack/pkg/logging"
	wtun "golang.zx2c4.com/wireguard/tun"
)

// tunOffset is the headroom wireguard-go TUN implementations expect in
// front of every buffer.
const tunOffset = 16

// TUNController exposes a wireguard-go TUN device as a managed controller.
// Frames read from the device are delivered as raw IP; link events become
// power notifications.
type TUNController struct {
	dev    wtun.Device
	name   string
	prefix string
	maxMTU int

	queue *WorkQueue

	mu       sync.Mutex
	owner    any
	mtu      int
	medium   core.Medium
	flags    core.InterfaceFlags
	receiver Receiver
	power    PowerHandler
	started  bool
	closing  bool

	inPackets  uint32
	inErrors   uint32
	outPackets uint32
	outErrors  uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// CreateTUNController opens a kernel TUN device and wraps it.
func CreateTUNController(name string, mtu int) (*TUNController, error) {
	dev, err := wtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device %s: %w", name, err)
	}
	return NewTUNController(dev)
}

// NewTUNController wraps an existing wtun.Device.
func NewTUNController(dev wtun.Device) (*TUNController, error) {
	name, err := dev.Name()
	if err != nil {
		return nil, fmt.Errorf("failed to read TUN name: %w", err)
	}
	mtu, err := dev.MTU()
	if err != nil {
		return nil, fmt.Errorf("failed to read TUN MTU: %w", err)
	}
	t := &TUNController{
		dev:    dev,
		name:   name,
		prefix: PrefixFromName(name),
		maxMTU: 65535,
		mtu:    mtu,
		queue:  NewWorkQueue(name),
		stopCh: make(chan struct{}),
	}
	if err := t.queue.Start(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *TUNController) ID() string                     { return t.name }
func (t *TUNController) NamePrefix() string             { return t.prefix }
func (t *TUNController) LinkType() core.LinkType        { return core.LinkTypeRaw }
func (t *TUNController) Features() core.Features        { return 0 }
func (t *TUNController) MaxMTU() int                    { return t.maxMTU }
func (t *TUNController) HardwareAddr() net.HardwareAddr { return nil }

// Open claims the device and starts the read and event loops on first use.
func (t *TUNController) Open(client any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		return fmt.Errorf("TUN %s is terminating", t.name)
	}
	if t.owner != nil {
		return fmt.Errorf("TUN %s already open", t.name)
	}
	t.owner = client

	if !t.started {
		t.started = true
		t.wg.Add(2)
		go t.readLoop()
		go t.eventLoop()
	}
	logging.Infof("TUN %s opened", t.name)
	return nil
}

// Close releases the claim. Frames arriving while unclaimed are dropped.
func (t *TUNController) Close(client any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner == client {
		t.owner = nil
	}
	logging.Infof("TUN %s closed", t.name)
}

// Execute runs fn on the device's work queue.
func (t *TUNController) Execute(fn func() error) error {
	return t.queue.Execute(fn)
}

func (t *TUNController) Counters() core.Counters {
	return core.Counters{
		InputPackets:  atomic.LoadUint32(&t.inPackets),
		InputErrors:   atomic.LoadUint32(&t.inErrors),
		OutputPackets: atomic.LoadUint32(&t.outPackets),
		OutputErrors:  atomic.LoadUint32(&t.outErrors),
	}
}

func (t *TUNController) MTU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mtu
}

func (t *TUNController) Medium() core.Medium {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.medium
}

// SetMTU records the MTU the stack uses. The kernel side reports its own
// changes through EventMTUUpdate.
func (t *TUNController) SetMTU(mtu int) error {
	if mtu < 68 || mtu > t.maxMTU {
		return core.NewError("set-mtu", core.ErrCodeBadArgument, fmt.Sprintf("mtu %d out of range", mtu))
	}
	t.mu.Lock()
	t.mtu = mtu
	t.mu.Unlock()
	return nil
}

func (t *TUNController) SetMedium(m core.Medium) error {
	if m != core.MediumAuto {
		return core.NewError("set-media", core.ErrCodeBadArgument, "TUN devices only support auto media")
	}
	return nil
}

func (t *TUNController) SetHardwareAddr(net.HardwareAddr) error {
	return core.NewError("set-lladdr", core.ErrCodeNotPermitted, "TUN devices have no link-layer address")
}

func (t *TUNController) SetFlags(flags core.InterfaceFlags) error {
	t.mu.Lock()
	t.flags = flags
	t.mu.Unlock()
	return nil
}

func (t *TUNController) SetMulticast(net.HardwareAddr, bool) error {
	return core.NewError("multicast", core.ErrCodeNotPermitted, "TUN devices have no multicast filter")
}

// Transmit writes the packet to the TUN device and completes it.
func (t *TUNController) Transmit(pkt core.Packet) error {
	defer core.CompletePacket(pkt)

	data := pkt.Data()
	buf := core.GetBuffer(tunOffset + len(data))
	defer core.PutBuffer(buf)
	copy(buf[tunOffset:], data)

	if _, err := t.dev.Write([][]byte{buf[:tunOffset+len(data)]}, tunOffset); err != nil {
		atomic.AddUint32(&t.outErrors, 1)
		return fmt.Errorf("TUN %s write failed: %w", t.name, err)
	}
	atomic.AddUint32(&t.outPackets, 1)
	return nil
}

// SetReceiver sets where received frames are delivered.
func (t *TUNController) SetReceiver(r Receiver) {
	t.mu.Lock()
	t.receiver = r
	t.mu.Unlock()
}

// SetPowerHandler sets the callback for link up/down events.
func (t *TUNController) SetPowerHandler(h PowerHandler) {
	t.mu.Lock()
	t.power = h
	t.mu.Unlock()
}

// Shutdown closes the underlying device and waits for the loops to exit.
func (t *TUNController) Shutdown() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	close(t.stopCh)
	t.mu.Unlock()

	err := t.dev.Close()
	t.wg.Wait()
	_ = t.queue.Stop()
	logging.Infof("TUN %s shut down", t.name)
	return err
}

func (t *TUNController) stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

func (t *TUNController) readLoop() {
	defer t.wg.Done()

	batch := t.dev.BatchSize()
	if batch <= 0 {
		batch = 1
	}
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, tunOffset+t.maxMTU)
	}
	sizes := make([]int, batch)

	for {
		n, err := t.dev.Read(bufs, sizes, tunOffset)
		if err != nil {
			if t.stopped() || errors.Is(err, os.ErrClosed) {
				return
			}
			atomic.AddUint32(&t.inErrors, 1)
			logging.Debugf("TUN %s read error: %v", t.name, err)
			continue
		}
		for i := 0; i < n; i++ {
			atomic.AddUint32(&t.inPackets, 1)
			t.deliver(bufs[i][tunOffset : tunOffset+sizes[i]])
		}
	}
}

func (t *TUNController) deliver(frame []byte) {
	t.mu.Lock()
	recv := t.receiver
	owned := t.owner != nil
	t.mu.Unlock()

	if recv == nil || !owned {
		return
	}
	data := append([]byte(nil), frame...)
	if err := t.Execute(func() error {
		recv(data)
		return nil
	}); err != nil {
		logging.Debugf("TUN %s dropped frame: %v", t.name, err)
	}
}

func (t *TUNController) eventLoop() {
	defer t.wg.Done()
	for ev := range t.dev.Events() {
		switch ev {
		case wtun.EventUp:
			t.notifyPower(true)
		case wtun.EventDown:
			t.notifyPower(false)
		case wtun.EventMTUUpdate:
			if mtu, err := t.dev.MTU(); err == nil {
				t.mu.Lock()
				t.mtu = mtu
				t.mu.Unlock()
				logging.Debugf("TUN %s MTU now %d", t.name, mtu)
			}
		}
	}
}

func (t *TUNController) notifyPower(usable bool) {
	t.mu.Lock()
	h := t.power
	t.mu.Unlock()
	if h == nil {
		return
	}
	h(core.PowerWillChange, usable)
	h(core.PowerDidChange, usable)
}
