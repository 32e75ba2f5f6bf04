package device

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/irctrakz/ifstack/pkg/logging"
)

// PowerHandler receives power notifications from a controller.
type PowerHandler func(phase core.PowerPhase, usable bool)

// Receiver consumes frames coming up from a controller.
type Receiver func(frame []byte)

// MockController is an in-memory core.Controller for tests and the
// daemon's simulate mode. It needs no hardware or privileges.
type MockController struct {
	id       string
	prefix   string
	linkType core.LinkType
	features core.Features
	maxMTU   int

	queue *WorkQueue

	mu        sync.Mutex
	hw        net.HardwareAddr
	mtu       int
	medium    core.Medium
	flags     core.InterfaceFlags
	multicast map[string]bool
	owner     any
	openErr   error
	closing   bool
	counters  core.Counters
	sent      [][]byte
	receiver  Receiver
	power     PowerHandler
	onOpen    func()

	openCalls  int32
	closeCalls int32
}

// MockOption customizes a MockController.
type MockOption func(*MockController)

// WithFeatures sets the advertised capability bits.
func WithFeatures(f core.Features) MockOption {
	return func(m *MockController) { m.features = f }
}

// WithLinkType sets the frame type delivered to the receiver.
func WithLinkType(t core.LinkType) MockOption {
	return func(m *MockController) { m.linkType = t }
}

// WithMTU sets the initial and maximum MTU.
func WithMTU(mtu, maxMTU int) MockOption {
	return func(m *MockController) { m.mtu = mtu; m.maxMTU = maxMTU }
}

// WithPrefix overrides the interface name prefix, including invalid ones.
func WithPrefix(prefix string) MockOption {
	return func(m *MockController) { m.prefix = prefix }
}

// NewMockController creates a started mock controller. id must be unique.
func NewMockController(id string, hw net.HardwareAddr, opts ...MockOption) *MockController {
	m := &MockController{
		id:        id,
		prefix:    PrefixFromName(id),
		linkType:  core.LinkTypeEthernet,
		features:  core.FeatureChecksumIPv4 | core.FeatureChecksumTCP | core.FeatureChecksumUDP | core.FeatureVLANMTU,
		maxMTU:    9000,
		mtu:       1500,
		hw:        append(net.HardwareAddr(nil), hw...),
		multicast: make(map[string]bool),
		queue:     NewWorkQueue(id),
	}
	for _, o := range opts {
		o(m)
	}
	_ = m.queue.Start()
	return m
}

// PrefixFromName returns the leading ASCII letters of name ("en0" -> "en").
func PrefixFromName(name string) string {
	i := 0
	for i < len(name) {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			break
		}
		i++
	}
	return name[:i]
}

func (m *MockController) ID() string              { return m.id }
func (m *MockController) NamePrefix() string      { return m.prefix }
func (m *MockController) LinkType() core.LinkType { return m.linkType }
func (m *MockController) Features() core.Features { return m.features }
func (m *MockController) MaxMTU() int             { return m.maxMTU }

// Open claims the controller. A second Open before Close fails.
func (m *MockController) Open(client any) error {
	atomic.AddInt32(&m.openCalls, 1)

	m.mu.Lock()
	hook := m.onOpen
	if m.openErr != nil {
		err := m.openErr
		m.mu.Unlock()
		return err
	}
	if m.closing {
		m.mu.Unlock()
		return fmt.Errorf("controller %s is terminating", m.id)
	}
	if m.owner != nil {
		m.mu.Unlock()
		return fmt.Errorf("controller %s already open", m.id)
	}
	m.owner = client
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	logging.Debugf("Mock controller %s opened", m.id)
	return nil
}

// Close releases the claim held by client.
func (m *MockController) Close(client any) {
	atomic.AddInt32(&m.closeCalls, 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == client {
		m.owner = nil
	}
	logging.Debugf("Mock controller %s closed", m.id)
}

// Execute runs fn on the controller's work queue.
func (m *MockController) Execute(fn func() error) error {
	return m.queue.Execute(fn)
}

func (m *MockController) HardwareAddr() net.HardwareAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(net.HardwareAddr(nil), m.hw...)
}

func (m *MockController) Counters() core.Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

func (m *MockController) MTU() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mtu
}

func (m *MockController) Medium() core.Medium {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.medium
}

func (m *MockController) SetMTU(mtu int) error {
	if mtu < 68 || mtu > m.maxMTU {
		return core.NewError("set-mtu", core.ErrCodeBadArgument, fmt.Sprintf("mtu %d out of range", mtu))
	}
	m.mu.Lock()
	m.mtu = mtu
	m.mu.Unlock()
	return nil
}

func (m *MockController) SetMedium(medium core.Medium) error {
	m.mu.Lock()
	m.medium = medium
	m.mu.Unlock()
	return nil
}

func (m *MockController) SetHardwareAddr(addr net.HardwareAddr) error {
	if len(addr) != len(m.hw) {
		return core.NewError("set-lladdr", core.ErrCodeBadArgument, "address length mismatch")
	}
	m.mu.Lock()
	m.hw = append(net.HardwareAddr(nil), addr...)
	m.mu.Unlock()
	return nil
}

func (m *MockController) SetFlags(flags core.InterfaceFlags) error {
	m.mu.Lock()
	m.flags = flags
	m.mu.Unlock()
	return nil
}

func (m *MockController) SetMulticast(group net.HardwareAddr, add bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := group.String()
	if add {
		m.multicast[key] = true
		return nil
	}
	if !m.multicast[key] {
		return core.NewError("del-multi", core.ErrCodeNotFound, "group not joined")
	}
	delete(m.multicast, key)
	return nil
}

// Transmit records the frame, bumps the output counter and completes it.
func (m *MockController) Transmit(pkt core.Packet) error {
	data := append([]byte(nil), pkt.Data()...)
	m.mu.Lock()
	m.sent = append(m.sent, data)
	m.counters.OutputPackets++
	m.mu.Unlock()
	core.CompletePacket(pkt)
	return nil
}

// SetReceiver sets where injected frames are delivered.
func (m *MockController) SetReceiver(r Receiver) {
	m.mu.Lock()
	m.receiver = r
	m.mu.Unlock()
}

// SetPowerHandler sets the power notification callback.
func (m *MockController) SetPowerHandler(h PowerHandler) {
	m.mu.Lock()
	m.power = h
	m.mu.Unlock()
}

// InjectFrame simulates reception: the counter is bumped and the frame is
// delivered to the receiver on the controller's work queue.
func (m *MockController) InjectFrame(frame []byte) error {
	m.mu.Lock()
	m.counters.InputPackets++
	recv := m.receiver
	m.mu.Unlock()

	if recv == nil {
		return fmt.Errorf("controller %s has no receiver", m.id)
	}
	data := append([]byte(nil), frame...)
	return m.Execute(func() error {
		recv(data)
		return nil
	})
}

// SimulatePowerChange emits a will-change / did-change pair.
func (m *MockController) SimulatePowerChange(usable bool) {
	m.mu.Lock()
	h := m.power
	m.mu.Unlock()
	if h == nil {
		return
	}
	h(core.PowerWillChange, usable)
	h(core.PowerDidChange, usable)
}

// SetCounters overwrites the hardware counters, e.g. to simulate a reset.
func (m *MockController) SetCounters(c core.Counters) {
	m.mu.Lock()
	m.counters = c
	m.mu.Unlock()
}

// FailOpen makes subsequent Open calls return err (nil clears it).
func (m *MockController) FailOpen(err error) {
	m.mu.Lock()
	m.openErr = err
	m.mu.Unlock()
}

// OnOpen installs a hook run after a successful Open, outside any lock.
func (m *MockController) OnOpen(fn func()) {
	m.mu.Lock()
	m.onOpen = fn
	m.mu.Unlock()
}

// IsOpen reports whether the controller is currently claimed.
func (m *MockController) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner != nil
}

// OpenCalls returns how many times Open was invoked.
func (m *MockController) OpenCalls() int { return int(atomic.LoadInt32(&m.openCalls)) }

// CloseCalls returns how many times Close was invoked.
func (m *MockController) CloseCalls() int { return int(atomic.LoadInt32(&m.closeCalls)) }

// Multicast reports whether group is joined.
func (m *MockController) Multicast(group net.HardwareAddr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.multicast[group.String()]
}

// Flags returns the last flags set through SetFlags.
func (m *MockController) Flags() core.InterfaceFlags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

// SentFrames returns copies of transmitted frames.
func (m *MockController) SentFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	for i, f := range m.sent {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Shutdown marks the controller as terminating and stops its work queue.
func (m *MockController) Shutdown() {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	_ = m.queue.Stop()
}
