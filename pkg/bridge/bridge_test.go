package bridge

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/irctrakz/ifstack/pkg/device"
	"github.com/irctrakz/ifstack/pkg/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var (
	hwA = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01}
	hwB = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x02}
)

func newAttached(t *testing.T, cfg core.BridgeConfig, opts ...device.MockOption) (*Interface, *device.MockController, *stack.MockStack) {
	t.Helper()
	dev := device.NewMockController("en0", hwA, opts...)
	t.Cleanup(dev.Shutdown)
	st := stack.NewMockStack()
	b := New(dev, st, "en", 0, cfg, nil)
	require.NoError(t, b.AttachToStack())
	return b, dev, st
}

func testIP(payloadLen int) []byte {
	return device.MakeIPv4(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 17, make([]byte, payloadLen))
}

func TestAttachTranslatesFeaturesAndAddress(t *testing.T) {
	b, _, st := newAttached(t, core.BridgeConfig{},
		device.WithFeatures(core.FeatureChecksumIPv4|core.FeatureTSOv4|core.FeatureTimeSync))

	h, e, ok := st.Lookup("en0")
	require.True(t, ok)
	assert.True(t, e.Attached)
	assert.Equal(t, core.AssistCSumIP|core.AssistTSOv4, e.Params.Assist)
	assert.Equal(t, hwA, e.Addr.HardwareAddr())
	assert.Equal(t, uint8(core.AFLink), e.Addr.Family)
	assert.Equal(t, b.Assist(), e.Params.Assist)

	var req core.IoctlRequest
	require.NoError(t, st.Ioctl(h, core.IoctlGetCapabilities, &req))
	assert.Equal(t, e.Params.Assist, req.Assist)

	assert.True(t, core.IsCode(b.AttachToStack(), core.ErrCodeAlreadyExists))
}

func TestAttachFailureReleasesHandle(t *testing.T) {
	dev := device.NewMockController("en0", hwA)
	defer dev.Shutdown()
	st := stack.NewMockStack()
	st.FailAttach(errors.New("stack busy"))

	b := New(dev, st, "en", 0, core.BridgeConfig{}, nil)
	err := b.AttachToStack()
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrCodeInternal))
	assert.Equal(t, 0, st.Handles())
	assert.Equal(t, 1, st.Released())
	assert.False(t, b.Attached())
}

func TestAttachFailsOnOversizedAddress(t *testing.T) {
	dev := device.NewMockController("ib0", make(net.HardwareAddr, 32))
	defer dev.Shutdown()
	st := stack.NewMockStack()

	b := New(dev, st, "ib", 0, core.BridgeConfig{}, nil)
	assert.True(t, core.IsCode(b.AttachToStack(), core.ErrCodeBadArgument))
	assert.Equal(t, 0, st.Handles())
}

func TestDetachWaitsForCompletion(t *testing.T) {
	b, _, st := newAttached(t, core.BridgeConfig{})
	h, _, _ := st.Lookup("en0")

	var mu sync.Mutex
	completed := false
	st.SetDetachDelay(20 * time.Millisecond)
	st.OnDetach(func(core.Handle) {
		mu.Lock()
		completed = true
		mu.Unlock()
	})

	require.NoError(t, b.DetachFromStack())
	mu.Lock()
	assert.True(t, completed, "detach returned before the stack completed")
	mu.Unlock()
	assert.False(t, b.Attached())
	assert.Equal(t, 0, st.Handles())
	assert.Empty(t, st.Frames(h))

	require.NoError(t, b.DetachFromStack(), "second detach is a no-op")
}

// A completion that fires before the caller starts waiting must not be lost.
type eagerStack struct {
	*stack.MockStack
}

func (s eagerStack) Detach(h core.Handle, done func()) error {
	done()
	done()
	return nil
}

func TestDetachCompletionBeforeWait(t *testing.T) {
	dev := device.NewMockController("en0", hwA)
	defer dev.Shutdown()
	st := eagerStack{stack.NewMockStack()}
	b := New(dev, st, "en", 0, core.BridgeConfig{}, nil)
	require.NoError(t, b.AttachToStack())

	finished := make(chan error, 1)
	go func() { finished <- b.DetachFromStack() }()
	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("detach blocked on an early completion")
	}
}

func TestDetachErrorStillReleasesHandle(t *testing.T) {
	b, _, st := newAttached(t, core.BridgeConfig{})
	st.FailDetach(errors.New("stack gone"))

	err := b.DetachFromStack()
	require.Error(t, err)
	assert.Equal(t, 0, st.Handles())
	assert.Equal(t, uint64(1), b.Metrics().DetachErrors)
}

func TestIoctlReadAndMutate(t *testing.T) {
	b, dev, _ := newAttached(t, core.BridgeConfig{})

	var req core.IoctlRequest
	require.NoError(t, b.PerformIoctl(core.IoctlGetMTU, &req))
	assert.Equal(t, 1500, req.MTU)

	req.MTU = 9000
	require.NoError(t, b.PerformIoctl(core.IoctlSetMTU, &req))
	assert.Equal(t, 9000, dev.MTU())

	req.MTU = 20
	err := b.PerformIoctl(core.IoctlSetMTU, &req)
	assert.True(t, core.IsCode(err, core.ErrCodeBadArgument))
	assert.Equal(t, unix.EINVAL, core.ErrnoOf(err))

	req.Addr = hwB
	require.NoError(t, b.PerformIoctl(core.IoctlSetLinkAddr, &req))
	req.Addr = nil
	require.NoError(t, b.PerformIoctl(core.IoctlGetLinkAddr, &req))
	assert.Equal(t, hwB, req.Addr)

	req.Flags = core.FlagUp | core.FlagPromiscuous
	require.NoError(t, b.PerformIoctl(core.IoctlSetFlags, &req))
	req.Flags = 0
	require.NoError(t, b.PerformIoctl(core.IoctlGetFlags, &req))
	assert.Equal(t, core.FlagUp|core.FlagPromiscuous, req.Flags)
	assert.Equal(t, core.FlagUp|core.FlagPromiscuous, dev.Flags())

	group := net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}
	req.Addr = group
	require.NoError(t, b.PerformIoctl(core.IoctlAddMulticast, &req))
	assert.True(t, dev.Multicast(group))
	req.Addr = hwA
	assert.True(t, core.IsCode(b.PerformIoctl(core.IoctlAddMulticast, &req), core.ErrCodeBadArgument))

	assert.True(t, core.IsCode(b.PerformIoctl(core.IoctlCmd(99), &req), core.ErrCodeBadArgument))
	assert.True(t, core.IsCode(b.PerformIoctl(core.IoctlGetMTU, nil), core.ErrCodeBadArgument))
}

func TestMutatingIoctlsRunOnWorkQueue(t *testing.T) {
	b, dev, _ := newAttached(t, core.BridgeConfig{})

	// Hold the work queue; a mutating ioctl must wait, a read must not.
	release := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = dev.Execute(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var rd core.IoctlRequest
	require.NoError(t, b.PerformIoctl(core.IoctlGetMTU, &rd))

	done := make(chan error, 1)
	go func() {
		req := core.IoctlRequest{MTU: 4000}
		done <- b.PerformIoctl(core.IoctlSetMTU, &req)
	}()

	select {
	case <-done:
		t.Fatal("mutating ioctl bypassed the work queue")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 4000, dev.MTU())
}

func TestDisabledRejectsMutatingIoctls(t *testing.T) {
	b, dev, _ := newAttached(t, core.BridgeConfig{})

	b.HandlePower(core.PowerWillChange, false)
	assert.True(t, b.Disabled())

	before := dev.MTU()
	req := core.IoctlRequest{MTU: 2000}
	err := b.PerformIoctl(core.IoctlSetMTU, &req)
	assert.True(t, core.IsCode(err, core.ErrCodeDeviceUnusable))
	assert.Equal(t, unix.ENETDOWN, core.ErrnoOf(err))
	assert.Equal(t, before, dev.MTU())

	require.NoError(t, b.PerformIoctl(core.IoctlGetMTU, &req), "reads still answered")

	b.HandlePower(core.PowerWillChange, true)
	assert.True(t, b.Disabled(), "will-change to usable does not re-enable")
	b.HandlePower(core.PowerDidChange, true)
	assert.False(t, b.Disabled())

	req.MTU = 2000
	require.NoError(t, b.PerformIoctl(core.IoctlSetMTU, &req))
}

func TestOutputDroppedWhileDisabled(t *testing.T) {
	b, dev, _ := newAttached(t, core.BridgeConfig{})

	pkt := core.NewCompletionPacket([]byte{1, 2, 3}, nil)
	require.NoError(t, b.OutputPacket(pkt))
	assert.True(t, core.IsCompleted(pkt))
	assert.Len(t, dev.SentFrames(), 1)

	b.PowerDidChange(false)
	dropped := core.NewCompletionPacket([]byte{4}, nil)
	assert.True(t, core.IsCode(b.OutputPacket(dropped), core.ErrCodeDeviceUnusable))
	assert.True(t, core.IsCompleted(dropped))
	assert.Len(t, dev.SentFrames(), 1)
	assert.Equal(t, uint64(1), b.Metrics().OutputDrops)
}

func TestInputStripsEthernetAndVLAN(t *testing.T) {
	b, _, st := newAttached(t, core.BridgeConfig{})
	h, _, _ := st.Lookup("en0")
	ip := testIP(64)

	plain, err := device.MakeEthernetFrame(hwB, hwA, 0, ip)
	require.NoError(t, err)
	n, err := b.InputPacket(plain, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tagged, err := device.MakeEthernetFrame(hwB, hwA, 7, ip)
	require.NoError(t, err)
	_, err = b.InputPacket(tagged, false)
	require.NoError(t, err)

	frames := st.Frames(h)
	require.Len(t, frames, 2)
	assert.Equal(t, ip, frames[0])
	assert.Equal(t, ip, frames[1])

	_, err = b.InputPacket([]byte{1, 2, 3}, false)
	assert.True(t, core.IsCode(err, core.ErrCodeBadArgument))
	_, err = b.InputPacket(nil, false)
	assert.True(t, core.IsCode(err, core.ErrCodeBadArgument))
}

func TestInputRawLinkPassesThrough(t *testing.T) {
	b, _, st := newAttached(t, core.BridgeConfig{}, device.WithLinkType(core.LinkTypeRaw))
	h, _, _ := st.Lookup("en0")
	ip := testIP(8)

	_, err := b.InputPacket(ip, false)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{ip}, st.Frames(h))
}

func TestInputQueueAndByteCounterReset(t *testing.T) {
	b, dev, st := newAttached(t, core.BridgeConfig{})
	h, _, _ := st.Lookup("en0")
	ip := testIP(64)
	frame, _ := device.MakeEthernetFrame(hwB, hwA, 0, ip)

	for i := 0; i < 3; i++ {
		n, err := b.InputPacket(frame, true)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}
	queued, qbytes := b.QueuedInput()
	assert.Equal(t, 3, queued)
	assert.Equal(t, uint64(3*len(ip)), qbytes)
	assert.Empty(t, st.Frames(h))

	dev.SetCounters(core.Counters{InputPackets: 3, InputErrors: 1})
	n, err := b.FlushInput()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	queued, qbytes = b.QueuedInput()
	assert.Equal(t, 0, queued)
	assert.Equal(t, uint64(0), qbytes)

	_, e, _ := st.Lookup("en0")
	assert.Equal(t, uint64(3*len(ip)), e.Bytes)
	assert.Equal(t, uint64(3), e.Packets)
	assert.Equal(t, uint64(1), e.Errors)
	assert.Equal(t, uint64(1), e.Batches)

	n, err = b.FlushInput()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInputQueueLimitForcesFlush(t *testing.T) {
	b, _, st := newAttached(t, core.BridgeConfig{InputQueueLimit: 2})
	h, _, _ := st.Lookup("en0")
	frame, _ := device.MakeEthernetFrame(hwB, hwA, 0, testIP(64))

	n, err := b.InputPacket(frame, true)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = b.InputPacket(frame, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, st.Frames(h), 2)
}

func TestCounterDeltaToleratesReset(t *testing.T) {
	assert.Equal(t, uint64(5), counterDelta(15, 10))
	assert.Equal(t, uint64(7), counterDelta(3, 10))
	assert.Equal(t, uint64(0), counterDelta(4, 4))
	assert.Equal(t, uint64(0xffffffff), counterDelta(0, 0xffffffff))

	b, dev, _ := newAttached(t, core.BridgeConfig{})
	dev.SetCounters(core.Counters{InputPackets: 100, Collisions: 4})
	s := b.Stats()
	assert.Equal(t, uint64(100), s.InputPackets)
	assert.Equal(t, uint64(4), s.Collisions)

	dev.SetCounters(core.Counters{InputPackets: 10})
	s = b.Stats()
	assert.Equal(t, uint64(190), s.InputPackets)
	assert.Equal(t, uint64(8), s.Collisions)
}

func TestInputAfterDetachIsRejected(t *testing.T) {
	b, _, _ := newAttached(t, core.BridgeConfig{})
	frame, _ := device.MakeEthernetFrame(hwB, hwA, 0, testIP(64))

	_, err := b.InputPacket(frame, true)
	require.NoError(t, err)
	require.NoError(t, b.DetachFromStack())

	queued, _ := b.QueuedInput()
	assert.Equal(t, 0, queued)
	assert.Equal(t, uint64(1), b.Metrics().InputDrops)

	_, err = b.InputPacket(frame, false)
	assert.True(t, core.IsCode(err, core.ErrCodeDeviceUnusable))
}

func TestInputRacingDetachIsCompleted(t *testing.T) {
	b, _, _ := newAttached(t, core.BridgeConfig{})
	frame, _ := device.MakeEthernetFrame(hwB, hwA, 0, testIP(64))

	// Park an input between its attach check and the queue.
	b.handMu.Lock()
	errc := make(chan error, 1)
	go func() {
		_, err := b.InputPacket(frame, true)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.DetachFromStack())
	b.handMu.Unlock()

	err := <-errc
	assert.True(t, core.IsCode(err, core.ErrCodeDeviceUnusable), "got %v", err)
	queued, qbytes := b.QueuedInput()
	assert.Equal(t, 0, queued)
	assert.Equal(t, uint64(0), qbytes)
	assert.Equal(t, uint64(1), b.Metrics().InputDrops)
}

func TestConcurrentInputAccountsEveryPacket(t *testing.T) {
	b, dev, st := newAttached(t, core.BridgeConfig{})
	h, _, _ := st.Lookup("en0")
	frame, _ := device.MakeEthernetFrame(hwB, hwA, 0, testIP(32))

	const workers, per = 4, 50
	var wg sync.WaitGroup
	var fed uint32
	var feedMu sync.Mutex
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				feedMu.Lock()
				fed++
				dev.SetCounters(core.Counters{InputPackets: fed})
				feedMu.Unlock()
				if _, err := b.InputPacket(frame, false); err != nil {
					t.Errorf("input: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	_, e, _ := st.Lookup("en0")
	assert.Len(t, st.Frames(h), workers*per)
	assert.Equal(t, uint64(workers*per), e.Packets)
}

func TestReceiverWiredOnAttach(t *testing.T) {
	b, dev, st := newAttached(t, core.BridgeConfig{})
	h, _, _ := st.Lookup("en0")
	ip := testIP(64)
	frame, _ := device.MakeEthernetFrame(hwB, hwA, 0, ip)

	require.NoError(t, dev.InjectFrame(frame))
	assert.Equal(t, [][]byte{ip}, st.Frames(h))

	require.NoError(t, b.DetachFromStack())
	assert.Error(t, dev.InjectFrame(frame), "receiver cleared on detach")
}

func TestTapFiltersAndWritesPcap(t *testing.T) {
	var buf bytes.Buffer
	tap, err := NewTap(&buf, core.TapConfig{EtherTypes: []uint16{0x0806}}, core.LinkTypeEthernet)
	require.NoError(t, err)

	dev := device.NewMockController("en0", hwA)
	defer dev.Shutdown()
	st := stack.NewMockStack()
	b := New(dev, st, "en", 0, core.BridgeConfig{}, tap)
	require.NoError(t, b.AttachToStack())

	ipFrame, _ := device.MakeEthernetFrame(hwB, hwA, 0, testIP(64))
	arp := append([]byte(nil), ipFrame...)
	arp[12], arp[13] = 0x08, 0x06

	_, err = b.InputPacket(ipFrame, false)
	require.NoError(t, err)
	_, err = b.InputPacket(arp, false)
	require.NoError(t, err)

	captured, filtered := tap.Stats()
	assert.Equal(t, uint64(1), captured)
	assert.Equal(t, uint64(1), filtered)
	assert.Equal(t, uint64(1), b.MetricsMap()["tap_captured"])

	r, err := pcapgo.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())
	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, arp, data)
	assert.Equal(t, len(arp), ci.Length)

	require.NoError(t, b.DetachFromStack())
	assert.False(t, tap.Capture(arp), "closed tap captures nothing")
}

func TestFilterProgramRawLink(t *testing.T) {
	var buf bytes.Buffer
	tap, err := NewTap(&buf, core.TapConfig{EtherTypes: []uint16{0x86dd}, SnapLen: 40}, core.LinkTypeRaw)
	require.NoError(t, err)

	assert.False(t, tap.Capture(testIP(8)))
	v6 := make([]byte, 60)
	v6[0] = 0x60
	assert.True(t, tap.Capture(v6))

	r, err := pcapgo.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())
	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Len(t, data, 40)
	assert.Equal(t, 60, ci.Length)

	_, err = FilterProgram([]uint16{0x0806}, core.LinkTypeRaw, 100)
	assert.Error(t, err)
}

func TestOpenTapDisabledWithoutFile(t *testing.T) {
	tap, err := OpenTap(core.TapConfig{}, core.LinkTypeEthernet)
	require.NoError(t, err)
	assert.Nil(t, tap)
}
