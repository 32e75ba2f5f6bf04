package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/ifstack/pkg/avb"
	"github.com/irctrakz/ifstack/pkg/config"
	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/irctrakz/ifstack/pkg/device"
	"github.com/irctrakz/ifstack/pkg/lifecycle"
	"github.com/irctrakz/ifstack/pkg/logging"
	"github.com/irctrakz/ifstack/pkg/stack"
	"github.com/sirupsen/logrus"
)

// managedDevice is a controller the daemon created from configuration.
type managedDevice struct {
	cfg      core.DeviceConfig
	ctrl     core.Controller
	mock     *device.MockController
	memtun   *device.MemTUN
	stream   *avb.Controller
	egressID avb.EgressID
	shutdown func()
}

// daemon wires configured devices into a lifecycle manager backed by the
// in-process stack.
type daemon struct {
	cfg   *config.Config
	stack *stack.MockStack
	mgr   *lifecycle.Manager
	log   *logrus.Entry

	mu      sync.Mutex
	devices []*managedDevice
	byID    map[string]*managedDevice
	closed  chan string

	stamps  *timestampSink
	simStop chan struct{}
	simWG   sync.WaitGroup
}

func newDaemon(cfg *config.Config) *daemon {
	d := &daemon{
		cfg:    cfg,
		stack:  stack.NewMockStack(),
		log:    logging.Component("ifstackd"),
		byID:   make(map[string]*managedDevice),
		closed: make(chan string, len(cfg.Devices)+1),
		stamps: &timestampSink{},
	}
	mcfg := cfg.Manager
	mcfg.OnTerminated = d.onTerminated
	d.mgr = lifecycle.NewManager(d.stack, mcfg, cfg.Bridge)
	return d
}

// start creates, publishes and registers every configured device. A
// device that fails to register stays published.
func (d *daemon) start() error {
	if err := d.mgr.Start(); err != nil {
		return err
	}
	for i, dc := range d.cfg.Devices {
		md, err := d.createDevice(i, dc)
		if err != nil {
			d.stop()
			return fmt.Errorf("device %d (%s): %w", i, dc.Name, err)
		}
		d.mu.Lock()
		d.devices = append(d.devices, md)
		d.byID[md.ctrl.ID()] = md
		d.mu.Unlock()

		if err := d.mgr.OnDevicePublished(md.ctrl); err != nil {
			d.stop()
			return fmt.Errorf("publish %s: %w", md.ctrl.ID(), err)
		}
		unit, err := d.mgr.RegisterInterface(md.ctrl, dc.Unit, dc.FixedUnit)
		if err != nil {
			d.log.WithField("device", md.ctrl.ID()).Warnf("Registration failed: %v", err)
			continue
		}
		d.log.WithFields(logrus.Fields{"device": md.ctrl.ID(), "interface": fmt.Sprintf("%s%d", md.ctrl.NamePrefix(), unit)}).Info("Interface registered")

		if md.stream != nil {
			if err := d.startStreaming(md); err != nil {
				d.log.WithField("device", md.ctrl.ID()).Warnf("Streaming not started: %v", err)
			}
		}
	}
	return nil
}

func (d *daemon) createDevice(i int, dc core.DeviceConfig) (*managedDevice, error) {
	md := &managedDevice{cfg: dc}
	switch dc.Kind {
	case "mock":
		var hw net.HardwareAddr
		if dc.HardwareAddr != "" {
			var err error
			if hw, err = net.ParseMAC(dc.HardwareAddr); err != nil {
				return nil, err
			}
		} else {
			hw = net.HardwareAddr{0x02, 0, 0, 0, 0, byte(i + 1)}
		}
		opts := []device.MockOption{device.WithPrefix(device.PrefixFromName(dc.Name))}
		if dc.MTU > 0 {
			opts = append(opts, device.WithMTU(dc.MTU, 9000))
		}
		m := device.NewMockController(fmt.Sprintf("%s-dev%d", dc.Name, i), hw, opts...)
		md.ctrl, md.mock, md.shutdown = m, m, m.Shutdown
		if dc.Streaming {
			md.stream = avb.NewController(m.ID(), d.cfg.Streaming, &loggedHardware{device: m.ID()})
		}
	case "memtun":
		mtu := dc.MTU
		if mtu <= 0 {
			mtu = 1500
		}
		mt := device.NewMemTUN(dc.Name, mtu, 256)
		t, err := device.NewTUNController(mt)
		if err != nil {
			return nil, err
		}
		md.ctrl, md.memtun = t, mt
		md.shutdown = func() { _ = t.Shutdown() }
	case "tun":
		mtu := dc.MTU
		if mtu <= 0 {
			mtu = 1500
		}
		t, err := device.CreateTUNController(dc.Name, mtu)
		if err != nil {
			return nil, err
		}
		md.ctrl = t
		md.shutdown = func() { _ = t.Shutdown() }
	default:
		return nil, fmt.Errorf("unknown device kind %q", dc.Kind)
	}
	return md, nil
}

func (d *daemon) startStreaming(md *managedDevice) error {
	c := md.stream
	if _, err := c.RegisterObserver(d, md.ctrl.ID()); err != nil {
		return err
	}
	id, err := c.RegisterEgressHandler(d.stamps, md.ctrl.ID())
	if err != nil {
		return err
	}
	md.egressID = id
	if err := c.RegisterIngressHandler(d.stamps, md.ctrl.ID()); err != nil {
		return err
	}
	if err := c.Enable(); err != nil {
		return err
	}
	if err := c.StartTimeSync(); err != nil {
		return err
	}
	return c.StartStreaming()
}

// AVBStateChanged logs streaming state changes.
func (d *daemon) AVBStateChanged(_ context.Context, ctx any, from, to avb.State) {
	d.log.WithFields(logrus.Fields{"device": ctx, "from": from.String(), "to": to.String()}).Info("Streaming state changed")
}

// onTerminated shuts a device down once the manager has finished with it.
func (d *daemon) onTerminated(dev core.Controller) {
	d.mu.Lock()
	md := d.byID[dev.ID()]
	delete(d.byID, dev.ID())
	d.mu.Unlock()
	if md != nil {
		md.shutdown()
	}
	select {
	case d.closed <- dev.ID():
	default:
	}
}

// terminate removes one device. Attached devices are shut down by the
// detach worker through onTerminated.
func (d *daemon) terminate(md *managedDevice) {
	if md.stream != nil {
		_ = md.stream.Shutdown()
	}
	if d.mgr.OnDeviceWillTerminate(md.ctrl) {
		return
	}
	d.mu.Lock()
	_, live := d.byID[md.ctrl.ID()]
	delete(d.byID, md.ctrl.ID())
	d.mu.Unlock()
	if live {
		md.shutdown()
	}
}

// stop terminates every device, waits for deferred detaches and stops the
// manager.
func (d *daemon) stop() {
	d.stopSimulation()

	d.mu.Lock()
	devices := append([]*managedDevice(nil), d.devices...)
	d.mu.Unlock()

	for _, md := range devices {
		d.terminate(md)
	}
	d.mgr.WaitIdle()
	_ = d.mgr.Stop()
	d.stack.Wait()
}

// simulate injects synthetic traffic into simulated devices every interval.
func (d *daemon) simulate(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.simStop = make(chan struct{})
	d.simWG.Add(1)
	go func() {
		defer d.simWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var seq uint64
		for {
			select {
			case <-d.simStop:
				return
			case <-ticker.C:
				seq++
				d.simulateOnce(seq)
			}
		}
	}()
}

func (d *daemon) stopSimulation() {
	if d.simStop == nil {
		return
	}
	close(d.simStop)
	d.simWG.Wait()
	d.simStop = nil
}

// simulateOnce feeds one UDP datagram to every simulated device and, for
// streaming devices, a matching pair of timestamp callbacks.
func (d *daemon) simulateOnce(seq uint64) {
	d.mu.Lock()
	devices := append([]*managedDevice(nil), d.devices...)
	d.mu.Unlock()

	ip := device.MakeIPv4(net.IPv4(192, 0, 2, 1), net.IPv4(192, 0, 2, 2), 17, []byte(fmt.Sprintf("sim-%d", seq)))
	for _, md := range devices {
		switch {
		case md.mock != nil:
			frame, err := device.MakeEthernetFrame(net.HardwareAddr{0x02, 0xaa, 0, 0, 0, 1}, md.mock.HardwareAddr(), 0, ip)
			if err != nil {
				continue
			}
			_ = md.mock.InjectFrame(frame)
		case md.memtun != nil:
			_ = md.memtun.Inject(ip)
		}
		if md.stream != nil {
			ts := avb.Timestamp(time.Now().UnixNano())
			_ = md.stream.DeliverIngress(core.NewPooledPacket(ip), ts)
			_ = md.stream.CompleteEgress(md.egressID, core.NewPooledPacket(ip), ts)
		}
	}
}

// metrics collects counters from every component.
func (d *daemon) metrics() map[string]map[string]uint64 {
	out := map[string]map[string]uint64{
		"lifecycle":  d.mgr.Metrics(),
		"timestamps": d.stamps.Metrics(),
	}
	for _, info := range d.mgr.Interfaces() {
		if info.Name == "" {
			continue
		}
		if b, ok := d.mgr.Bridge(info.Name); ok {
			out["if_"+info.Name] = b.MetricsMap()
		}
	}
	d.mu.Lock()
	for _, md := range d.devices {
		if md.stream != nil {
			out["avb_"+md.ctrl.ID()] = md.stream.Metrics()
		}
	}
	d.mu.Unlock()
	return out
}

// loggedHardware stands in for device registers on simulated controllers.
type loggedHardware struct {
	device string
}

func (h *loggedHardware) ApplyAVBState(from, to avb.State) error {
	logging.DebugWithFields(logrus.Fields{"device": h.device}, "Hardware streaming state %s -> %s", from, to)
	return nil
}

// timestampSink counts delivered timestamp callbacks.
type timestampSink struct {
	egress  uint64
	ingress uint64
	last    uint64
}

func (s *timestampSink) HandleEgressTimestamp(_ any, _ avb.EgressID, _ core.Packet, ts avb.Timestamp) {
	atomic.AddUint64(&s.egress, 1)
	atomic.StoreUint64(&s.last, uint64(ts))
}

func (s *timestampSink) HandleIngress(_ any, _ core.Packet, ts avb.Timestamp) {
	atomic.AddUint64(&s.ingress, 1)
	atomic.StoreUint64(&s.last, uint64(ts))
}

func (s *timestampSink) Metrics() map[string]uint64 {
	return map[string]uint64{
		"egress":  atomic.LoadUint64(&s.egress),
		"ingress": atomic.LoadUint64(&s.ingress),
		"last_ts": atomic.LoadUint64(&s.last),
	}
}
