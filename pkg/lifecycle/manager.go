// Package lifecycle owns interface naming and the attach/detach protocol
// between device controllers and the networking stack.
package lifecycle

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/ifstack/pkg/bridge"
	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/irctrakz/ifstack/pkg/device"
	"github.com/irctrakz/ifstack/pkg/logging"
	"github.com/irctrakz/ifstack/pkg/naming"
	"github.com/sirupsen/logrus"
)

// powerSource is implemented by controllers that report power changes.
type powerSource interface {
	SetPowerHandler(h device.PowerHandler)
}

// ManagerMetrics holds lifecycle counters.
type ManagerMetrics struct {
	Published      uint64
	Registered     uint64
	RegisterFailed uint64
	LostRaces      uint64
	Terminated     uint64
	Deferred       uint64
	Detached       uint64
	DetachErrors   uint64
}

// Manager tracks published devices, assigns unit numbers and attaches
// interfaces to the stack. Deferred detaches run on a single worker
// goroutine in submission order.
type Manager struct {
	stack     core.Stack
	cfg       core.ManagerConfig
	bridgeCfg core.BridgeConfig
	log       *logrus.Entry

	// mu is the naming lock. It is never held across Open, Close,
	// Execute, attach or detach.
	mu      sync.Mutex
	idle    *sync.Cond
	records map[string]*record // by device ID
	byName  map[string]*record // records holding a unit
	units   *naming.UnitAllocator

	detachQ  []*record
	inFlight bool
	wake     chan struct{}

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	metrics ManagerMetrics
}

// NewManager creates a stopped manager.
func NewManager(stack core.Stack, cfg core.ManagerConfig, bridgeCfg core.BridgeConfig) *Manager {
	m := &Manager{
		stack:     stack,
		cfg:       cfg,
		bridgeCfg: bridgeCfg,
		log:       logging.Component("lifecycle"),
		records:   make(map[string]*record),
		byName:    make(map[string]*record),
		units:     naming.NewUnitAllocator(),
		wake:      make(chan struct{}, 1),
	}
	m.idle = sync.NewCond(&m.mu)
	return m
}

// Start starts the detach worker.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("lifecycle manager already running")
	}
	m.stopCh = make(chan struct{})
	m.running = true

	m.wg.Add(1)
	go m.detachLoop(m.stopCh)

	m.log.Info("Lifecycle manager started")
	return nil
}

// Stop detaches every attached interface, drains the detach queue and
// stops the worker.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	for id, r := range m.records {
		if r.phase != StateAttached {
			continue
		}
		r.active = false
		delete(m.records, id)
		m.unindexLocked(r)
		m.enqueueDetachLocked(r)
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("Lifecycle manager stopped")
	return nil
}

// OnDevicePublished starts tracking dev. Publishing a tracked device again
// is a no-op.
func (m *Manager) OnDevicePublished(dev core.Controller) error {
	if dev == nil {
		return core.NewError("publish", core.ErrCodeBadArgument, "nil device")
	}
	prefix := dev.NamePrefix()
	if !validPrefix(prefix) {
		return core.NewError("publish", core.ErrCodeBadArgument, fmt.Sprintf("device %s has invalid name prefix %q", dev.ID(), prefix))
	}

	m.mu.Lock()
	if _, ok := m.records[dev.ID()]; ok {
		m.mu.Unlock()
		return nil
	}
	m.records[dev.ID()] = &record{
		dev:    dev,
		prefix: prefix,
		phase:  StatePublished,
		active: true,
	}
	m.mu.Unlock()

	if ps, ok := dev.(powerSource); ok {
		ps.SetPowerHandler(func(phase core.PowerPhase, usable bool) {
			if err := m.OnPowerChange(dev, phase, usable); err != nil {
				m.log.Debugf("Power change for %s ignored: %v", dev.ID(), err)
			}
		})
	}

	atomic.AddUint64(&m.metrics.Published, 1)
	m.log.WithFields(logrus.Fields{"device": dev.ID(), "prefix": prefix}).Info("Device published")
	return nil
}

// RegisterInterface assigns a unit to a published device, opens it and
// attaches it to the stack. With fixedUnit set, a taken unitHint fails with
// UnitUnavailable before the device is opened. A termination that races
// the registration makes it fail with Terminated.
func (m *Manager) RegisterInterface(dev core.Controller, unitHint uint32, fixedUnit bool) (uint32, error) {
	if dev == nil {
		return 0, core.NewError("register", core.ErrCodeBadArgument, "nil device")
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return 0, core.NewError("register", core.ErrCodeNotPermitted, "lifecycle manager not running")
	}
	r, ok := m.records[dev.ID()]
	if !ok {
		m.mu.Unlock()
		return 0, core.NewError("register", core.ErrCodeNotFound, fmt.Sprintf("device %s not published", dev.ID()))
	}
	if r.state() != StatePublished || r.registering {
		m.mu.Unlock()
		return 0, core.NewError("register", core.ErrCodeBadArgument, fmt.Sprintf("device %s is %s", dev.ID(), r.state()))
	}
	prefix := r.prefix

	unit := unitHint
	if fixedUnit {
		if m.units.InUse(prefix, unitHint) {
			m.mu.Unlock()
			atomic.AddUint64(&m.metrics.RegisterFailed, 1)
			return 0, core.NewInterfaceError("register", prefix, int64(unitHint), core.ErrCodeUnitUnavailable, "unit already in use")
		}
	} else {
		var ok bool
		if unit, ok = m.units.NextAvailable(prefix, unitHint); !ok {
			m.mu.Unlock()
			atomic.AddUint64(&m.metrics.RegisterFailed, 1)
			return 0, core.NewError("register", core.ErrCodeUnitUnavailable, fmt.Sprintf("no %s unit available at or above %d", prefix, unitHint))
		}
	}
	if err := m.units.Reserve(prefix, unit); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	r.registering = true
	m.mu.Unlock()

	log := logging.Interface("lifecycle", prefix, unit)

	if err := dev.Open(m); err != nil {
		m.mu.Lock()
		m.units.Release(prefix, unit)
		r.registering = false
		terminated := !r.active
		m.mu.Unlock()

		atomic.AddUint64(&m.metrics.RegisterFailed, 1)
		if terminated {
			m.terminated(dev)
		}
		return 0, core.WrapError("register", core.ErrCodeInternal, fmt.Errorf("open %s: %w", dev.ID(), err))
	}

	tap, err := bridge.OpenTap(tapConfigFor(m.bridgeCfg.Tap, fmt.Sprintf("%s%d", prefix, unit)), dev.LinkType())
	if err != nil {
		log.Warnf("Tap disabled: %v", err)
		tap = nil
	}
	b := bridge.New(dev, m.stack, prefix, unit, m.bridgeCfg, tap)

	m.mu.Lock()
	if !r.active || !m.running {
		// Lost the race with termination: undo the reservation and open.
		m.units.Release(prefix, unit)
		r.registering = false
		m.mu.Unlock()

		b.Discard()
		dev.Close(m)
		atomic.AddUint64(&m.metrics.LostRaces, 1)
		m.terminated(dev)
		log.Info("Registration lost race with termination")
		return 0, core.NewInterfaceError("register", prefix, int64(unit), core.ErrCodeTerminated, "device terminated during open")
	}
	r.registering = false
	r.unit = unit
	r.phase = StateAttaching
	r.bridge = b
	m.byName[r.name()] = r
	disabled := r.disabled
	m.mu.Unlock()

	if disabled {
		b.PowerDidChange(false)
	}

	attachErr := b.AttachToStack()

	m.mu.Lock()
	if attachErr != nil {
		m.unindexLocked(r)
		m.units.Release(prefix, unit)
		r.bridge = nil
		r.phase = StatePublished
		terminated := !r.active
		m.mu.Unlock()

		b.Discard()
		dev.Close(m)
		atomic.AddUint64(&m.metrics.RegisterFailed, 1)
		if terminated {
			m.terminated(dev)
		}
		log.Warnf("Attach failed: %v", attachErr)
		return 0, attachErr
	}

	if !r.active || !m.running {
		// Terminated while attaching: the detach worker finishes it.
		r.phase = StateAttached
		if r.active {
			r.active = false
			delete(m.records, dev.ID())
			m.unindexLocked(r)
		}
		running := m.running
		if running {
			m.enqueueDetachLocked(r)
		}
		m.mu.Unlock()

		if !running {
			m.finishDetach(r)
		}
		atomic.AddUint64(&m.metrics.LostRaces, 1)
		log.Info("Terminated while attaching; detach queued")
		return 0, core.NewInterfaceError("register", prefix, int64(unit), core.ErrCodeTerminated, "device terminated during attach")
	}
	r.phase = StateAttached
	m.mu.Unlock()

	atomic.AddUint64(&m.metrics.Registered, 1)
	log.WithField("device", dev.ID()).Info("Interface attached")
	return unit, nil
}

// OnDeviceWillTerminate marks dev inactive and removes it from naming at
// once. It returns true when teardown continues asynchronously: the device
// was attaching (the attach path finishes it) or attached (the detach
// worker finishes it).
func (m *Manager) OnDeviceWillTerminate(dev core.Controller) bool {
	if dev == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[dev.ID()]
	if !ok {
		return false
	}
	r.active = false
	delete(m.records, dev.ID())
	m.unindexLocked(r)
	atomic.AddUint64(&m.metrics.Terminated, 1)

	switch {
	case r.registering || r.phase == StateAttaching:
		atomic.AddUint64(&m.metrics.Deferred, 1)
		m.log.WithField("device", dev.ID()).Info("Termination deferred until attach completes")
		return true
	case r.phase == StateAttached:
		atomic.AddUint64(&m.metrics.Deferred, 1)
		m.enqueueDetachLocked(r)
		m.log.WithField("device", dev.ID()).Info("Termination deferred to detach worker")
		return true
	default:
		m.log.WithField("device", dev.ID()).Info("Device terminated")
		return false
	}
}

// OnPowerChange records a power notification for dev and forwards it to
// the interface bridge, if one exists.
func (m *Manager) OnPowerChange(dev core.Controller, phase core.PowerPhase, usable bool) error {
	m.mu.Lock()
	r, ok := m.records[dev.ID()]
	if !ok {
		m.mu.Unlock()
		return core.NewError("power", core.ErrCodeNotFound, fmt.Sprintf("device %s not tracked", dev.ID()))
	}
	switch {
	case !usable:
		r.disabled = true
	case phase == core.PowerDidChange:
		r.disabled = false
	}
	b := r.bridge
	m.mu.Unlock()

	if b != nil {
		b.HandlePower(phase, usable)
	}
	m.log.WithFields(logrus.Fields{"device": dev.ID(), "phase": phase.String(), "usable": usable}).Debug("Power change")
	return nil
}

// Lookup returns the record for the interface called name.
func (m *Manager) Lookup(name string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byName[name]
	if !ok {
		return Info{}, false
	}
	return r.info(), true
}

// Device returns the tracked record for a device ID.
func (m *Manager) Device(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Info{}, false
	}
	return r.info(), true
}

// Bridge returns the bridge of an attached interface.
func (m *Manager) Bridge(name string) (*bridge.Interface, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byName[name]
	if !ok || r.phase != StateAttached || r.bridge == nil {
		return nil, false
	}
	return r.bridge, true
}

// Interfaces returns a snapshot of all tracked records ordered by device ID.
func (m *Manager) Interfaces() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// UnitInUse reports whether prefix+unit is reserved.
func (m *Manager) UnitInUse(prefix string, unit uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.units.InUse(prefix, unit)
}

// Metrics returns lifecycle counters for the metrics reporter.
func (m *Manager) Metrics() map[string]uint64 {
	m.mu.Lock()
	queued := uint64(len(m.detachQ))
	tracked := uint64(len(m.records))
	prefixes := uint64(m.units.Prefixes())
	m.mu.Unlock()

	return map[string]uint64{
		"published":       atomic.LoadUint64(&m.metrics.Published),
		"registered":      atomic.LoadUint64(&m.metrics.Registered),
		"register_failed": atomic.LoadUint64(&m.metrics.RegisterFailed),
		"lost_races":      atomic.LoadUint64(&m.metrics.LostRaces),
		"terminated":      atomic.LoadUint64(&m.metrics.Terminated),
		"deferred":        atomic.LoadUint64(&m.metrics.Deferred),
		"detached":        atomic.LoadUint64(&m.metrics.Detached),
		"detach_errors":   atomic.LoadUint64(&m.metrics.DetachErrors),
		"detach_queue":    queued,
		"tracked":         tracked,
		"prefixes":        prefixes,
	}
}

// unindexLocked drops r from the name index if it still owns the entry.
func (m *Manager) unindexLocked(r *record) {
	if r.phase != StateAttaching && r.phase != StateAttached {
		return
	}
	if cur, ok := m.byName[r.name()]; ok && cur == r {
		delete(m.byName, r.name())
	}
}

func (m *Manager) terminated(dev core.Controller) {
	if m.cfg.OnTerminated != nil {
		m.cfg.OnTerminated(dev)
	}
}

// tapConfigFor derives a per-interface tap file. "{if}" in the configured
// path is replaced by the interface name; otherwise the name is appended to
// the file's base name.
func tapConfigFor(cfg core.TapConfig, name string) core.TapConfig {
	if cfg.File == "" {
		return cfg
	}
	if strings.Contains(cfg.File, "{if}") {
		cfg.File = strings.ReplaceAll(cfg.File, "{if}", name)
		return cfg
	}
	ext := filepath.Ext(cfg.File)
	cfg.File = strings.TrimSuffix(cfg.File, ext) + "-" + name + ext
	return cfg
}
