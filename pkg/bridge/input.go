package bridge

import (
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/irctrakz/ifstack/pkg/core"
)

// receive is installed as the controller's receiver; it runs on the
// device's work queue.
func (b *Interface) receive(frame []byte) {
	if _, err := b.InputPacket(frame, false); err != nil {
		b.log.Debugf("Input dropped: %v", err)
	}
}

// stripHeader removes the Ethernet header and one 802.1Q tag, if present.
// Raw IP frames are returned unchanged.
func (b *Interface) stripHeader(frame []byte) ([]byte, error) {
	if b.dev.LinkType() != core.LinkTypeEthernet {
		return frame, nil
	}

	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	payload := eth.Payload
	if eth.EthernetType == layers.EthernetTypeDot1Q {
		var tag layers.Dot1Q
		if err := tag.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return nil, err
		}
		payload = tag.Payload
	}
	return payload, nil
}

// InputPacket strips the link header, feeds the tap and queues the payload.
// Unless queueOnly is set (and the queue is below InputQueueLimit) the queue
// is handed to the stack at once. It returns the number of packets handed
// off, 0 when the frame was only queued.
func (b *Interface) InputPacket(frame []byte, queueOnly bool) (int, error) {
	if len(frame) == 0 {
		atomic.AddUint64(&b.metrics.InputErrors, 1)
		return 0, b.errorf("input", core.ErrCodeBadArgument, "empty frame")
	}
	if _, ok := b.currentHandle(); !ok {
		atomic.AddUint64(&b.metrics.InputDrops, 1)
		return 0, b.errorf("input", core.ErrCodeDeviceUnusable, "not attached")
	}

	payload, err := b.stripHeader(frame)
	if err != nil {
		atomic.AddUint64(&b.metrics.InputErrors, 1)
		return 0, b.errorf("input", core.ErrCodeBadArgument, "malformed link header: %v", err)
	}

	if b.tap != nil {
		b.tap.Capture(frame)
	}

	pkt := core.NewPooledPacket(payload)

	b.handMu.Lock()
	defer b.handMu.Unlock()

	b.inMu.Lock()
	if !b.inOpen {
		b.inMu.Unlock()
		core.CompletePacket(pkt)
		atomic.AddUint64(&b.metrics.InputDrops, 1)
		return 0, b.errorf("input", core.ErrCodeDeviceUnusable, "not attached")
	}
	b.inQueue = append(b.inQueue, pkt)
	b.inBytes += uint64(len(payload))
	limit := b.cfg.InputQueueLimit
	if queueOnly && (limit <= 0 || len(b.inQueue) < limit) {
		b.inMu.Unlock()
		return 0, nil
	}
	chain, bytes, stats := b.takeInputLocked()
	b.inMu.Unlock()

	return b.handOff(chain, bytes, stats)
}

// FlushInput hands all queued packets to the stack.
func (b *Interface) FlushInput() (int, error) {
	b.handMu.Lock()
	defer b.handMu.Unlock()

	b.inMu.Lock()
	if len(b.inQueue) == 0 {
		b.inMu.Unlock()
		return 0, nil
	}
	chain, bytes, stats := b.takeInputLocked()
	b.inMu.Unlock()

	return b.handOff(chain, bytes, stats)
}

// QueuedInput returns the number of packets awaiting a flush and their
// running byte count.
func (b *Interface) QueuedInput() (int, uint64) {
	b.inMu.Lock()
	defer b.inMu.Unlock()
	return len(b.inQueue), b.inBytes
}

// takeInputLocked detaches the queue and resets the byte counter. inMu must
// be held.
func (b *Interface) takeInputLocked() ([]core.Packet, uint64, core.InputStats) {
	chain := b.inQueue
	bytes := b.inBytes
	b.inQueue = nil
	b.inBytes = 0

	stats := b.refreshCountersLocked()
	stats.Bytes = bytes
	b.stats.InputBytes += bytes
	return chain, bytes, stats
}

func (b *Interface) handOff(chain []core.Packet, bytes uint64, stats core.InputStats) (int, error) {
	h, ok := b.currentHandle()
	if !ok {
		for _, p := range chain {
			core.CompletePacket(p)
		}
		atomic.AddUint64(&b.metrics.InputDrops, uint64(len(chain)))
		return 0, b.errorf("input", core.ErrCodeDeviceUnusable, "not attached")
	}

	if err := b.stack.Input(h, chain, stats); err != nil {
		atomic.AddUint64(&b.metrics.InputErrors, 1)
		return 0, core.WrapError("input", core.ErrCodeInternal, err)
	}
	atomic.AddUint64(&b.metrics.InputBatches, 1)
	atomic.AddUint64(&b.metrics.InputPackets, uint64(len(chain)))
	atomic.AddUint64(&b.metrics.InputBytes, bytes)
	return len(chain), nil
}

// dropInput closes the input queue and completes queued packets without
// handing them off. Later input is refused until the next attach.
func (b *Interface) dropInput() {
	b.inMu.Lock()
	b.inOpen = false
	chain := b.inQueue
	b.inQueue = nil
	b.inBytes = 0
	b.inMu.Unlock()

	for _, p := range chain {
		core.CompletePacket(p)
	}
	if len(chain) > 0 {
		atomic.AddUint64(&b.metrics.InputDrops, uint64(len(chain)))
	}
}

// counterDelta is |cur - prev|; a counter that went backwards (reset or
// wrap) still yields a non-negative delta.
func counterDelta(cur, prev uint32) uint64 {
	d := int64(cur) - int64(prev)
	if d < 0 {
		d = -d
	}
	return uint64(d)
}

// refreshCountersLocked folds the device's free-running counters into the
// accumulated statistics and returns the input deltas. inMu must be held.
func (b *Interface) refreshCountersLocked() core.InputStats {
	cur := b.dev.Counters()
	prev := b.prev
	b.prev = cur

	in := core.InputStats{
		Packets:    counterDelta(cur.InputPackets, prev.InputPackets),
		Errors:     counterDelta(cur.InputErrors, prev.InputErrors),
		Collisions: counterDelta(cur.Collisions, prev.Collisions),
	}
	b.stats.InputPackets += in.Packets
	b.stats.InputErrors += in.Errors
	b.stats.Collisions += in.Collisions
	b.stats.OutputPackets += counterDelta(cur.OutputPackets, prev.OutputPackets)
	b.stats.OutputErrors += counterDelta(cur.OutputErrors, prev.OutputErrors)
	return in
}

// Stats returns the accumulated interface statistics.
func (b *Interface) Stats() core.InterfaceStats {
	b.inMu.Lock()
	defer b.inMu.Unlock()
	b.refreshCountersLocked()
	s := b.stats
	s.OutputDrops = atomic.LoadUint64(&b.metrics.OutputDrops)
	return s
}
