package bridge

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/net/bpf"

	"github.com/irctrakz/ifstack/pkg/core"
)

const defaultSnapLen = 65535

// Tap is a monitoring tap on the input path. Frames that pass the filter
// are written to a pcap stream.
type Tap struct {
	mu       sync.Mutex
	w        *pcapgo.Writer
	closer   io.Closer
	vm       *bpf.VM
	snapLen  int
	closed   bool
	captured uint64
	filtered uint64
}

// OpenTap creates cfg.File and returns a tap writing to it. It returns nil
// and no error when the tap is not configured.
func OpenTap(cfg core.TapConfig, linkType core.LinkType) (*Tap, error) {
	if cfg.File == "" {
		return nil, nil
	}
	f, err := os.Create(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("failed to create tap file: %w", err)
	}
	t, err := NewTap(f, cfg, linkType)
	if err != nil {
		f.Close()
		return nil, err
	}
	t.closer = f
	return t, nil
}

// NewTap writes the pcap file header to w and returns a tap on it.
func NewTap(w io.Writer, cfg core.TapConfig, linkType core.LinkType) (*Tap, error) {
	snap := cfg.SnapLen
	if snap <= 0 {
		snap = defaultSnapLen
	}

	var vm *bpf.VM
	if len(cfg.EtherTypes) > 0 {
		prog, err := FilterProgram(cfg.EtherTypes, linkType, uint32(snap))
		if err != nil {
			return nil, err
		}
		vm, err = bpf.NewVM(prog)
		if err != nil {
			return nil, fmt.Errorf("invalid tap filter: %w", err)
		}
	}

	pw := pcapgo.NewWriter(w)
	lt := layers.LinkTypeEthernet
	if linkType == core.LinkTypeRaw {
		lt = layers.LinkTypeRaw
	}
	if err := pw.WriteFileHeader(uint32(snap), lt); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Tap{w: pw, vm: vm, snapLen: snap}, nil
}

// FilterProgram builds a BPF program accepting the listed EtherTypes. On
// Ethernet links it matches the type field (a tagged frame matches 0x8100);
// on raw IP links 0x0800 and 0x86dd match the IP version nibble.
func FilterProgram(etherTypes []uint16, linkType core.LinkType, snapLen uint32) ([]bpf.Instruction, error) {
	var load []bpf.Instruction
	var vals []uint32

	switch linkType {
	case core.LinkTypeEthernet:
		load = []bpf.Instruction{bpf.LoadAbsolute{Off: 12, Size: 2}}
		for _, et := range etherTypes {
			vals = append(vals, uint32(et))
		}
	case core.LinkTypeRaw:
		load = []bpf.Instruction{
			bpf.LoadAbsolute{Off: 0, Size: 1},
			bpf.ALUOpConstant{Op: bpf.ALUOpShiftRight, Val: 4},
		}
		for _, et := range etherTypes {
			switch et {
			case uint16(layers.EthernetTypeIPv4):
				vals = append(vals, 4)
			case uint16(layers.EthernetTypeIPv6):
				vals = append(vals, 6)
			default:
				return nil, fmt.Errorf("ethertype %#04x cannot be matched on a raw link", et)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported link type %s", linkType)
	}
	if len(vals) > 255 {
		return nil, fmt.Errorf("too many ethertypes: %d", len(vals))
	}

	prog := append([]bpf.Instruction(nil), load...)
	n := len(vals)
	for i, v := range vals {
		prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: v, SkipTrue: uint8(n - i)})
	}
	prog = append(prog,
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: snapLen},
	)
	return prog, nil
}

// Capture runs the filter on frame and writes it when accepted.
func (t *Tap) Capture(frame []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}

	keep := len(frame)
	if t.vm != nil {
		n, err := t.vm.Run(frame)
		if err != nil || n == 0 {
			t.filtered++
			return false
		}
		if n < keep {
			keep = n
		}
	}
	if keep > t.snapLen {
		keep = t.snapLen
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: keep,
		Length:        len(frame),
	}
	if err := t.w.WritePacket(ci, frame[:keep]); err != nil {
		t.filtered++
		return false
	}
	t.captured++
	return true
}

// Stats returns the captured and filtered frame counts.
func (t *Tap) Stats() (captured, filtered uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.captured, t.filtered
}

// Close stops capturing and closes the backing file, if the tap owns one.
func (t *Tap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
