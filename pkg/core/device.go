package core

import (
	"net"
)

// LinkType identifies the link-layer framing a controller delivers.
type LinkType int

const (
	// LinkTypeEthernet frames carry a 14-byte Ethernet header, optionally
	// followed by an 802.1Q tag.
	LinkTypeEthernet LinkType = iota
	// LinkTypeRaw frames start directly with the IP header (TUN devices).
	LinkTypeRaw
)

func (t LinkType) String() string {
	switch t {
	case LinkTypeEthernet:
		return "ethernet"
	case LinkTypeRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Features are the hardware capability bits a controller advertises.
type Features uint32

const (
	FeatureChecksumIPv4 Features = 1 << iota
	FeatureChecksumTCP
	FeatureChecksumUDP
	FeatureChecksumTCPv6
	FeatureChecksumUDPv6
	FeatureVLANTagging
	FeatureVLANMTU
	FeatureTSOv4
	FeatureTSOv6
	FeatureMulticastFilter
	FeatureTimeSync
)

// Has reports whether all bits of f2 are set.
func (f Features) Has(f2 Features) bool { return f&f2 == f2 }

// Counters are a controller's free-running statistics. They wrap at 32 bits
// and may be reset by the hardware at any time.
type Counters struct {
	InputPackets  uint32
	InputErrors   uint32
	OutputPackets uint32
	OutputErrors  uint32
	Collisions    uint32
}

// Medium describes a selectable link medium (speed/duplex/type word).
type Medium uint32

const (
	MediumAuto Medium = 0
)

// InterfaceFlags mirror the subset of IFF_* flags the bridge forwards.
type InterfaceFlags uint32

const (
	FlagUp InterfaceFlags = 1 << iota
	FlagPromiscuous
	FlagAllMulticast
)

// Controller is the device driver side of an interface. The lifecycle
// manager discovers controllers, the bridge exposes them to the stack.
type Controller interface {
	// ID returns a stable identity for the device.
	ID() string

	// NamePrefix returns the interface family prefix (e.g. "en").
	NamePrefix() string

	// LinkType reports the framing of received frames.
	LinkType() LinkType

	// Open claims the device exclusively for client. It fails when the
	// device is already open or is being torn down.
	Open(client any) error

	// Close releases a claim taken by Open.
	Close(client any)

	// Execute runs fn on the device's serialization context and returns
	// its error. Mutating operations must go through Execute.
	Execute(fn func() error) error

	// HardwareAddr returns the current link-layer address.
	HardwareAddr() net.HardwareAddr

	// Features returns the hardware capability bits.
	Features() Features

	// Counters returns the free-running hardware counters.
	Counters() Counters

	MTU() int
	MaxMTU() int
	Medium() Medium

	// The setters below must only be called from inside Execute.
	SetMTU(mtu int) error
	SetMedium(m Medium) error
	SetHardwareAddr(addr net.HardwareAddr) error
	SetFlags(flags InterfaceFlags) error
	SetMulticast(group net.HardwareAddr, add bool) error

	// Transmit hands a frame to the hardware send path, which completes it.
	Transmit(pkt Packet) error
}

// PowerPhase distinguishes the two halves of a power notification.
type PowerPhase int

const (
	PowerWillChange PowerPhase = iota
	PowerDidChange
)

func (p PowerPhase) String() string {
	if p == PowerWillChange {
		return "will-change"
	}
	return "did-change"
}
