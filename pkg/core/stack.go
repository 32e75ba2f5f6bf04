package core

import (
	"fmt"
	"net"
)

// Handle is the networking stack's reference to an attached interface.
type Handle uint64

// HWAssist is the offload bitmask the stack understands. It is derived from
// a controller's Features once, at attach time.
type HWAssist uint32

const (
	AssistCSumIP HWAssist = 1 << iota
	AssistCSumTCP
	AssistCSumUDP
	AssistCSumTCPv6
	AssistCSumUDPv6
	AssistVLANTagging
	AssistVLANMTU
	AssistTSOv4
	AssistTSOv6
	AssistMulticastFilter
)

// AssistFromFeatures translates controller capability bits.
func AssistFromFeatures(f Features) HWAssist {
	var a HWAssist
	table := []struct {
		f Features
		a HWAssist
	}{
		{FeatureChecksumIPv4, AssistCSumIP},
		{FeatureChecksumTCP, AssistCSumTCP},
		{FeatureChecksumUDP, AssistCSumUDP},
		{FeatureChecksumTCPv6, AssistCSumTCPv6},
		{FeatureChecksumUDPv6, AssistCSumUDPv6},
		{FeatureVLANTagging, AssistVLANTagging},
		{FeatureVLANMTU, AssistVLANMTU},
		{FeatureTSOv4, AssistTSOv4},
		{FeatureTSOv6, AssistTSOv6},
		{FeatureMulticastFilter, AssistMulticastFilter},
	}
	for _, e := range table {
		if f.Has(e.f) {
			a |= e.a
		}
	}
	return a
}

// MaxLinkAddrLen bounds the link-layer address stored in a LinkAddress.
const MaxLinkAddrLen = 20

// LinkAddressFamily values for LinkAddress.Family.
const (
	AFLink uint8 = 18
)

// LinkAddress is the stack-native link-layer address record. Data holds
// Len bytes of address, the rest is zero.
type LinkAddress struct {
	Family uint8
	Type   LinkType
	Len    uint8
	Data   [MaxLinkAddrLen]byte
}

// NewLinkAddress copies hw into a LinkAddress.
func NewLinkAddress(t LinkType, hw net.HardwareAddr) (LinkAddress, error) {
	la := LinkAddress{Family: AFLink, Type: t}
	if len(hw) > MaxLinkAddrLen {
		return la, fmt.Errorf("link address too long: %d bytes", len(hw))
	}
	la.Len = uint8(len(hw))
	copy(la.Data[:], hw)
	return la, nil
}

// HardwareAddr returns a copy of the address bytes.
func (la LinkAddress) HardwareAddr() net.HardwareAddr {
	out := make(net.HardwareAddr, la.Len)
	copy(out, la.Data[:la.Len])
	return out
}

// IoctlHandler is the core entry point the stack calls for interface
// ioctls. It may be invoked from any stack goroutine.
type IoctlHandler interface {
	PerformIoctl(cmd IoctlCmd, req *IoctlRequest) error
}

// AttachParams describe an interface to the stack at handle allocation.
type AttachParams struct {
	Name     string
	Prefix   string
	Unit     uint32
	DeviceID string
	LinkType LinkType
	MTU      int
	Assist   HWAssist
	Ioctl    IoctlHandler
}

// InputStats are the deltas reported alongside an input batch.
type InputStats struct {
	Packets    uint64
	Bytes      uint64
	Errors     uint64
	Collisions uint64
}

// Stack is the networking stack's attach/detach/input contract.
type Stack interface {
	// AllocateHandle reserves a stack-side handle for an interface.
	AllocateHandle(params AttachParams) (Handle, error)

	// Attach registers the interface with the stack. It may block.
	Attach(h Handle, addr LinkAddress) error

	// Detach starts removing the interface. done is called exactly once,
	// possibly on another goroutine and possibly before Detach returns,
	// once the stack holds no further references. If Detach returns an
	// error, done is not called.
	Detach(h Handle, done func()) error

	// ReleaseHandle frees a handle returned by AllocateHandle.
	ReleaseHandle(h Handle)

	// Input hands a chain of received packets to the stack. The stack
	// completes every packet in the chain.
	Input(h Handle, pkts []Packet, stats InputStats) error
}
