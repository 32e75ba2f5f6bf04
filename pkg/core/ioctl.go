package core

import (
	"net"
)

// IoctlCmd is an interface control request forwarded by the stack.
type IoctlCmd int

const (
	IoctlGetMTU IoctlCmd = iota + 1
	IoctlGetMedia
	IoctlGetLinkAddr
	IoctlGetFlags
	IoctlGetStats
	IoctlGetCapabilities

	IoctlSetMTU
	IoctlSetMedia
	IoctlSetLinkAddr
	IoctlSetFlags
	IoctlAddMulticast
	IoctlDelMulticast
)

var ioctlNames = map[IoctlCmd]string{
	IoctlGetMTU:          "SIOCGIFMTU",
	IoctlGetMedia:        "SIOCGIFMEDIA",
	IoctlGetLinkAddr:     "SIOCGIFLLADDR",
	IoctlGetFlags:        "SIOCGIFFLAGS",
	IoctlGetStats:        "SIOCGIFSTATS",
	IoctlGetCapabilities: "SIOCGIFCAP",
	IoctlSetMTU:          "SIOCSIFMTU",
	IoctlSetMedia:        "SIOCSIFMEDIA",
	IoctlSetLinkAddr:     "SIOCSIFLLADDR",
	IoctlSetFlags:        "SIOCSIFFLAGS",
	IoctlAddMulticast:    "SIOCADDMULTI",
	IoctlDelMulticast:    "SIOCDELMULTI",
}

func (c IoctlCmd) String() string {
	if n, ok := ioctlNames[c]; ok {
		return n
	}
	return "SIOC?"
}

// Mutating reports whether the command changes device or stack state and
// therefore must run on the device's serialization context.
func (c IoctlCmd) Mutating() bool {
	return c >= IoctlSetMTU && c <= IoctlDelMulticast
}

// Valid reports whether c is a known command.
func (c IoctlCmd) Valid() bool {
	_, ok := ioctlNames[c]
	return ok
}

// InterfaceStats is the accumulated statistics block returned by
// IoctlGetStats.
type InterfaceStats struct {
	InputPackets  uint64
	InputBytes    uint64
	InputErrors   uint64
	OutputPackets uint64
	OutputErrors  uint64
	OutputDrops   uint64
	Collisions    uint64
}

// IoctlRequest carries arguments in and results out, like an ifreq.
type IoctlRequest struct {
	MTU      int
	Medium   Medium
	Addr     net.HardwareAddr
	Flags    InterfaceFlags
	Assist   HWAssist
	Features Features
	Stats    InterfaceStats
}
