package core

import "time"

// ManagerConfig contains configuration for the lifecycle manager.
type ManagerConfig struct {
	// DetachQueueWarn logs a warning when the async detach backlog grows
	// past this many interfaces. 0 disables the warning.
	DetachQueueWarn int `json:"detach_queue_warn" yaml:"detachQueueWarn"`

	// OnTerminated is called once a deferred termination has finished
	// (device detached, unit released, device closed).
	OnTerminated func(dev Controller) `json:"-" yaml:"-"`
}

// BridgeConfig contains configuration shared by interface bridges.
type BridgeConfig struct {
	// InputQueueLimit is the number of queued input packets that forces
	// a flush to the stack. 0 means flush only on demand.
	InputQueueLimit int `json:"input_queue_limit" yaml:"inputQueueLimit"`

	// Tap configures the optional monitoring tap.
	Tap TapConfig `json:"tap" yaml:"tap"`
}

// TapConfig describes the monitoring tap fed from the input path.
type TapConfig struct {
	// File is the pcap output path. Empty disables the tap.
	File string `json:"file" yaml:"file"`

	// EtherTypes restricts captured frames. Empty captures everything.
	EtherTypes []uint16 `json:"ether_types" yaml:"etherTypes"`

	// SnapLen is the capture length per frame.
	SnapLen int `json:"snap_len" yaml:"snapLen"`
}

// StreamingConfig contains configuration for AVB streaming controllers.
type StreamingConfig struct {
	// PollInterval bounds the callback worker's semaphore wait so
	// shutdown is noticed promptly.
	PollInterval time.Duration `json:"poll_interval" yaml:"pollInterval"`

	// MaxEgressID is the largest egress handler identifier handed out.
	MaxEgressID uint16 `json:"max_egress_id" yaml:"maxEgressID"`
}

// DeviceConfig declares a device the daemon manages.
type DeviceConfig struct {
	// Kind is "mock" (simulated Ethernet controller), "tun" (kernel TUN
	// device) or "memtun" (in-process TUN device).
	Kind string `json:"kind" yaml:"kind"`

	// Name is the device name; for mock devices the leading letters are
	// used as the interface prefix.
	Name string `json:"name" yaml:"name"`

	// HardwareAddr is the MAC address of a mock device.
	HardwareAddr string `json:"hardware_addr" yaml:"hardwareAddr"`

	// MTU of the device.
	MTU int `json:"mtu" yaml:"mtu"`

	// Unit is the requested unit number.
	Unit uint32 `json:"unit" yaml:"unit"`

	// FixedUnit fails registration instead of picking another unit.
	FixedUnit bool `json:"fixed_unit" yaml:"fixedUnit"`

	// Streaming enables an AVB streaming controller for the device.
	Streaming bool `json:"streaming" yaml:"streaming"`
}
