package device

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MakeIPv4 builds a minimal IPv4 packet with src/dst and payload.
func MakeIPv4(src, dst net.IP, proto byte, payload []byte) []byte {
	ihl := 20
	total := ihl + len(payload)
	p := make([]byte, total)
	p[0] = 0x45
	p[2] = byte(total >> 8)
	p[3] = byte(total & 0xff)
	p[8] = 64
	p[9] = proto
	copy(p[12:16], src.To4())
	copy(p[16:20], dst.To4())
	var sum uint32
	for i := 0; i < 20; i += 2 {
		if i == 10 {
			continue
		}
		sum += uint32(p[i])<<8 | uint32(p[i+1])
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	cs := ^uint16(sum)
	p[10] = byte(cs >> 8)
	p[11] = byte(cs)
	copy(p[ihl:], payload)
	return p
}

// MakeEthernetFrame wraps an IPv4 packet in an Ethernet header, with an
// 802.1Q tag when vlan is non-zero. Short frames are padded to the
// Ethernet minimum.
func MakeEthernetFrame(src, dst net.HardwareAddr, vlan uint16, ip []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv4,
	}
	stack := []gopacket.SerializableLayer{eth}
	if vlan != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		stack = append(stack, &layers.Dot1Q{
			VLANIdentifier: vlan,
			Type:           layers.EthernetTypeIPv4,
		})
	}
	stack = append(stack, gopacket.Payload(ip))

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, stack...); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}
