// Package link implements the Ethernet link layer: framing of outgoing
// datagrams, ARP packet transmission, and the raw AF_PACKET endpoints the
// daemon reads frames from.
package link

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/routed/internal/core"
	"firestige.xyz/routed/internal/iface"
)

// EtherHeaderLen is the length of an untagged Ethernet header.
const EtherHeaderLen = 14

var broadcast = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Handle is one opened link-layer endpoint, one per configured interface.
// The AF_PACKET TPacket satisfies it; tests substitute fakes.
type Handle interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	WritePacketData([]byte) error
	Close()
}

// Ethernet owns the per-interface handles and builds the frames the
// forwarding engine and the ARP cache transmit.
type Ethernet struct {
	handles map[string]Handle
}

// NewEthernet creates a link layer with no attached interfaces.
func NewEthernet() *Ethernet {
	return &Ethernet{handles: make(map[string]Handle)}
}

// Attach binds an opened handle to an interface name.
func (l *Ethernet) Attach(name string, h Handle) {
	l.handles[name] = h
}

// Handle returns the handle attached to the named interface.
func (l *Ethernet) Handle(name string) (Handle, bool) {
	h, ok := l.handles[name]
	return h, ok
}

// Close closes every attached handle.
func (l *Ethernet) Close() {
	for _, h := range l.handles {
		h.Close()
	}
}

// Transmit rewrites the addressing of a received frame and retransmits it:
// destination gets the resolved next-hop MAC, source the egress interface
// MAC. The enclosed datagram is sent unchanged.
func (l *Ethernet) Transmit(dst net.HardwareAddr, frame []byte, egress *iface.Interface) error {
	if len(frame) < EtherHeaderLen {
		return core.ErrDatagramTooShort
	}
	copy(frame[0:6], dst)
	copy(frame[6:12], egress.HardwareAddr)
	return l.write(egress.Name, frame)
}

// TransmitDatagram wraps a freshly built datagram in a new Ethernet frame
// and transmits it.
func (l *Ethernet) TransmitDatagram(dst net.HardwareAddr, datagram []byte, egress *iface.Interface) error {
	eth := layers.Ethernet{
		SrcMAC:       egress.HardwareAddr,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, gopacket.Payload(datagram)); err != nil {
		return fmt.Errorf("failed to serialize frame: %w", err)
	}
	return l.write(egress.Name, buf.Bytes())
}

// SendRequest broadcasts an ARP request for target out of egress.
func (l *Ethernet) SendRequest(target netip.Addr, egress *iface.Interface) error {
	return l.sendARP(layers.ARPRequest, broadcast, net.HardwareAddr{0, 0, 0, 0, 0, 0}, target, egress)
}

// SendReply answers an ARP request: it announces egress's own mapping to the
// asking host.
func (l *Ethernet) SendReply(targetMAC net.HardwareAddr, targetIP netip.Addr, egress *iface.Interface) error {
	return l.sendARP(layers.ARPReply, targetMAC, targetMAC, targetIP, egress)
}

func (l *Ethernet) sendARP(op uint16, frameDst, targetMAC net.HardwareAddr, targetIP netip.Addr, egress *iface.Interface) error {
	srcIP := egress.Addr.As4()
	dstIP := targetIP.As4()

	eth := layers.Ethernet{
		SrcMAC:       egress.HardwareAddr,
		DstMAC:       frameDst,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   egress.HardwareAddr,
		SourceProtAddress: srcIP[:],
		DstHwAddress:      targetMAC,
		DstProtAddress:    dstIP[:],
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
		return fmt.Errorf("failed to serialize arp packet: %w", err)
	}
	return l.write(egress.Name, buf.Bytes())
}

func (l *Ethernet) write(ifaceName string, frame []byte) error {
	h, ok := l.handles[ifaceName]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrInterfaceNotFound, ifaceName)
	}
	return h.WritePacketData(frame)
}
