package arp

import (
	"log/slog"
	"net"
	"net/netip"

	"github.com/google/gopacket/layers"

	"firestige.xyz/routed/internal/iface"
)

// HandlePacket feeds a received ARP packet into the cache. Requests for one
// of this router's addresses get answered on the wire; replies (and the
// sender mapping every packet carries) resolve pending entries.
func (c *Cache) HandlePacket(pkt *layers.ARP, ingress *iface.Interface) {
	senderIP, ok := netip.AddrFromSlice(pkt.SourceProtAddress)
	if !ok || !senderIP.Is4() {
		return
	}
	senderMAC := net.HardwareAddr(pkt.SourceHwAddress)
	targetIP, ok := netip.AddrFromSlice(pkt.DstProtAddress)
	if !ok {
		return
	}

	switch pkt.Operation {
	case layers.ARPRequest:
		// Requests also announce the sender's own mapping.
		c.HandleReply(senderIP, senderMAC)
		if targetIP == ingress.Addr {
			if err := c.wire.SendReply(senderMAC, senderIP, ingress); err != nil {
				slog.Warn("failed to send arp reply", "target", senderIP, "error", err)
			}
		}
	case layers.ARPReply:
		if targetIP != ingress.Addr {
			return
		}
		c.HandleReply(senderIP, senderMAC)
	}
}
