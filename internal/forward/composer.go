package forward

import (
	"log/slog"
	"net"
	"net/netip"

	"firestige.xyz/routed/internal/icmp"
	"firestige.xyz/routed/internal/iface"
	"firestige.xyz/routed/internal/ipv4"
)

// SourcePolicy selects the source address of a locally originated ICMP
// message when no explicit source is given.
type SourcePolicy string

const (
	// SourceFirstInterface uses the first configured interface's address.
	SourceFirstInterface SourcePolicy = "first-interface"
	// SourceIngressInterface prefers the interface that received the
	// datagram the message responds to, falling back to first-interface
	// when that context is unavailable.
	SourceIngressInterface SourcePolicy = "ingress-interface"
)

// Valid reports whether p names a known policy.
func (p SourcePolicy) Valid() bool {
	return p == SourceFirstInterface || p == SourceIngressInterface
}

const (
	defaultTTL = 64
	defaultID  = 0
)

// SendICMP routes and transmits an ICMP message originated by this router,
// with the source address chosen by the configured policy. An undersized
// payload or an invalid destination is a caller bug and aborts.
func (e *Engine) SendICMP(payload []byte, dst netip.Addr) {
	e.sendICMPVia(payload, dst, nil)
}

// sendICMPVia is SendICMP with the receiving-interface context, when the
// caller has one, for the ingress-interface source policy.
func (e *Engine) sendICMPVia(payload []byte, dst netip.Addr, ingress *iface.Interface) {
	e.SendICMPFrom(payload, dst, e.sourceAddr(ingress))
}

// SendICMPFrom composes the IPv4 datagram wrapping payload and hands it to
// the dispatcher with no enclosing frame. When no route to dst exists the
// message cannot be sent and the call is a silent no-op: there is no one to
// tell.
func (e *Engine) SendICMPFrom(payload []byte, dst, src netip.Addr) {
	if len(payload) < icmp.MinMessageLen {
		panic("forward: ICMP payload below minimum message length")
	}
	if !dst.IsValid() || dst.IsUnspecified() || !src.IsValid() || src.IsUnspecified() {
		panic("forward: ICMP message with invalid address")
	}

	entry, ok := e.routes.Lookup(dst)
	if !ok {
		slog.Debug("no route for outgoing icmp message", "dst", dst)
		return
	}
	egress, ok := e.ifaces.ByName(entry.Interface)
	if !ok {
		slog.Error("route references unknown interface", "interface", entry.Interface, "dst", dst)
		return
	}

	datagram := make([]byte, ipv4.HeaderLen+len(payload))
	ipv4.PutHeader(datagram, ipv4.Header{
		Version:  4,
		IHL:      5,
		TotalLen: uint16(len(datagram)),
		ID:       defaultID,
		TTL:      defaultTTL,
		Protocol: ipv4.ProtocolICMP,
		Src:      src,
		Dst:      dst,
	})
	copy(datagram[ipv4.HeaderLen:], payload)

	e.Deliver(entry.NextHop(dst), egress, datagram, nil)
}

// replyDirect transmits an echo reply straight out the receiving interface,
// addressed to the asking frame's source hardware address, bypassing the
// routing table. This answers pings from hosts the table cannot route back
// to, which are still one hop away on the receiving port.
func (e *Engine) replyDirect(payload []byte, h ipv4.Header, frame []byte, ingress *iface.Interface) {
	dstMAC := net.HardwareAddr(frame[6:12])

	datagram := make([]byte, ipv4.HeaderLen+len(payload))
	ipv4.PutHeader(datagram, ipv4.Header{
		Version:  4,
		IHL:      5,
		TotalLen: uint16(len(datagram)),
		ID:       defaultID,
		TTL:      defaultTTL,
		Protocol: ipv4.ProtocolICMP,
		Src:      h.Dst,
		Dst:      h.Src,
	})
	copy(datagram[ipv4.HeaderLen:], payload)

	if err := e.link.TransmitDatagram(dstMAC, datagram, ingress); err != nil {
		slog.Warn("direct echo reply failed", "dst", h.Src, "interface", ingress.Name, "error", err)
	}
}

// sourceAddr applies the configured source address policy. The reference
// behavior, first interface in the set, is the default; see the
// ingress-interface policy for multi-interface deployments.
func (e *Engine) sourceAddr(ingress *iface.Interface) netip.Addr {
	if e.srcPolicy == SourceIngressInterface && ingress != nil {
		return ingress.Addr
	}
	first := e.ifaces.First()
	if first == nil {
		panic("forward: router has no configured interfaces")
	}
	return first.Addr
}
