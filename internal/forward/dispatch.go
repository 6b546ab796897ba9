package forward

import (
	"log/slog"
	"net"
	"net/netip"

	"firestige.xyz/routed/internal/arp"
	"firestige.xyz/routed/internal/icmp"
	"firestige.xyz/routed/internal/iface"
	"firestige.xyz/routed/internal/ipv4"
	"firestige.xyz/routed/internal/metrics"
)

// Deliver hands a datagram to its next hop. frame, when non-nil, is the
// received Ethernet frame enclosing datagram; it is reused for transmission
// instead of building a new one. The TTL is decremented here, exactly once,
// immediately before transmission. A zero TTL on entry is a classification
// bug in the caller and aborts.
func (e *Engine) Deliver(nextHop netip.Addr, egress *iface.Interface, datagram, frame []byte) {
	ipv4.DecrementTTL(datagram)

	res := e.resolver.Resolve(nextHop, egress)
	switch res.State {
	case arp.StateResolved:
		var err error
		if frame != nil {
			err = e.link.Transmit(res.HardwareAddr, frame, egress)
		} else {
			err = e.link.TransmitDatagram(res.HardwareAddr, datagram, egress)
		}
		if err != nil {
			slog.Warn("link transmit failed", "next_hop", nextHop, "interface", egress.Name, "error", err)
		}

	case arp.StatePending:
		// Resolution request is in flight; park the datagram for replay.
		// The frame buffer is not kept: replays are wrapped fresh.
		e.pending.Enqueue(nextHop, datagram, egress.Name)
		// A reply (or retry exhaustion) landing between Resolve and Enqueue
		// fires its hook against a still-empty queue; re-checking picks the
		// datagram up instead of leaving it parked until the entry expires.
		switch res := e.resolver.Resolve(nextHop, egress); res.State {
		case arp.StateResolved:
			e.ReplayPending(nextHop, res.HardwareAddr)
		case arp.StateFailed:
			e.FailPending(nextHop)
		}

	case arp.StateFailed:
		e.AbortDelivery(nextHop, datagram)
	}
}

// AbortDelivery handles a permanently unreachable next hop: the datagram in
// hand and every datagram already queued behind the same next hop each
// produce a host-unreachable report toward their original sender.
func (e *Engine) AbortDelivery(nextHop netip.Addr, datagram []byte) {
	e.failDatagram(datagram)
	e.FailPending(nextHop)
}

// FailPending drains the datagrams parked on nextHop and reports each one
// host-unreachable. The ARP cache calls it when retries run out.
func (e *Engine) FailPending(nextHop netip.Addr) {
	for _, pd := range e.pending.Drain(nextHop) {
		e.failDatagram(pd.Datagram)
	}
}

// ReplayPending transmits every datagram parked on nextHop once its
// link-layer address is known. Each datagram already went through Deliver,
// so its TTL is final; replay is transmission only.
func (e *Engine) ReplayPending(nextHop netip.Addr, mac net.HardwareAddr) {
	for _, pd := range e.pending.Drain(nextHop) {
		egress, ok := e.ifaces.ByName(pd.Interface)
		if !ok {
			continue
		}
		if err := e.link.TransmitDatagram(mac, pd.Datagram, egress); err != nil {
			slog.Warn("replay transmit failed", "next_hop", nextHop, "interface", egress.Name, "error", err)
		}
	}
}

func (e *Engine) failDatagram(datagram []byte) {
	metrics.DatagramsDroppedTotal.WithLabelValues(metrics.DropUnreachable).Inc()

	h, err := ipv4.ParseHeader(datagram)
	if err != nil {
		return
	}
	if !reportable(h.Src) {
		return
	}
	report, err := icmp.Unreachable(icmp.CodeHostUnreachable, datagram)
	if err != nil {
		return
	}
	slog.Debug("next hop unreachable", "src", h.Src, "dst", h.Dst)
	metrics.ICMPMessagesTotal.WithLabelValues("host_unreachable").Inc()
	e.SendICMP(report, h.Src)
}
