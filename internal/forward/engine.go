// Package forward implements the IPv4 forwarding engine: per-datagram
// classification (local delivery, forward, expired), the next-hop delivery
// dispatcher, and the composer for locally originated ICMP messages.
//
// The engine is single-threaded and run-to-completion: each received
// datagram or generated ICMP message runs the full classify, route, deliver
// pipeline before the next one is processed. The routing table and interface
// set are read-only for the engine's lifetime, so it takes no locks.
package forward

import (
	"log/slog"
	"net"
	"net/netip"

	"firestige.xyz/routed/internal/arp"
	"firestige.xyz/routed/internal/icmp"
	"firestige.xyz/routed/internal/iface"
	"firestige.xyz/routed/internal/ipv4"
	"firestige.xyz/routed/internal/link"
	"firestige.xyz/routed/internal/metrics"
	"firestige.xyz/routed/internal/route"
)

// Resolver maps a next-hop IP to a link-layer address. The outcome is a
// tagged variant: resolved with the address, pending with a request in
// flight, or permanently failed.
type Resolver interface {
	Resolve(nextHop netip.Addr, egress *iface.Interface) arp.Resolution
}

// PendingBuffer queues datagrams awaiting address resolution, keyed by
// next-hop IP. Retry timers and replay on resolution are its owner's
// concern, not the engine's.
type PendingBuffer interface {
	Enqueue(nextHop netip.Addr, datagram []byte, ifaceName string)
	Drain(nextHop netip.Addr) []arp.PendingDatagram
}

// Link hands fully framed payloads to the link layer: Transmit reuses a
// received frame buffer (rewriting only its addressing), TransmitDatagram
// wraps a freshly built datagram in a new frame.
type Link interface {
	Transmit(dst net.HardwareAddr, frame []byte, egress *iface.Interface) error
	TransmitDatagram(dst net.HardwareAddr, datagram []byte, egress *iface.Interface) error
}

// Engine owns the router's read-only state and collaborator boundaries.
// There is no hidden process-wide state: everything the pipeline consults is
// reached through the Engine it was built with.
type Engine struct {
	ifaces    *iface.Set
	routes    *route.Table
	resolver  Resolver
	pending   PendingBuffer
	link      Link
	srcPolicy SourcePolicy
}

// Config collects the collaborators and policy an Engine is built from.
type Config struct {
	Interfaces   *iface.Set
	Routes       *route.Table
	Resolver     Resolver
	Pending      PendingBuffer
	Link         Link
	SourcePolicy SourcePolicy
}

// NewEngine builds a forwarding engine. Nil collaborators are caller bugs
// and fail fast.
func NewEngine(cfg Config) *Engine {
	if cfg.Interfaces == nil || cfg.Routes == nil || cfg.Resolver == nil ||
		cfg.Pending == nil || cfg.Link == nil {
		panic("forward: NewEngine with nil collaborator")
	}
	if cfg.SourcePolicy == "" {
		cfg.SourcePolicy = SourceFirstInterface
	}
	return &Engine{
		ifaces:    cfg.Interfaces,
		routes:    cfg.Routes,
		resolver:  cfg.Resolver,
		pending:   cfg.Pending,
		link:      cfg.Link,
		srcPolicy: cfg.SourcePolicy,
	}
}

// HandleDatagram is the entry point invoked once per received IPv4 datagram.
// frame, when non-nil, is the Ethernet frame enclosing datagram and may be
// reused for transmission. ingress identifies the receiving interface. All
// outcomes are side effects; the call always returns normally.
func (e *Engine) HandleDatagram(frame, datagram []byte, ingress *iface.Interface) {
	if ingress != nil {
		metrics.DatagramsReceivedTotal.WithLabelValues(ingress.Name).Inc()
	}

	if ipv4.ShouldDrop(datagram) {
		// Malformed or unsupported: silently discarded, no report owed.
		metrics.DatagramsDroppedTotal.WithLabelValues(metrics.DropInvalidHeader).Inc()
		return
	}

	h, err := ipv4.ParseHeader(datagram)
	if err != nil {
		metrics.DatagramsDroppedTotal.WithLabelValues(metrics.DropInvalidHeader).Inc()
		return
	}

	if _, ok := e.ifaces.ByAddr(h.Dst); ok {
		e.deliverLocal(h, frame, datagram, ingress)
		return
	}

	// A datagram arriving with TTL 1 would leave with TTL 0; a router must
	// not forward it. Both that case and a bogus arrival TTL of 0 expire here.
	if h.TTL <= 1 {
		e.expire(h, datagram, ingress)
		return
	}

	e.forward(h, frame, datagram, ingress)
}

// deliverLocal handles a datagram addressed to one of this router's
// interfaces. The router terminates nothing above ICMP: echo requests get a
// reply, other ICMP is consumed, and any other protocol is reported
// protocol-unreachable to the sender.
func (e *Engine) deliverLocal(h ipv4.Header, frame, datagram []byte, ingress *iface.Interface) {
	payload := ipv4.Payload(datagram)

	if h.Protocol == ipv4.ProtocolICMP {
		if !icmp.IsEchoRequest(payload) {
			// Replies and error reports addressed to us end here; an error
			// must never be answered with another error.
			slog.Debug("consuming local icmp message", "src", h.Src)
			return
		}
		if !reportable(h.Src) {
			slog.Debug("dropping echo request with unspecified source", "dst", h.Dst)
			return
		}
		reply, err := icmp.EchoReply(payload)
		if err != nil {
			slog.Debug("dropping malformed echo request", "src", h.Src, "error", err)
			metrics.DatagramsDroppedTotal.WithLabelValues(metrics.DropInvalidHeader).Inc()
			return
		}
		slog.Debug("answering echo request", "src", h.Src, "dst", h.Dst)
		metrics.ICMPMessagesTotal.WithLabelValues("echo_reply").Inc()
		// Source and destination swap: the reply originates from the
		// address the request was sent to.
		if _, ok := e.routes.Lookup(h.Src); !ok && len(frame) >= link.EtherHeaderLen && ingress != nil {
			// The table cannot route back to the asker, but it is one hop
			// away on the receiving port: answer its frame address directly.
			e.replyDirect(reply, h, frame, ingress)
			return
		}
		e.SendICMPFrom(reply, h.Src, h.Dst)
		return
	}

	if !reportable(h.Src) {
		return
	}
	report, err := icmp.Unreachable(icmp.CodeProtocolUnreachable, datagram)
	if err != nil {
		return
	}
	slog.Debug("protocol not handled locally", "protocol", h.Protocol, "src", h.Src)
	metrics.ICMPMessagesTotal.WithLabelValues("protocol_unreachable").Inc()
	e.sendICMPVia(report, h.Src, ingress)
}

// reportable reports whether an ICMP message can be directed at src. A
// datagram arriving from an unspecified source (a DHCP discover in transit,
// for example) is a network condition, not a caller bug: it has no sender to
// report to, so no message is generated for it.
func reportable(src netip.Addr) bool {
	return src.IsValid() && !src.IsUnspecified()
}

// expire reports a datagram whose TTL ran out before reaching its
// destination.
func (e *Engine) expire(h ipv4.Header, datagram []byte, ingress *iface.Interface) {
	metrics.DatagramsDroppedTotal.WithLabelValues(metrics.DropTTLExpired).Inc()
	if !reportable(h.Src) {
		return
	}
	report, err := icmp.TimeExceeded(datagram)
	if err != nil {
		return
	}
	slog.Debug("ttl expired in transit", "src", h.Src, "dst", h.Dst)
	metrics.ICMPMessagesTotal.WithLabelValues("time_exceeded").Inc()
	e.sendICMPVia(report, h.Src, ingress)
}

// forward routes the datagram and hands it to the dispatcher. The TTL is
// still the arrival TTL when the routing decision is made; the dispatcher
// decrements it as part of "about to transmit".
func (e *Engine) forward(h ipv4.Header, frame, datagram []byte, ingress *iface.Interface) {
	entry, ok := e.routes.Lookup(h.Dst)
	if !ok {
		metrics.DatagramsDroppedTotal.WithLabelValues(metrics.DropNoRoute).Inc()
		if !reportable(h.Src) {
			return
		}
		report, err := icmp.Unreachable(icmp.CodeNetUnreachable, datagram)
		if err != nil {
			return
		}
		slog.Debug("no route to destination", "dst", h.Dst, "src", h.Src)
		metrics.ICMPMessagesTotal.WithLabelValues("net_unreachable").Inc()
		e.sendICMPVia(report, h.Src, ingress)
		return
	}

	egress, ok := e.ifaces.ByName(entry.Interface)
	if !ok {
		// A route naming an unconfigured interface is a config defect;
		// nothing sensible can be done with the datagram.
		slog.Error("route references unknown interface", "interface", entry.Interface, "dst", h.Dst)
		metrics.DatagramsDroppedTotal.WithLabelValues(metrics.DropNoRoute).Inc()
		return
	}

	metrics.DatagramsForwardedTotal.WithLabelValues(egress.Name).Inc()
	e.Deliver(entry.NextHop(h.Dst), egress, datagram, frame)
}
