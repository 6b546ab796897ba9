// Package icmp builds and parses the ICMP messages the router originates:
// echo replies for pings addressed to it and the error reports the
// forwarding pipeline emits (time exceeded, destination unreachable).
package icmp

import (
	xicmp "golang.org/x/net/icmp"
	xipv4 "golang.org/x/net/ipv4"

	"firestige.xyz/routed/internal/core"
)

// MinMessageLen is the smallest valid ICMP message: 4 header bytes plus the
// 4 type-specific bytes every message carries.
const MinMessageLen = 8

// Destination-unreachable codes (RFC 792).
const (
	CodeNetUnreachable      = 0
	CodeHostUnreachable     = 1
	CodeProtocolUnreachable = 2
)

const protocolNumber = 1 // ICMP over IPv4

// IsEchoRequest reports whether an ICMP payload is an echo request.
func IsEchoRequest(payload []byte) bool {
	return len(payload) >= MinMessageLen && payload[0] == 8
}

// EchoReply builds an echo reply mirroring the identifier, sequence number
// and payload of the given echo request.
func EchoReply(request []byte) ([]byte, error) {
	m, err := xicmp.ParseMessage(protocolNumber, request)
	if err != nil {
		return nil, err
	}
	echo, ok := m.Body.(*xicmp.Echo)
	if !ok || m.Type != xipv4.ICMPTypeEcho {
		return nil, core.ErrNotEchoRequest
	}

	reply := xicmp.Message{
		Type: xipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: echo,
	}
	return reply.Marshal(nil)
}

// TimeExceeded builds a TTL-expired-in-transit report quoting the offending
// datagram.
func TimeExceeded(original []byte) ([]byte, error) {
	m := xicmp.Message{
		Type: xipv4.ICMPTypeTimeExceeded,
		Code: 0,
		Body: &xicmp.TimeExceeded{Data: errorPayload(original)},
	}
	return m.Marshal(nil)
}

// Unreachable builds a destination-unreachable report with the given code,
// quoting the offending datagram.
func Unreachable(code int, original []byte) ([]byte, error) {
	m := xicmp.Message{
		Type: xipv4.ICMPTypeDestinationUnreachable,
		Code: code,
		Body: &xicmp.DstUnreach{Data: errorPayload(original)},
	}
	return m.Marshal(nil)
}

// errorPayload returns the part of the offending datagram an ICMP error
// must quote: the IP header plus the first eight payload bytes (RFC 792).
func errorPayload(original []byte) []byte {
	hlen := int(original[0]&0x0F) * 4
	n := hlen + 8
	if n > len(original) {
		n = len(original)
	}
	return original[:n]
}
