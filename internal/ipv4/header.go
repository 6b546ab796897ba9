// Package ipv4 implements the fixed 20-byte IPv4 header codec, the internet
// checksum, and the validation rules the forwarding engine applies to every
// received datagram.
package ipv4

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/routed/internal/core"
)

const (
	// HeaderLen is the length of a fixed IPv4 header. Datagrams carrying
	// options (IHL > 5) are not handled by this router and are dropped.
	HeaderLen = 20

	// ProtocolICMP is the IP protocol number for ICMP.
	ProtocolICMP = 1

	checksumOffset = 10
)

// Header is a decoded, read-only view of a fixed IPv4 header. It is a value
// copy; mutating it never touches the datagram it was parsed from. In-place
// datagram mutation goes through DecrementTTL / RefreshChecksum only, so a
// reader can never observe a half-updated checksum.
type Header struct {
	Version   uint8
	IHL       uint8 // header length in 32-bit words
	TOS       uint8
	TotalLen  uint16
	ID        uint16
	FlagsFrag uint16 // flags (3 bits) + fragment offset (13 bits)
	TTL       uint8
	Protocol  uint8
	Checksum  uint16
	Src       netip.Addr
	Dst       netip.Addr
}

// ParseHeader decodes the header at the front of datagram.
func ParseHeader(datagram []byte) (Header, error) {
	if len(datagram) < HeaderLen {
		return Header{}, core.ErrDatagramTooShort
	}

	h := Header{
		Version:   datagram[0] >> 4,
		IHL:       datagram[0] & 0x0F,
		TOS:       datagram[1],
		TotalLen:  binary.BigEndian.Uint16(datagram[2:4]),
		ID:        binary.BigEndian.Uint16(datagram[4:6]),
		FlagsFrag: binary.BigEndian.Uint16(datagram[6:8]),
		TTL:       datagram[8],
		Protocol:  datagram[9],
		Checksum:  binary.BigEndian.Uint16(datagram[10:12]),
		Src:       netip.AddrFrom4([4]byte(datagram[12:16])),
		Dst:       netip.AddrFrom4([4]byte(datagram[16:20])),
	}
	return h, nil
}

// PutHeader serializes h into buf[:20] and stores a freshly computed
// checksum, overwriting whatever h.Checksum says. buf must hold at least
// HeaderLen bytes; anything less is a caller bug.
func PutHeader(buf []byte, h Header) {
	if len(buf) < HeaderLen {
		panic("ipv4: PutHeader buffer shorter than header")
	}

	buf[0] = h.Version<<4 | h.IHL&0x0F
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], h.FlagsFrag)
	buf[8] = h.TTL
	buf[9] = h.Protocol
	buf[10], buf[11] = 0, 0
	src := h.Src.As4()
	dst := h.Dst.As4()
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	binary.BigEndian.PutUint16(buf[10:12], headerChecksum(buf[:HeaderLen]))
}

// Payload returns the bytes following the header. The fixed-header invariant
// (IHL == 5) has already been enforced by ShouldDrop on the receive path.
func Payload(datagram []byte) []byte {
	hlen := int(datagram[0]&0x0F) * 4
	if hlen > len(datagram) {
		return nil
	}
	return datagram[hlen:]
}

// ShouldDrop reports whether a received datagram fails structural or checksum
// validation: truncated buffer, total length below 20, version other than 4,
// options present, or a header checksum mismatch. It has no side effects.
func ShouldDrop(datagram []byte) bool {
	if len(datagram) < HeaderLen {
		return true
	}
	if binary.BigEndian.Uint16(datagram[2:4]) < HeaderLen {
		return true
	}
	if datagram[0]>>4 != 4 {
		return true
	}
	if datagram[0]&0x0F > 5 {
		return true
	}
	stored := binary.BigEndian.Uint16(datagram[10:12])
	return stored != headerChecksum(datagram[:HeaderLen])
}

// RefreshChecksum recomputes the header checksum after a header mutation and
// stores it in place.
func RefreshChecksum(datagram []byte) {
	hlen := int(datagram[0]&0x0F) * 4
	if hlen < HeaderLen || hlen > len(datagram) {
		panic("ipv4: RefreshChecksum on truncated datagram")
	}
	binary.BigEndian.PutUint16(datagram[10:12], headerChecksum(datagram[:hlen]))
}

// DecrementTTL decrements the TTL of the datagram in place and refreshes the
// header checksum. This is the single mutation point of an in-flight
// datagram. The caller has already classified the datagram as forwardable, so
// a zero TTL here is a bug in the calling pipeline, not a network condition.
func DecrementTTL(datagram []byte) {
	if len(datagram) < HeaderLen {
		panic("ipv4: DecrementTTL on truncated datagram")
	}
	if datagram[8] == 0 {
		panic("ipv4: DecrementTTL on expired datagram")
	}
	datagram[8]--
	RefreshChecksum(datagram)
}

// Checksum computes the 16-bit one's-complement sum of b, as used by the
// IPv4 and ICMP header checksums.
func Checksum(b []byte) uint16 {
	var sum uint32
	for ; len(b) >= 2; b = b[2:] {
		sum += uint32(binary.BigEndian.Uint16(b))
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum > 0xFFFF {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

// headerChecksum computes the checksum of the header bytes with the stored
// checksum field treated as zero, so validation never has to mutate the
// datagram it is inspecting.
func headerChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		if i == checksumOffset {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(hdr[i:]))
	}
	for sum > 0xFFFF {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}
