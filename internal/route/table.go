// Package route implements the static routing table and its
// longest-prefix-match lookup. The table is loaded once from configuration
// and never mutated while forwarding runs.
package route

import (
	"encoding/binary"
	"net/netip"
)

// Entry is one routing table row: a destination network, its mask, the
// gateway to hand matching datagrams to, and the egress interface name.
type Entry struct {
	Destination netip.Addr
	Mask        netip.Addr
	Gateway     netip.Addr
	Interface   string
}

// NextHop returns the address the link layer must resolve for a datagram
// routed through e: the gateway when the route has one, the destination
// itself on a directly connected subnet (gateway 0.0.0.0).
func (e Entry) NextHop(dst netip.Addr) netip.Addr {
	if e.Gateway.IsValid() && !e.Gateway.IsUnspecified() {
		return e.Gateway
	}
	return dst
}

// Table is an unordered list of entries. Multiple entries may match a
// destination; Lookup picks the most specific one.
type Table struct {
	entries []Entry
}

// NewTable builds a Table from the configured entries.
func NewTable(entries []Entry) *Table {
	return &Table{entries: entries}
}

// Entries returns the table rows in configuration order.
func (t *Table) Entries() []Entry {
	return t.entries
}

// Lookup scans every entry and returns the longest-prefix match for dst.
// An entry is a candidate when its masked destination equals the masked
// target, both compared in host byte order. Among candidates the one with
// the numerically largest masked target value wins: a shorter mask zeroes
// more bits, so a less specific match produces a smaller value. Equal
// values let the later entry win; the table needs no particular order.
func (t *Table) Lookup(dst netip.Addr) (Entry, bool) {
	target := addrUint32(dst)

	var (
		best       Entry
		bestMasked uint32
		found      bool
	)
	for _, e := range t.entries {
		mask := addrUint32(e.Mask)
		maskedTarget := target & mask
		if addrUint32(e.Destination)&mask != maskedTarget {
			continue
		}
		if !found || maskedTarget >= bestMasked {
			best = e
			bestMasked = maskedTarget
			found = true
		}
	}
	return best, found
}

func addrUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}
