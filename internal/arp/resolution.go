// Package arp implements the address-resolution collaborator of the
// forwarding pipeline: a cache mapping next-hop IPs to link-layer addresses,
// bounded request retries, and the queue of datagrams parked on a pending
// resolution. Retry and timeout policy lives entirely here; the forwarding
// engine only sees the three-outcome Resolution.
package arp

import "net"

// State enumerates the three resolution outcomes.
type State uint8

const (
	StateResolved State = iota
	StatePending
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolved:
		return "resolved"
	case StatePending:
		return "pending"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Resolution is the outcome of a next-hop lookup. HardwareAddr is set only
// in the resolved state.
type Resolution struct {
	State        State
	HardwareAddr net.HardwareAddr
}

// Resolved wraps a known link-layer address.
func Resolved(mac net.HardwareAddr) Resolution {
	return Resolution{State: StateResolved, HardwareAddr: mac}
}

// Pending signals that a request was issued and no answer is cached yet.
func Pending() Resolution {
	return Resolution{State: StatePending}
}

// Failed signals that resolution retries are exhausted and the next hop is
// unreachable.
func Failed() Resolution {
	return Resolution{State: StateFailed}
}
