// Package iface models the router's configured network interfaces. The set
// is populated once at startup and is read-only for the lifetime of the
// forwarding pipeline, so lookups take no locks.
package iface

import (
	"net"
	"net/netip"
)

// Interface is one configured router port.
type Interface struct {
	Name         string
	Addr         netip.Addr
	HardwareAddr net.HardwareAddr
}

// Set is the router's interface collection. Order is the configuration
// order; First() relies on it.
type Set struct {
	list   []*Interface
	byName map[string]*Interface
	byAddr map[netip.Addr]*Interface
}

// NewSet builds a Set from the configured interfaces.
func NewSet(ifaces []*Interface) *Set {
	s := &Set{
		list:   ifaces,
		byName: make(map[string]*Interface, len(ifaces)),
		byAddr: make(map[netip.Addr]*Interface, len(ifaces)),
	}
	for _, it := range ifaces {
		s.byName[it.Name] = it
		s.byAddr[it.Addr] = it
	}
	return s
}

// ByName returns the interface with the given name.
func (s *Set) ByName(name string) (*Interface, bool) {
	it, ok := s.byName[name]
	return it, ok
}

// ByAddr returns the interface owning addr. Used to answer "is this datagram
// addressed to one of my interfaces".
func (s *Set) ByAddr(addr netip.Addr) (*Interface, bool) {
	it, ok := s.byAddr[addr]
	return it, ok
}

// First returns the first configured interface. The first-interface source
// address policy for locally originated ICMP messages uses it.
func (s *Set) First() *Interface {
	if len(s.list) == 0 {
		return nil
	}
	return s.list[0]
}

// All returns the interfaces in configuration order.
func (s *Set) All() []*Interface {
	return s.list
}
