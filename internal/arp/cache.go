package arp

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/routed/internal/iface"
	"firestige.xyz/routed/internal/metrics"
)

const (
	defaultMaxRetries    = 5
	defaultRetryInterval = time.Second
	defaultEntryTTL      = 15 * time.Minute
	defaultNegativeTTL   = 20 * time.Second
)

// Wire transmits ARP packets on an interface. The link layer implements it.
type Wire interface {
	SendRequest(target netip.Addr, egress *iface.Interface) error
	SendReply(targetMAC net.HardwareAddr, targetIP netip.Addr, egress *iface.Interface) error
}

// CacheOptions tune retry and expiry policy. Zero fields take defaults.
type CacheOptions struct {
	MaxRetries    int
	RetryInterval time.Duration
	EntryTTL      time.Duration
	NegativeTTL   time.Duration
	Clock         func() time.Time
}

type entry struct {
	state       State
	mac         net.HardwareAddr
	egress      *iface.Interface
	expires     time.Time // resolved/failed entries
	retries     int
	lastRequest time.Time
}

// Cache resolves next-hop IPs to link-layer addresses. A miss issues an ARP
// request and answers Pending; Sweep retransmits on an interval and flips
// entries that exhaust their retries to Failed.
type Cache struct {
	mu      sync.Mutex
	wire    Wire
	now     func() time.Time
	entries map[netip.Addr]*entry

	maxRetries    int
	retryInterval time.Duration
	entryTTL      time.Duration
	negativeTTL   time.Duration

	// Hooks wired by the daemon: resolved replays parked datagrams, failed
	// turns them into host-unreachable reports.
	resolved func(nextHop netip.Addr, mac net.HardwareAddr)
	failed   func(nextHop netip.Addr)
}

// NewCache creates a cache that transmits requests through wire.
func NewCache(wire Wire, opts CacheOptions) *Cache {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = defaultEntryTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = defaultNegativeTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache{
		wire:          wire,
		now:           opts.Clock,
		entries:       make(map[netip.Addr]*entry),
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		entryTTL:      opts.EntryTTL,
		negativeTTL:   opts.NegativeTTL,
	}
}

// SetHooks registers the replay and failure hooks invoked when a pending
// resolution completes or exhausts its retries.
func (c *Cache) SetHooks(resolved func(netip.Addr, net.HardwareAddr), failed func(netip.Addr)) {
	c.resolved = resolved
	c.failed = failed
}

// Resolve looks up the link-layer address for nextHop, issuing an ARP
// request on egress when nothing usable is cached.
func (c *Cache) Resolve(nextHop netip.Addr, egress *iface.Interface) Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[nextHop]
	if ok {
		switch e.state {
		case StateResolved:
			if now.Before(e.expires) {
				return Resolved(e.mac)
			}
			// stale, fall through to a fresh request
		case StatePending:
			return Pending()
		case StateFailed:
			if now.Before(e.expires) {
				return Failed()
			}
			// hold-down elapsed, try again
		}
	}

	c.entries[nextHop] = &entry{
		state:       StatePending,
		egress:      egress,
		retries:     1,
		lastRequest: now,
	}
	c.sendRequest(nextHop, egress)
	return Pending()
}

// HandleReply installs a resolved mapping and fires the resolved hook when a
// pending resolution was waiting on it.
func (c *Cache) HandleReply(ip netip.Addr, mac net.HardwareAddr) {
	c.mu.Lock()
	wasPending := false
	if e, ok := c.entries[ip]; ok && e.state == StatePending {
		wasPending = true
	}
	c.entries[ip] = &entry{
		state:   StateResolved,
		mac:     append(net.HardwareAddr(nil), mac...),
		expires: c.now().Add(c.entryTTL),
	}
	c.mu.Unlock()

	if wasPending && c.resolved != nil {
		c.resolved(ip, mac)
	}
}

// Sweep runs the retry timer: expired entries are evicted, pending entries
// past the retry interval are retransmitted, and entries out of retries flip
// to failed, firing the failure hook. The daemon calls it on a ticker.
func (c *Cache) Sweep() {
	c.mu.Lock()
	now := c.now()
	var exhausted []netip.Addr
	for ip, e := range c.entries {
		switch e.state {
		case StateResolved, StateFailed:
			if !now.Before(e.expires) {
				delete(c.entries, ip)
			}
		case StatePending:
			if now.Sub(e.lastRequest) < c.retryInterval {
				continue
			}
			if e.retries >= c.maxRetries {
				e.state = StateFailed
				e.expires = now.Add(c.negativeTTL)
				exhausted = append(exhausted, ip)
				continue
			}
			e.retries++
			e.lastRequest = now
			c.sendRequest(ip, e.egress)
		}
	}
	c.mu.Unlock()

	for _, ip := range exhausted {
		metrics.ARPFailuresTotal.Inc()
		slog.Warn("address resolution exhausted retries", "next_hop", ip)
		if c.failed != nil {
			c.failed(ip)
		}
	}
}

func (c *Cache) sendRequest(target netip.Addr, egress *iface.Interface) {
	metrics.ARPRequestsTotal.Inc()
	if err := c.wire.SendRequest(target, egress); err != nil {
		slog.Warn("failed to send arp request", "target", target, "error", err)
	}
}
