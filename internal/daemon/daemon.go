// Package daemon wires the router together: it opens the link-layer
// endpoints, builds the forwarding engine and its collaborators from
// configuration, and runs the per-interface receive loops.
package daemon

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/routed/internal/arp"
	"firestige.xyz/routed/internal/config"
	"firestige.xyz/routed/internal/forward"
	"firestige.xyz/routed/internal/iface"
	"firestige.xyz/routed/internal/ipv4"
	"firestige.xyz/routed/internal/link"
	"firestige.xyz/routed/internal/route"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
)

// Daemon owns the running router: one receive loop per interface plus the
// ARP retry sweeper.
type Daemon struct {
	cfg    *config.GlobalConfig
	ifaces *iface.Set
	link   *link.Ethernet
	cache  *arp.Cache
	engine *forward.Engine

	sweepInterval time.Duration
}

// New builds a Daemon from validated configuration and opens one AF_PACKET
// endpoint per configured interface.
func New(cfg *config.GlobalConfig) (*Daemon, error) {
	ifaces, err := buildInterfaceSet(cfg.Interfaces)
	if err != nil {
		return nil, err
	}

	entries, err := cfg.RouteEntries()
	if err != nil {
		return nil, err
	}
	routes := route.NewTable(entries)

	retryInterval, err := time.ParseDuration(cfg.ARP.RetryInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid arp.retry_interval: %w", err)
	}
	cacheTTL, err := time.ParseDuration(cfg.ARP.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid arp.cache_ttl: %w", err)
	}
	pollTimeout, err := time.ParseDuration(cfg.Capture.PollTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid capture.poll_timeout: %w", err)
	}

	ethLink := link.NewEthernet()
	queue := arp.NewQueue()
	cache := arp.NewCache(ethLink, arp.CacheOptions{
		MaxRetries:    cfg.ARP.MaxRetries,
		RetryInterval: retryInterval,
		EntryTTL:      cacheTTL,
	})

	engine := forward.NewEngine(forward.Config{
		Interfaces:   ifaces,
		Routes:       routes,
		Resolver:     cache,
		Pending:      queue,
		Link:         ethLink,
		SourcePolicy: forward.SourcePolicy(cfg.ICMP.SourcePolicy),
	})

	// Resolution completing replays the parked datagrams; retries running
	// out turns them into host-unreachable reports.
	cache.SetHooks(engine.ReplayPending, engine.FailPending)

	d := &Daemon{
		cfg:           cfg,
		ifaces:        ifaces,
		link:          ethLink,
		cache:         cache,
		engine:        engine,
		sweepInterval: retryInterval,
	}

	for _, it := range ifaces.All() {
		h, err := link.OpenAFPacket(it.Name, link.AFPacketOptions{
			SnapLen:    cfg.Capture.SnapLen,
			BufferSize: cfg.Capture.BufferSizeMB << 20,
			Timeout:    pollTimeout,
		})
		if err != nil {
			d.link.Close()
			return nil, err
		}
		ethLink.Attach(it.Name, h)
	}

	return d, nil
}

// Run drives the receive loops until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("router starting",
		"interfaces", len(d.ifaces.All()),
		"icmp_source_policy", d.cfg.ICMP.SourcePolicy)

	var wg sync.WaitGroup
	for _, it := range d.ifaces.All() {
		wg.Add(1)
		go func(it *iface.Interface) {
			defer wg.Done()
			d.readLoop(ctx, it)
		}(it)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()

	<-ctx.Done()
	d.link.Close()
	wg.Wait()

	slog.Info("router stopped")
	return nil
}

// readLoop reads frames from one interface and runs each one through the
// pipeline to completion before reading the next.
func (d *Daemon) readLoop(ctx context.Context, it *iface.Interface) {
	h, ok := d.link.Handle(it.Name)
	if !ok {
		slog.Error("no link handle for interface", "interface", it.Name)
		return
	}

	slog.Info("listening", "interface", it.Name, "address", it.Addr)

	for {
		frame, _, err := h.ReadPacketData()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Poll timeouts surface as errors; anything else is worth a log
			// line but never stops the loop.
			if !errors.Is(err, afpacket.ErrTimeout) {
				slog.Warn("read failed", "interface", it.Name, "error", err)
			}
			continue
		}
		d.handleFrame(frame, it)
	}
}

// sweepLoop drives the ARP retry timer.
func (d *Daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.cache.Sweep()
		}
	}
}

// handleFrame demultiplexes one received frame: ARP packets feed the
// resolution cache, IPv4 datagrams enter the forwarding engine.
func (d *Daemon) handleFrame(frame []byte, ingress *iface.Interface) {
	if len(frame) < link.EtherHeaderLen {
		return
	}

	switch binary.BigEndian.Uint16(frame[12:14]) {
	case etherTypeARP:
		var (
			eth     layers.Ethernet
			arpPkt  layers.ARP
			decoded []gopacket.LayerType
		)
		parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &arpPkt)
		parser.IgnoreUnsupported = true
		if err := parser.DecodeLayers(frame, &decoded); err != nil {
			return
		}
		for _, lt := range decoded {
			if lt == layers.LayerTypeARP {
				d.cache.HandlePacket(&arpPkt, ingress)
				return
			}
		}

	case etherTypeIPv4:
		datagram := frame[link.EtherHeaderLen:]
		// Short frames are padded on the wire; trim the datagram back to
		// its own idea of its length so error reports never quote padding.
		if len(datagram) >= ipv4.HeaderLen {
			if totalLen := int(binary.BigEndian.Uint16(datagram[2:4])); totalLen >= ipv4.HeaderLen && totalLen <= len(datagram) {
				datagram = datagram[:totalLen]
			}
		}
		d.engine.HandleDatagram(frame, datagram, ingress)
	}
}

// buildInterfaceSet resolves the configured interfaces, reading hardware
// addresses from the NICs when the configuration leaves them out.
func buildInterfaceSet(configs []config.InterfaceConfig) (*iface.Set, error) {
	ifaces := make([]*iface.Interface, 0, len(configs))
	for _, ic := range configs {
		addr, err := netip.ParseAddr(ic.Address)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", ic.Name, err)
		}

		var mac net.HardwareAddr
		if ic.HardwareAddr != "" {
			if mac, err = net.ParseMAC(ic.HardwareAddr); err != nil {
				return nil, fmt.Errorf("interface %s: %w", ic.Name, err)
			}
		} else {
			nic, err := net.InterfaceByName(ic.Name)
			if err != nil {
				return nil, fmt.Errorf("interface %s: %w", ic.Name, err)
			}
			mac = nic.HardwareAddr
		}

		ifaces = append(ifaces, &iface.Interface{
			Name:         ic.Name,
			Addr:         addr,
			HardwareAddr: mac,
		})
	}
	return iface.NewSet(ifaces), nil
}
