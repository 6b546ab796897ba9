package forward

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	xicmp "golang.org/x/net/icmp"
	xipv4 "golang.org/x/net/ipv4"

	"firestige.xyz/routed/internal/arp"
	"firestige.xyz/routed/internal/iface"
	"firestige.xyz/routed/internal/ipv4"
	"firestige.xyz/routed/internal/route"
)

var (
	eth0MAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	eth1MAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	hostMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0xAA}

	lanGateway = netip.MustParseAddr("192.168.2.254")
)

type fakeResolver struct {
	results map[netip.Addr]arp.Resolution
	// script, when set for a next hop, yields one outcome per call before
	// falling back to results.
	script map[netip.Addr][]arp.Resolution
	calls  []netip.Addr
}

func (r *fakeResolver) Resolve(nextHop netip.Addr, _ *iface.Interface) arp.Resolution {
	r.calls = append(r.calls, nextHop)
	if seq := r.script[nextHop]; len(seq) > 0 {
		r.script[nextHop] = seq[1:]
		return seq[0]
	}
	if res, ok := r.results[nextHop]; ok {
		return res
	}
	return arp.Resolved(hostMAC)
}

type sentFrame struct {
	dst    net.HardwareAddr
	frame  []byte
	egress string
}

type sentDatagram struct {
	dst      net.HardwareAddr
	datagram []byte
	egress   string
}

type fakeLink struct {
	frames    []sentFrame
	datagrams []sentDatagram
}

func (l *fakeLink) Transmit(dst net.HardwareAddr, frame []byte, egress *iface.Interface) error {
	l.frames = append(l.frames, sentFrame{dst: dst, frame: frame, egress: egress.Name})
	return nil
}

func (l *fakeLink) TransmitDatagram(dst net.HardwareAddr, datagram []byte, egress *iface.Interface) error {
	l.datagrams = append(l.datagrams, sentDatagram{dst: dst, datagram: datagram, egress: egress.Name})
	return nil
}

// testEnv wires an engine with two interfaces: eth0 on the 192.168.1.0/24
// LAN (directly connected) and eth1 toward 10.0.0.0/8 via a gateway.
type testEnv struct {
	engine   *Engine
	resolver *fakeResolver
	link     *fakeLink
	queue    *arp.Queue
	eth0     *iface.Interface
	eth1     *iface.Interface
}

func newTestEnv(t *testing.T, policy SourcePolicy) *testEnv {
	t.Helper()

	eth0 := &iface.Interface{Name: "eth0", Addr: netip.MustParseAddr("192.168.1.1"), HardwareAddr: eth0MAC}
	eth1 := &iface.Interface{Name: "eth1", Addr: netip.MustParseAddr("192.168.2.1"), HardwareAddr: eth1MAC}

	routes := route.NewTable([]route.Entry{
		{Destination: netip.MustParseAddr("192.168.1.0"), Mask: netip.MustParseAddr("255.255.255.0"), Interface: "eth0"},
		{Destination: netip.MustParseAddr("10.0.0.0"), Mask: netip.MustParseAddr("255.0.0.0"), Gateway: lanGateway, Interface: "eth1"},
	})

	resolver := &fakeResolver{
		results: make(map[netip.Addr]arp.Resolution),
		script:  make(map[netip.Addr][]arp.Resolution),
	}
	link := &fakeLink{}
	queue := arp.NewQueue()

	engine := NewEngine(Config{
		Interfaces:   iface.NewSet([]*iface.Interface{eth0, eth1}),
		Routes:       routes,
		Resolver:     resolver,
		Pending:      queue,
		Link:         link,
		SourcePolicy: policy,
	})

	return &testEnv{engine: engine, resolver: resolver, link: link, queue: queue, eth0: eth0, eth1: eth1}
}

func buildDatagram(t *testing.T, src, dst string, ttl, protocol uint8, payload []byte) []byte {
	t.Helper()
	d := make([]byte, ipv4.HeaderLen+len(payload))
	ipv4.PutHeader(d, ipv4.Header{
		Version:  4,
		IHL:      5,
		TotalLen: uint16(len(d)),
		TTL:      ttl,
		Protocol: protocol,
		Src:      netip.MustParseAddr(src),
		Dst:      netip.MustParseAddr(dst),
	})
	copy(d[ipv4.HeaderLen:], payload)
	return d
}

func echoRequest(t *testing.T, id, seq int, data []byte) []byte {
	t.Helper()
	m := xicmp.Message{
		Type: xipv4.ICMPTypeEcho,
		Code: 0,
		Body: &xicmp.Echo{ID: id, Seq: seq, Data: data},
	}
	b, err := m.Marshal(nil)
	if err != nil {
		t.Fatalf("marshal echo request: %v", err)
	}
	return b
}

// parseICMPDatagram unpacks a transmitted datagram that must carry ICMP and
// returns its header and the ICMP type and code bytes.
func parseICMPDatagram(t *testing.T, datagram []byte) (ipv4.Header, byte, byte) {
	t.Helper()
	h, err := ipv4.ParseHeader(datagram)
	if err != nil {
		t.Fatalf("transmitted datagram does not parse: %v", err)
	}
	if h.Protocol != ipv4.ProtocolICMP {
		t.Fatalf("protocol: got %d, want ICMP", h.Protocol)
	}
	p := ipv4.Payload(datagram)
	if len(p) < 8 {
		t.Fatalf("icmp payload too short: %d bytes", len(p))
	}
	return h, p[0], p[1]
}

func TestForwardReusesFrameAndDecrementsTTL(t *testing.T) {
	env := newTestEnv(t, "")
	d := buildDatagram(t, "192.168.1.50", "10.1.2.3", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	frame := append(make([]byte, 14), d...)
	datagram := frame[14:]

	env.engine.HandleDatagram(frame, datagram, env.eth0)

	if len(env.link.frames) != 1 || len(env.link.datagrams) != 0 {
		t.Fatalf("transmits: got %d frames %d datagrams, want 1/0",
			len(env.link.frames), len(env.link.datagrams))
	}
	sent := env.link.frames[0]
	if sent.egress != "eth1" {
		t.Errorf("egress: got %q, want eth1", sent.egress)
	}
	if sent.dst.String() != hostMAC.String() {
		t.Errorf("dst mac: got %v, want %v", sent.dst, hostMAC)
	}

	h, err := ipv4.ParseHeader(sent.frame[14:])
	if err != nil {
		t.Fatalf("forwarded datagram does not parse: %v", err)
	}
	if h.TTL != 63 {
		t.Errorf("TTL: got %d, want 63", h.TTL)
	}
	if ipv4.ShouldDrop(sent.frame[14:]) {
		t.Error("forwarded datagram has a stale checksum")
	}
	if len(env.resolver.calls) != 1 || env.resolver.calls[0] != lanGateway {
		t.Errorf("resolver calls: got %v, want [%v]", env.resolver.calls, lanGateway)
	}
}

func TestForwardWithoutFrameWrapsFresh(t *testing.T) {
	env := newTestEnv(t, "")
	d := buildDatagram(t, "192.168.1.50", "10.1.2.3", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	env.engine.HandleDatagram(nil, d, env.eth0)

	if len(env.link.datagrams) != 1 || len(env.link.frames) != 0 {
		t.Fatalf("transmits: got %d datagrams %d frames, want 1/0",
			len(env.link.datagrams), len(env.link.frames))
	}
	h, err := ipv4.ParseHeader(env.link.datagrams[0].datagram)
	if err != nil {
		t.Fatal(err)
	}
	if h.TTL != 63 {
		t.Errorf("TTL: got %d, want 63", h.TTL)
	}
}

func TestDirectRouteResolvesDestination(t *testing.T) {
	env := newTestEnv(t, "")
	d := buildDatagram(t, "10.1.2.3", "192.168.1.50", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	env.engine.HandleDatagram(nil, d, env.eth1)

	want := netip.MustParseAddr("192.168.1.50")
	if len(env.resolver.calls) != 1 || env.resolver.calls[0] != want {
		t.Errorf("resolver calls: got %v, want [%v] (no gateway on direct route)", env.resolver.calls, want)
	}
}

func TestEchoRequestAnswered(t *testing.T) {
	env := newTestEnv(t, "")
	req := echoRequest(t, 0x0abc, 3, []byte("payload"))
	d := buildDatagram(t, "192.168.1.50", "192.168.1.1", 64, ipv4.ProtocolICMP, req)

	env.engine.HandleDatagram(nil, d, env.eth0)

	if len(env.link.datagrams) != 1 {
		t.Fatalf("transmits: got %d, want 1", len(env.link.datagrams))
	}
	sent := env.link.datagrams[0]
	h, icmpType, _ := parseICMPDatagram(t, sent.datagram)

	if icmpType != 0 {
		t.Errorf("icmp type: got %d, want 0 (echo reply)", icmpType)
	}
	if want := netip.MustParseAddr("192.168.1.1"); h.Src != want {
		t.Errorf("src: got %v, want %v (request destination)", h.Src, want)
	}
	if want := netip.MustParseAddr("192.168.1.50"); h.Dst != want {
		t.Errorf("dst: got %v, want %v (request source)", h.Dst, want)
	}

	m, err := xicmp.ParseMessage(1, ipv4.Payload(sent.datagram))
	if err != nil {
		t.Fatalf("reply does not parse: %v", err)
	}
	echo := m.Body.(*xicmp.Echo)
	if echo.ID != 0x0abc || echo.Seq != 3 || !bytes.Equal(echo.Data, []byte("payload")) {
		t.Errorf("reply body not mirrored: %+v", echo)
	}
}

func TestLocalNonICMPGetsProtocolUnreachable(t *testing.T) {
	env := newTestEnv(t, "")
	d := buildDatagram(t, "192.168.1.50", "192.168.1.1", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	env.engine.HandleDatagram(nil, d, env.eth0)

	if len(env.link.datagrams) != 1 {
		t.Fatalf("transmits: got %d, want 1", len(env.link.datagrams))
	}
	h, icmpType, icmpCode := parseICMPDatagram(t, env.link.datagrams[0].datagram)
	if icmpType != 3 || icmpCode != 2 {
		t.Errorf("type/code: got %d/%d, want 3/2 (protocol unreachable)", icmpType, icmpCode)
	}
	if want := netip.MustParseAddr("192.168.1.50"); h.Dst != want {
		t.Errorf("report dst: got %v, want sender %v", h.Dst, want)
	}
}

func TestLocalNonEchoICMPConsumedSilently(t *testing.T) {
	env := newTestEnv(t, "")
	// A time-exceeded report addressed to the router itself must not be
	// answered with another error.
	report := []byte{11, 0, 0, 0, 0, 0, 0, 0}
	d := buildDatagram(t, "192.168.1.50", "192.168.1.1", 64, ipv4.ProtocolICMP, report)

	env.engine.HandleDatagram(nil, d, env.eth0)

	if len(env.link.datagrams) != 0 || len(env.link.frames) != 0 {
		t.Error("locally addressed ICMP error produced output")
	}
}

func TestTTLExpiryEmitsTimeExceededAndNeverForwards(t *testing.T) {
	for _, ttl := range []uint8{1, 0} {
		env := newTestEnv(t, "")
		original := buildDatagram(t, "192.168.1.50", "10.1.2.3", ttl, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})
		d := append([]byte(nil), original...)

		env.engine.HandleDatagram(nil, d, env.eth0)

		if len(env.link.datagrams) != 1 || len(env.link.frames) != 0 {
			t.Fatalf("ttl=%d: transmits: got %d datagrams %d frames, want 1/0",
				ttl, len(env.link.datagrams), len(env.link.frames))
		}
		sent := env.link.datagrams[0]
		if sent.egress != "eth0" {
			t.Errorf("ttl=%d: report egress: got %q, want eth0 (toward sender)", ttl, sent.egress)
		}
		h, icmpType, icmpCode := parseICMPDatagram(t, sent.datagram)
		if icmpType != 11 || icmpCode != 0 {
			t.Errorf("ttl=%d: type/code: got %d/%d, want 11/0", ttl, icmpType, icmpCode)
		}
		if want := netip.MustParseAddr("192.168.1.50"); h.Dst != want {
			t.Errorf("ttl=%d: report dst: got %v, want %v", ttl, h.Dst, want)
		}
		// First-interface source policy.
		if want := netip.MustParseAddr("192.168.1.1"); h.Src != want {
			t.Errorf("ttl=%d: report src: got %v, want %v", ttl, h.Src, want)
		}
		// The quote is the offending header plus eight payload bytes, with
		// the arrival TTL intact.
		quote := ipv4.Payload(sent.datagram)[8:]
		if !bytes.Equal(quote, original) {
			t.Errorf("ttl=%d: quoted datagram does not match original", ttl)
		}
		for _, call := range env.resolver.calls {
			if call == lanGateway {
				t.Errorf("ttl=%d: expired datagram was still routed toward its destination", ttl)
			}
		}
	}
}

func TestNoRouteEmitsNetUnreachable(t *testing.T) {
	env := newTestEnv(t, "")
	d := buildDatagram(t, "192.168.1.50", "172.16.0.5", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	env.engine.HandleDatagram(nil, d, env.eth0)

	if len(env.link.datagrams) != 1 {
		t.Fatalf("transmits: got %d, want 1", len(env.link.datagrams))
	}
	h, icmpType, icmpCode := parseICMPDatagram(t, env.link.datagrams[0].datagram)
	if icmpType != 3 || icmpCode != 0 {
		t.Errorf("type/code: got %d/%d, want 3/0 (net unreachable)", icmpType, icmpCode)
	}
	if want := netip.MustParseAddr("192.168.1.50"); h.Dst != want {
		t.Errorf("report dst: got %v, want %v", h.Dst, want)
	}
}

func TestMalformedDatagramSilentlyDropped(t *testing.T) {
	env := newTestEnv(t, "")
	d := buildDatagram(t, "192.168.1.50", "10.1.2.3", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	d[10] ^= 0xFF // break the checksum

	env.engine.HandleDatagram(nil, d, env.eth0)

	if len(env.link.datagrams) != 0 || len(env.link.frames) != 0 {
		t.Error("malformed datagram produced output")
	}
	if len(env.resolver.calls) != 0 {
		t.Error("malformed datagram reached the resolver")
	}
}

func TestPendingResolutionParksDatagram(t *testing.T) {
	env := newTestEnv(t, "")
	env.resolver.results[lanGateway] = arp.Pending()
	d := buildDatagram(t, "192.168.1.50", "10.1.2.3", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	env.engine.HandleDatagram(nil, d, env.eth0)

	if len(env.link.datagrams) != 0 || len(env.link.frames) != 0 {
		t.Error("datagram transmitted despite pending resolution")
	}
	if got := env.queue.Len(lanGateway); got != 1 {
		t.Fatalf("queue depth: got %d, want 1", got)
	}

	// The parked datagram already carries its final TTL.
	parked := env.queue.Drain(lanGateway)[0]
	h, err := ipv4.ParseHeader(parked.Datagram)
	if err != nil {
		t.Fatal(err)
	}
	if h.TTL != 63 {
		t.Errorf("parked TTL: got %d, want 63", h.TTL)
	}
	if parked.Interface != "eth1" {
		t.Errorf("parked interface: got %q, want eth1", parked.Interface)
	}
}

func TestReplayPendingTransmitsWithoutSecondDecrement(t *testing.T) {
	env := newTestEnv(t, "")
	env.resolver.results[lanGateway] = arp.Pending()
	d := buildDatagram(t, "192.168.1.50", "10.1.2.3", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	env.engine.HandleDatagram(nil, d, env.eth0)

	env.engine.ReplayPending(lanGateway, hostMAC)

	if len(env.link.datagrams) != 1 {
		t.Fatalf("transmits: got %d, want 1", len(env.link.datagrams))
	}
	sent := env.link.datagrams[0]
	if sent.egress != "eth1" {
		t.Errorf("egress: got %q, want eth1", sent.egress)
	}
	if sent.dst.String() != hostMAC.String() {
		t.Errorf("dst mac: got %v, want %v", sent.dst, hostMAC)
	}
	h, err := ipv4.ParseHeader(sent.datagram)
	if err != nil {
		t.Fatal(err)
	}
	if h.TTL != 63 {
		t.Errorf("replayed TTL: got %d, want 63 (decremented once)", h.TTL)
	}
	if got := env.queue.Len(lanGateway); got != 0 {
		t.Errorf("queue depth after replay: got %d, want 0", got)
	}
}

func TestFailedResolutionReportsEveryQueuedDatagram(t *testing.T) {
	env := newTestEnv(t, "")
	env.resolver.results[lanGateway] = arp.Pending()

	senders := []string{"192.168.1.10", "192.168.1.11", "192.168.1.12"}
	for _, src := range senders {
		d := buildDatagram(t, src, "10.1.2.3", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})
		env.engine.HandleDatagram(nil, d, env.eth0)
	}
	if got := env.queue.Len(lanGateway); got != 3 {
		t.Fatalf("queue depth: got %d, want 3", got)
	}

	// Retries run out: the next delivery attempt fails outright and takes
	// the queue with it.
	env.resolver.results[lanGateway] = arp.Failed()
	d := buildDatagram(t, "192.168.1.13", "10.1.2.3", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	env.engine.HandleDatagram(nil, d, env.eth0)

	if len(env.link.datagrams) != 4 {
		t.Fatalf("reports: got %d, want 4 (one per affected datagram)", len(env.link.datagrams))
	}

	wantDsts := map[netip.Addr]bool{
		netip.MustParseAddr("192.168.1.13"): false,
		netip.MustParseAddr("192.168.1.10"): false,
		netip.MustParseAddr("192.168.1.11"): false,
		netip.MustParseAddr("192.168.1.12"): false,
	}
	for _, sent := range env.link.datagrams {
		if sent.egress != "eth0" {
			t.Errorf("report egress: got %q, want eth0", sent.egress)
		}
		h, icmpType, icmpCode := parseICMPDatagram(t, sent.datagram)
		if icmpType != 3 || icmpCode != 1 {
			t.Errorf("type/code: got %d/%d, want 3/1 (host unreachable)", icmpType, icmpCode)
		}
		seen, ok := wantDsts[h.Dst]
		if !ok || seen {
			t.Errorf("unexpected or duplicate report destination %v", h.Dst)
			continue
		}
		wantDsts[h.Dst] = true
	}
	if got := env.queue.Len(lanGateway); got != 0 {
		t.Errorf("queue depth after failure: got %d, want 0", got)
	}
}

func TestSendICMPWithoutRouteIsNoop(t *testing.T) {
	env := newTestEnv(t, "")

	env.engine.SendICMP([]byte{3, 1, 0, 0, 0, 0, 0, 0}, netip.MustParseAddr("172.16.0.5"))

	if len(env.link.datagrams) != 0 || len(env.link.frames) != 0 {
		t.Error("unroutable ICMP message was transmitted")
	}
}

func TestSendICMPFromContractViolations(t *testing.T) {
	env := newTestEnv(t, "")
	dst := netip.MustParseAddr("192.168.1.50")
	src := netip.MustParseAddr("192.168.1.1")

	mustPanic := func(name string, fn func()) {
		defer func() {
			if recover() == nil {
				t.Errorf("%s: expected panic", name)
			}
		}()
		fn()
	}

	mustPanic("short payload", func() {
		env.engine.SendICMPFrom([]byte{11, 0}, dst, src)
	})
	mustPanic("invalid destination", func() {
		env.engine.SendICMPFrom([]byte{11, 0, 0, 0, 0, 0, 0, 0}, netip.Addr{}, src)
	})
	mustPanic("unspecified source", func() {
		env.engine.SendICMPFrom([]byte{11, 0, 0, 0, 0, 0, 0, 0}, dst, netip.MustParseAddr("0.0.0.0"))
	})
}

func TestIngressSourcePolicy(t *testing.T) {
	env := newTestEnv(t, SourceIngressInterface)
	// Arrives on eth1 with its TTL spent; the report must carry eth1's
	// address, not the first interface's.
	d := buildDatagram(t, "10.5.5.5", "192.168.1.50", 1, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	env.engine.HandleDatagram(nil, d, env.eth1)

	if len(env.link.datagrams) != 1 {
		t.Fatalf("transmits: got %d, want 1", len(env.link.datagrams))
	}
	h, icmpType, _ := parseICMPDatagram(t, env.link.datagrams[0].datagram)
	if icmpType != 11 {
		t.Fatalf("type: got %d, want 11", icmpType)
	}
	if want := netip.MustParseAddr("192.168.2.1"); h.Src != want {
		t.Errorf("report src: got %v, want ingress address %v", h.Src, want)
	}
}

// Datagrams from an unspecified source can trigger every report path; none
// of them may produce output, and none may take the router down.
func TestUnspecifiedSourceNeverAnswered(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(env *testEnv) []byte
	}{
		{"ttl expired", func(env *testEnv) []byte {
			return buildDatagram(t, "0.0.0.0", "10.1.2.3", 1, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})
		}},
		{"no route", func(env *testEnv) []byte {
			return buildDatagram(t, "0.0.0.0", "172.16.0.5", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})
		}},
		{"local non-icmp", func(env *testEnv) []byte {
			return buildDatagram(t, "0.0.0.0", "192.168.1.1", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})
		}},
		{"local echo request", func(env *testEnv) []byte {
			return buildDatagram(t, "0.0.0.0", "192.168.1.1", 64, ipv4.ProtocolICMP, echoRequest(t, 1, 1, nil))
		}},
		{"resolution failed", func(env *testEnv) []byte {
			env.resolver.results[lanGateway] = arp.Failed()
			return buildDatagram(t, "0.0.0.0", "10.1.2.3", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			d := tt.prepare(env)

			env.engine.HandleDatagram(nil, d, env.eth0)

			if len(env.link.datagrams) != 0 || len(env.link.frames) != 0 {
				t.Error("datagram with unspecified source produced output")
			}
		})
	}
}

func TestPendingRecheckCatchesRacingReply(t *testing.T) {
	env := newTestEnv(t, "")
	// The reply lands right after the first lookup answered pending, so the
	// replay hook ran against an empty queue.
	env.resolver.script[lanGateway] = []arp.Resolution{arp.Pending()}
	d := buildDatagram(t, "192.168.1.50", "10.1.2.3", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	env.engine.HandleDatagram(nil, d, env.eth0)

	if len(env.link.datagrams) != 1 {
		t.Fatalf("transmits: got %d, want 1 (re-check must replay)", len(env.link.datagrams))
	}
	h, err := ipv4.ParseHeader(env.link.datagrams[0].datagram)
	if err != nil {
		t.Fatal(err)
	}
	if h.TTL != 63 {
		t.Errorf("TTL: got %d, want 63 (decremented once)", h.TTL)
	}
	if got := env.queue.Len(lanGateway); got != 0 {
		t.Errorf("queue depth: got %d, want 0", got)
	}
}

func TestPendingRecheckCatchesRacingFailure(t *testing.T) {
	env := newTestEnv(t, "")
	// Retries run out between the first lookup and the enqueue; the failure
	// hook drained an empty queue, so the re-check must fail the datagram.
	env.resolver.script[lanGateway] = []arp.Resolution{arp.Pending()}
	env.resolver.results[lanGateway] = arp.Failed()
	d := buildDatagram(t, "192.168.1.50", "10.1.2.3", 64, 17, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	env.engine.HandleDatagram(nil, d, env.eth0)

	if len(env.link.datagrams) != 1 {
		t.Fatalf("transmits: got %d, want 1 (host-unreachable report)", len(env.link.datagrams))
	}
	h, icmpType, icmpCode := parseICMPDatagram(t, env.link.datagrams[0].datagram)
	if icmpType != 3 || icmpCode != 1 {
		t.Errorf("type/code: got %d/%d, want 3/1", icmpType, icmpCode)
	}
	if want := netip.MustParseAddr("192.168.1.50"); h.Dst != want {
		t.Errorf("report dst: got %v, want %v", h.Dst, want)
	}
	if got := env.queue.Len(lanGateway); got != 0 {
		t.Errorf("queue depth: got %d, want 0", got)
	}
}

func TestEchoRequestFromUnroutedHostAnsweredDirectly(t *testing.T) {
	env := newTestEnv(t, "")
	req := echoRequest(t, 0x0101, 9, []byte("hi"))
	// 203.0.113.5 has no route back; the asker's frame address is all the
	// router has, and it is enough.
	d := buildDatagram(t, "203.0.113.5", "192.168.1.1", 64, ipv4.ProtocolICMP, req)
	frame := append(make([]byte, 14), d...)
	copy(frame[6:12], hostMAC)

	env.engine.HandleDatagram(frame, frame[14:], env.eth0)

	if len(env.link.datagrams) != 1 || len(env.link.frames) != 0 {
		t.Fatalf("transmits: got %d datagrams %d frames, want 1/0",
			len(env.link.datagrams), len(env.link.frames))
	}
	sent := env.link.datagrams[0]
	if sent.egress != "eth0" {
		t.Errorf("egress: got %q, want eth0 (receiving port)", sent.egress)
	}
	if sent.dst.String() != hostMAC.String() {
		t.Errorf("dst mac: got %v, want the asking frame's source %v", sent.dst, hostMAC)
	}
	h, icmpType, _ := parseICMPDatagram(t, sent.datagram)
	if icmpType != 0 {
		t.Errorf("icmp type: got %d, want 0 (echo reply)", icmpType)
	}
	if want := netip.MustParseAddr("203.0.113.5"); h.Dst != want {
		t.Errorf("dst: got %v, want %v", h.Dst, want)
	}
	if want := netip.MustParseAddr("192.168.1.1"); h.Src != want {
		t.Errorf("src: got %v, want %v", h.Src, want)
	}
	// The direct path never consults the resolver.
	if len(env.resolver.calls) != 0 {
		t.Errorf("resolver calls: got %v, want none", env.resolver.calls)
	}
}

func TestNewEnginePanicsOnNilCollaborator(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil collaborators")
		}
	}()
	NewEngine(Config{})
}
