package arp

import (
	"net/netip"
	"sync"

	"firestige.xyz/routed/internal/metrics"
)

// defaultMaxPerHop bounds how many datagrams may park behind one unresolved
// next hop before new arrivals are dropped.
const defaultMaxPerHop = 128

// PendingDatagram is one datagram parked on an unresolved next hop, together
// with the egress interface it was routed to.
type PendingDatagram struct {
	Datagram  []byte
	Interface string
}

// Queue buffers datagrams awaiting address resolution, keyed by next-hop IP.
// The forwarding engine enqueues on a pending resolution and drains on
// permanent failure; the daemon drains on success to replay.
type Queue struct {
	mu        sync.Mutex
	pending   map[netip.Addr][]PendingDatagram
	maxPerHop int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		pending:   make(map[netip.Addr][]PendingDatagram),
		maxPerHop: defaultMaxPerHop,
	}
}

// Enqueue parks datagram until nextHop resolves. The queue owns the buffer
// from this point on.
func (q *Queue) Enqueue(nextHop netip.Addr, datagram []byte, ifaceName string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending[nextHop]) >= q.maxPerHop {
		metrics.DatagramsDroppedTotal.WithLabelValues(metrics.DropQueueFull).Inc()
		return
	}
	q.pending[nextHop] = append(q.pending[nextHop], PendingDatagram{
		Datagram:  datagram,
		Interface: ifaceName,
	})
	metrics.ARPQueueDepth.Inc()
}

// Drain removes and returns every datagram parked on nextHop.
func (q *Queue) Drain(nextHop netip.Addr) []PendingDatagram {
	q.mu.Lock()
	defer q.mu.Unlock()

	buffered := q.pending[nextHop]
	delete(q.pending, nextHop)
	metrics.ARPQueueDepth.Sub(float64(len(buffered)))
	return buffered
}

// Len reports how many datagrams are parked on nextHop.
func (q *Queue) Len(nextHop netip.Addr) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[nextHop])
}
