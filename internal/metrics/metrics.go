// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DatagramsReceivedTotal counts IPv4 datagrams entering the pipeline
	DatagramsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routed_datagrams_received_total",
			Help: "Total number of IPv4 datagrams handed to the forwarding engine",
		},
		[]string{"interface"},
	)

	// DatagramsForwardedTotal counts datagrams handed to the next-hop dispatcher
	DatagramsForwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routed_datagrams_forwarded_total",
			Help: "Total number of datagrams forwarded toward a next hop",
		},
		[]string{"interface"},
	)

	// DatagramsDroppedTotal counts dropped datagrams by reason
	DatagramsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routed_datagrams_dropped_total",
			Help: "Total number of datagrams dropped",
		},
		[]string{"reason"},
	)

	// ICMPMessagesTotal counts locally originated ICMP messages by kind
	ICMPMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routed_icmp_messages_total",
			Help: "Total number of ICMP messages originated by the router",
		},
		[]string{"kind"},
	)

	// ARPRequestsTotal counts transmitted ARP requests, retries included
	ARPRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "routed_arp_requests_total",
			Help: "Total number of ARP requests transmitted",
		},
	)

	// ARPFailuresTotal counts next hops whose resolution exhausted retries
	ARPFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "routed_arp_failures_total",
			Help: "Total number of next hops that failed address resolution",
		},
	)

	// ARPQueueDepth tracks datagrams parked on pending resolutions
	ARPQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routed_arp_queue_depth",
			Help: "Number of datagrams queued awaiting address resolution",
		},
	)
)

// Drop reasons used with DatagramsDroppedTotal.
const (
	DropInvalidHeader = "invalid_header"
	DropNoRoute       = "no_route"
	DropTTLExpired    = "ttl_expired"
	DropUnreachable   = "host_unreachable"
	DropQueueFull     = "arp_queue_full"
)
