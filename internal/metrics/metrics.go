// Package metrics holds the Prometheus collectors exported by the stack
// (SPEC_FULL.md's ambient observability layer — the distilled spec has no
// metrics section, but every layer of the teacher daemon exports one).
// Grounded on internal/liveness/metrics.go and internal/bgp/metrics.go's
// package-level promauto.New*Vec idiom: collectors are registered once at
// import time and updated directly by the layer that owns the event;
// SetTCPPCBState is the one helper, for the TCP state gauge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelDevice   = "device"
	LabelProtocol = "protocol"
	LabelReason   = "reason"
	LabelState    = "state"
)

var (
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uspnet_frames_received_total",
			Help: "Ethernet frames accepted by a device's demux input path.",
		},
		[]string{LabelDevice},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uspnet_frames_dropped_total",
			Help: "Frames dropped at Ethernet parse (foreign_dst, short) or on a full loopback queue (queue_full).",
		},
		[]string{LabelDevice, LabelReason},
	)

	FramesTransmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uspnet_frames_transmitted_total",
			Help: "Frames handed to a device driver's Transmit.",
		},
		[]string{LabelDevice},
	)

	ARPCacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uspnet_arp_cache_entries",
			Help: "ARP cache entries by state.",
		},
		[]string{LabelState},
	)

	ARPResolveRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uspnet_arp_resolve_requests_total",
			Help: "ARP resolution attempts, by outcome (found, incomplete).",
		},
		[]string{"outcome"},
	)

	IPPacketsInput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uspnet_ip_packets_input_total",
			Help: "IPv4 packets accepted by the network layer, by protocol.",
		},
		[]string{LabelProtocol},
	)

	IPPacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uspnet_ip_packets_dropped_total",
			Help: "IPv4 packets dropped at input validation or output, by reason.",
		},
		[]string{LabelReason},
	)

	IPPacketsOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uspnet_ip_packets_output_total",
			Help: "IPv4 packets successfully handed to device-output.",
		},
		[]string{LabelProtocol},
	)

	ICMPEchoReplies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uspnet_icmp_echo_replies_total",
			Help: "ICMP echo replies sent.",
		},
	)

	UDPPCBsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uspnet_udp_pcbs_open",
			Help: "Currently open UDP PCBs.",
		},
	)

	UDPDatagramsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uspnet_udp_datagrams_received_total",
			Help: "UDP datagrams delivered to a PCB's receive queue.",
		},
	)

	UDPDatagramsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uspnet_udp_datagrams_dropped_total",
			Help: "UDP datagrams dropped, by reason (invalid: short, length mismatch or bad checksum; no_pcb).",
		},
		[]string{LabelReason},
	)

	TCPPCBsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uspnet_tcp_pcbs",
			Help: "Current number of TCP PCBs by state.",
		},
		[]string{LabelState},
	)

	TCPSegmentsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uspnet_tcp_segments_received_total",
			Help: "TCP segments matched to a PCB.",
		},
	)

	TCPResetsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uspnet_tcp_resets_sent_total",
			Help: "TCP RST segments emitted (no-PCB response or abrupt close).",
		},
	)
)

// SetTCPPCBState records a PCB's transition from one state to another in
// the TCPPCBsByState gauge vector (mirrors
// internal/liveness/metrics.go's emitSessionStateMetrics increment/decrement
// pair).
func SetTCPPCBState(from, to string) {
	if from != "" {
		TCPPCBsByState.WithLabelValues(from).Dec()
	}
	TCPPCBsByState.WithLabelValues(to).Inc()
}
