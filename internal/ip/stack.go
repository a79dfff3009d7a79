package ip

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nsheridan/uspnet/internal/arp"
	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/eth"
	"github.com/nsheridan/uspnet/internal/ipaddr"
	"github.com/nsheridan/uspnet/internal/metrics"
	"github.com/nsheridan/uspnet/internal/stackerr"
)

// idStart is the IP identification counter's starting value (spec §5
// "Resource pools"): a monotonic 16-bit counter starting at 128 and
// wrapping, not 0 or 1.
const idStart = 128

// Handler processes one IPv4 datagram directly on the worker goroutine —
// the transport-layer table carries no input queue of its own (spec
// §3 "Protocol registration"): IP input is already queued and serialized
// by netcore.Demux, so transport dispatch runs inline.
type Handler func(hdr *Header, payload []byte, dev *device.Device)

// Stack is the IPv4 layer: routing table, ARP-backed device output, and
// protocol dispatch. Grounded on internal/manager.NetlinkManager's
// owning-registry shape, here combining a route table and a handler map
// instead of netlink route/link state.
type Stack struct {
	log     *slog.Logger
	devices *device.Registry
	arpc    *arp.Cache
	routes  *RouteTable

	handlers map[uint8]Handler

	idMu sync.Mutex
	id   uint16
}

// New constructs an IP stack.
func New(log *slog.Logger, devices *device.Registry, arpc *arp.Cache, routes *RouteTable) *Stack {
	if log == nil {
		log = slog.Default()
	}
	return &Stack{
		log:      log,
		devices:  devices,
		arpc:     arpc,
		routes:   routes,
		handlers: map[uint8]Handler{},
		id:       idStart - 1,
	}
}

// RegisterHandler binds handler to an IP protocol number. Setup-time
// only, mirroring netcore.Demux.Register.
func (s *Stack) RegisterHandler(protocol uint8, handler Handler) {
	s.handlers[protocol] = handler
}

// Routes exposes the routing table for transport layers that must pick
// an outgoing interface themselves (e.g. UDP's wildcard-source sendto).
func (s *Stack) Routes() *RouteTable { return s.routes }

// Input validates an IPv4 datagram received on dev and dispatches it to
// the registered transport handler, per the ordered checks of spec
// §4.5. Registered with netcore.Demux for eth.TypeIPv4.
func (s *Stack) Input(payload []byte, dev *device.Device) {
	hdr, body, err := Parse(payload)
	if err != nil {
		s.log.Debug("ip: dropping invalid packet", "err", err)
		metrics.IPPacketsDropped.WithLabelValues("invalid").Inc()
		return
	}

	iface := dev.Interface(device.FamilyIP)
	if iface == nil {
		return
	}
	if hdr.Dst != iface.Unicast && hdr.Dst != iface.Broadcast && hdr.Dst != ipaddr.Broadcast {
		return
	}

	handler, ok := s.handlers[hdr.Protocol]
	if !ok {
		s.log.Debug("ip: no handler for protocol", "protocol", hdr.Protocol)
		metrics.IPPacketsDropped.WithLabelValues("no_handler").Inc()
		return
	}
	metrics.IPPacketsInput.WithLabelValues(protocolLabel(hdr.Protocol)).Inc()
	handler(hdr, body, dev)
}

func protocolLabel(protocol uint8) string {
	switch protocol {
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return "other"
	}
}

// nextID returns the next monotonic 16-bit IP identification value.
func (s *Stack) nextID() uint16 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.id++
	return s.id
}

// Output builds and transmits an IPv4 datagram from src to dst carrying
// payload for protocol, per spec §4.5 "Output". src must be the unicast
// address of the outgoing route's interface unless it is ipaddr.Any, in
// which case the route's interface address is used.
func (s *Stack) Output(src, dst ipaddr.Addr, protocol uint8, payload []byte) error {
	route, ok := s.routes.Lookup(dst)
	if !ok {
		metrics.IPPacketsDropped.WithLabelValues("no_route").Inc()
		return stackerr.New("ip.Output", stackerr.NotRouted)
	}
	iface := route.Iface

	if src.IsAny() {
		src = iface.Unicast
	} else if src != iface.Unicast {
		metrics.IPPacketsDropped.WithLabelValues("source_mismatch").Inc()
		return stackerr.New("ip.Output", stackerr.InvalidArgument)
	}

	nexthop := dst
	if !route.Nexthop.IsAny() {
		nexthop = route.Nexthop
	}

	hdr := &Header{TTL: 255, Protocol: protocol, ID: s.nextID(), Src: src, Dst: dst}
	packet := Build(hdr, payload)
	if len(packet) > iface.Dev.MTU {
		metrics.IPPacketsDropped.WithLabelValues("too_long").Inc()
		return stackerr.New("ip.Output", stackerr.TooLong)
	}

	if err := s.deviceOutput(iface, nexthop, dst, packet); err != nil {
		metrics.IPPacketsDropped.WithLabelValues("device_output").Inc()
		return err
	}
	metrics.IPPacketsOutput.WithLabelValues(protocolLabel(protocol)).Inc()
	return nil
}

// deviceOutput resolves a link-layer destination and transmits packet,
// per spec §4.5 "Device-output".
func (s *Stack) deviceOutput(iface *device.Interface, nexthop, dst ipaddr.Addr, packet []byte) error {
	dev := iface.Dev

	// Devices without NEEDS_ARP carry no per-destination link address to
	// resolve; transmit() itself skips link framing for headerless
	// (loopback) devices, and broadcasts otherwise.
	if !dev.Flags.Has(device.FlagNeedsARP) {
		return s.transmit(dev, dev.HWBroadcast, packet)
	}

	if dst == iface.Broadcast || dst == ipaddr.Broadcast {
		return s.transmit(dev, dev.HWBroadcast, packet)
	}
	ha, err := s.arpc.Resolve(iface, nexthop)
	switch {
	case err == nil:
		return s.transmit(dev, ha, packet)
	case stackerr.Is(err, stackerr.WouldBlock):
		return nil
	default:
		return fmt.Errorf("ip: resolve %s: %w", nexthop.String(), err)
	}
}

// transmit wraps packet in an Ethernet frame for devices that carry a
// link header (HeaderLen > 0); devices with no link header (loopback)
// get the raw IP packet, since there is no link layer to frame it in.
func (s *Stack) transmit(dev *device.Device, dst eth.Addr, packet []byte) error {
	if dev.HeaderLen == 0 {
		return s.devices.Transmit(dev, packet)
	}
	frame, err := eth.Build(dst, dev.HWAddr, eth.TypeIPv4, packet, dev.MTU)
	if err != nil {
		return fmt.Errorf("ip: build frame: %w", err)
	}
	return s.devices.Transmit(dev, frame)
}
