// Package udp implements the UDP PCB table: bind, ephemeral port
// assignment, sendto/recvfrom, and checksum validation over the IPv4
// pseudo-header (spec §4.7).
//
// Grounded on the teacher's internal/liveness session-table shape (a
// fixed pool of mutex-guarded, state-tagged entries) combined with
// internal/sched.Ctx for the receive-queue sleep/wake the teacher does
// with plain channels — this spec requires the condvar-based primitive
// instead, since recvfrom must observe PCB-level CLOSING transitions
// made by another goroutine under the same lock.
package udp

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/ip"
	"github.com/nsheridan/uspnet/internal/ipaddr"
	"github.com/nsheridan/uspnet/internal/metrics"
	"github.com/nsheridan/uspnet/internal/sched"
	"github.com/nsheridan/uspnet/internal/stackerr"
)

// PCBCount is the fixed pool size (spec §3).
const PCBCount = 16

const headerLen = 8

const (
	ephemeralLow  = 49152
	ephemeralHigh = 65535
)

type pcbState int

const (
	pcbFree pcbState = iota
	pcbOpen
	pcbClosing
)

// Endpoint is an (address, port) pair. A zero Addr is the wildcard
// address; port 0 is the wildcard port.
type Endpoint struct {
	Addr ipaddr.Addr
	Port uint16
}

func (e Endpoint) matchesLocal(other Endpoint) bool {
	if !e.Addr.IsAny() && e.Addr != other.Addr {
		return false
	}
	return e.Port == other.Port
}

type queueEntry struct {
	foreign Endpoint
	payload []byte
}

type pcb struct {
	mu    sync.Mutex
	state pcbState
	local Endpoint
	queue []queueEntry
	ctx   *sched.Ctx
}

// Stack is the UDP layer: a fixed PCB pool and the IP stack it sends
// through.
type Stack struct {
	log *slog.Logger
	ip  *ip.Stack

	mu   sync.Mutex
	pcbs [PCBCount]*pcb
}

// NewStack constructs a UDP layer bound to an IP stack.
func NewStack(log *slog.Logger, ipStack *ip.Stack) *Stack {
	if log == nil {
		log = slog.Default()
	}
	s := &Stack{log: log, ip: ipStack}
	for i := range s.pcbs {
		p := &pcb{}
		p.ctx = sched.NewCtx(&p.mu)
		s.pcbs[i] = p
	}
	return s
}

// Open allocates a PCB and binds it to local. Fails if a PCB is already
// OPEN with the same (addr, port) when both compare non-wildcard (spec
// §3, §4.7 "Bind").
func (s *Stack) Open(local Endpoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pcbs {
		p.mu.Lock()
		conflict := p.state == pcbOpen && p.local == local
		p.mu.Unlock()
		if conflict {
			return -1, stackerr.New("udp.Open", stackerr.InvalidArgument)
		}
	}

	for i, p := range s.pcbs {
		p.mu.Lock()
		if p.state == pcbFree {
			p.state = pcbOpen
			p.local = local
			p.queue = nil
			p.mu.Unlock()
			metrics.UDPPCBsOpen.Inc()
			return i, nil
		}
		p.mu.Unlock()
	}
	return -1, stackerr.New("udp.Open", stackerr.ResourceExhausted)
}

// Close transitions a PCB to CLOSING, waking any sleeping receiver, then
// releases it.
func (s *Stack) Close(id int) error {
	p, err := s.pcb(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.state = pcbClosing
	p.ctx.Wakeup()
	p.mu.Unlock()

	p.mu.Lock()
	p.state = pcbFree
	p.local = Endpoint{}
	p.queue = nil
	p.mu.Unlock()
	metrics.UDPPCBsOpen.Dec()
	return nil
}

// InterruptAll wakes every open PCB's sleep context with an interrupted
// result — the UDP side of the spec's stack-wide "event" cancellation
// broadcast (spec §4.1, §5), mirroring internal/tcp.Stack.InterruptAll.
func (s *Stack) InterruptAll() {
	for _, p := range s.pcbs {
		p.mu.Lock()
		if p.state != pcbFree {
			p.ctx.Interrupt()
		}
		p.mu.Unlock()
	}
}

func (s *Stack) pcb(id int) (*pcb, error) {
	if id < 0 || id >= PCBCount {
		return nil, stackerr.New("udp.pcb", stackerr.InvalidArgument)
	}
	return s.pcbs[id], nil
}

// SendTo resolves the PCB, picks a local address/port as needed, and
// emits the datagram via IP (spec §4.7 "sendto").
func (s *Stack) SendTo(id int, buf []byte, foreign Endpoint) error {
	p, err := s.pcb(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.state != pcbOpen {
		p.mu.Unlock()
		return stackerr.New("udp.SendTo", stackerr.InvalidState)
	}
	local := p.local
	p.mu.Unlock()

	if local.Addr.IsAny() {
		iface, ok := s.ip.Routes().GetIface(foreign.Addr)
		if !ok {
			return stackerr.New("udp.SendTo", stackerr.NotRouted)
		}
		local.Addr = iface.Unicast
	}
	if local.Port == 0 {
		port, err := s.allocateEphemeralPort(local.Addr)
		if err != nil {
			return err
		}
		local.Port = port
		p.mu.Lock()
		p.local.Port = port
		p.mu.Unlock()
	}

	datagram := Build(local.Port, foreign.Port, local.Addr, foreign.Addr, buf)
	return s.ip.Output(local.Addr, foreign.Addr, ip.ProtoUDP, datagram)
}

func (s *Stack) allocateEphemeralPort(addr ipaddr.Addr) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for port := ephemeralLow; port <= ephemeralHigh; port++ {
		inUse := false
		for _, p := range s.pcbs {
			p.mu.Lock()
			if p.state == pcbOpen && p.local.Port == uint16(port) &&
				(p.local.Addr.IsAny() || p.local.Addr == addr) {
				inUse = true
			}
			p.mu.Unlock()
			if inUse {
				break
			}
		}
		if !inUse {
			return uint16(port), nil
		}
	}
	return 0, stackerr.New("udp.allocateEphemeralPort", stackerr.ResourceExhausted)
}

// RecvFrom pops a received datagram, sleeping on the PCB's context if
// the queue is empty (spec §4.7 "recvfrom").
func (s *Stack) RecvFrom(id int, buf []byte) (n int, foreign Endpoint, err error) {
	p, err := s.pcb(id)
	if err != nil {
		return 0, Endpoint{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.state != pcbOpen {
			return 0, Endpoint{}, stackerr.New("udp.RecvFrom", stackerr.InvalidState)
		}
		if len(p.queue) > 0 {
			e := p.queue[0]
			p.queue = p.queue[1:]
			n = copy(buf, e.payload)
			return n, e.foreign, nil
		}
		if err := p.ctx.Sleep(time.Time{}); err != nil {
			return 0, Endpoint{}, err
		}
	}
}

// Input demultiplexes a UDP datagram to a bound PCB (spec §4.7 "Input").
func (s *Stack) Input(hdr *ip.Header, payload []byte, dev *device.Device) {
	msg, err := Parse(hdr, payload)
	if err != nil {
		s.log.Debug("udp: dropping invalid datagram", "err", err)
		metrics.UDPDatagramsDropped.WithLabelValues("invalid").Inc()
		return
	}

	local := Endpoint{Addr: hdr.Dst, Port: msg.DstPort}
	foreign := Endpoint{Addr: hdr.Src, Port: msg.SrcPort}

	for _, p := range s.pcbs {
		p.mu.Lock()
		if p.state == pcbOpen && p.local.matchesLocal(local) {
			p.queue = append(p.queue, queueEntry{foreign: foreign, payload: append([]byte(nil), msg.Payload...)})
			p.ctx.Wakeup()
			p.mu.Unlock()
			metrics.UDPDatagramsReceived.Inc()
			return
		}
		p.mu.Unlock()
	}
	metrics.UDPDatagramsDropped.WithLabelValues("no_pcb").Inc()
}

// Message is a parsed UDP datagram.
type Message struct {
	SrcPort, DstPort uint16
	Payload          []byte
}

// Parse validates length and checksum and decodes a UDP datagram.
func Parse(hdr *ip.Header, data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("udp: short datagram: %d bytes", len(data))
	}
	udpLen := int(binary.BigEndian.Uint16(data[4:6]))
	if udpLen != len(data) {
		return nil, fmt.Errorf("udp: length mismatch: header=%d actual=%d", udpLen, len(data))
	}
	if ip.PseudoHeaderChecksum(hdr.Src, hdr.Dst, ip.ProtoUDP, data) != 0 {
		return nil, fmt.Errorf("udp: checksum mismatch")
	}
	return &Message{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Payload: data[headerLen:],
	}, nil
}

// Build serializes a UDP datagram with pseudo-header checksum.
func Build(srcPort, dstPort uint16, src, dst ipaddr.Addr, payload []byte) []byte {
	out := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint16(out[0:2], srcPort)
	binary.BigEndian.PutUint16(out[2:4], dstPort)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(out)))
	copy(out[headerLen:], payload)
	binary.BigEndian.PutUint16(out[6:8], ip.PseudoHeaderChecksum(src, dst, ip.ProtoUDP, out))
	return out
}
