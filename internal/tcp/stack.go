package tcp

import (
	"log/slog"
	"math/rand"
	"sync"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/ip"
	"github.com/nsheridan/uspnet/internal/ipaddr"
	"github.com/nsheridan/uspnet/internal/metrics"
	"github.com/nsheridan/uspnet/internal/stackerr"
)

// PCBCount is the fixed connection pool size. The spec leaves this
// unspecified (unlike UDP's explicit 16); this stack picks 8, matching
// a small embedded device's expected connection count, and records the
// decision in the grounding ledger as an Open Question resolution.
const PCBCount = 8

// Stack is the TCP layer: a fixed PCB pool and the IP stack it sends
// through.
type Stack struct {
	log *slog.Logger
	ip  *ip.Stack

	mu   sync.Mutex
	pcbs [PCBCount]*pcb
}

// NewStack constructs a TCP layer bound to an IP stack.
func NewStack(log *slog.Logger, ipStack *ip.Stack) *Stack {
	if log == nil {
		log = slog.Default()
	}
	s := &Stack{log: log, ip: ipStack}
	for i := range s.pcbs {
		s.pcbs[i] = newPCB()
	}
	return s
}

func (s *Stack) pcbAt(id int) (*pcb, error) {
	if id < 0 || id >= PCBCount {
		return nil, stackerr.New("tcp.pcbAt", stackerr.InvalidArgument)
	}
	return s.pcbs[id], nil
}

// allocate finds a FREE PCB slot.
func (s *Stack) allocate() (int, *pcb, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pcbs {
		p.mu.Lock()
		if p.state == StateFree {
			p.state = StateClosed
			metrics.SetTCPPCBState(StateFree.String(), StateClosed.String())
			p.mu.Unlock()
			return i, p, nil
		}
		p.mu.Unlock()
	}
	return -1, nil, stackerr.New("tcp.allocate", stackerr.ResourceExhausted)
}

// InterruptAll wakes every active PCB's sleep context with an
// interrupted result — the TCP side of the spec's stack-wide "event"
// cancellation broadcast (spec §4.1, §5).
func (s *Stack) InterruptAll() {
	for _, p := range s.pcbs {
		p.mu.Lock()
		if p.state != StateFree {
			p.ctx.Interrupt()
		}
		p.mu.Unlock()
	}
}

func (s *Stack) emit(local, foreign Endpoint, seq, ack uint32, flags uint8, wnd uint16, payload []byte) {
	seg := &Segment{SrcPort: local.Port, DstPort: foreign.Port, Seq: seq, Ack: ack, Flags: flags, Wnd: wnd, Payload: payload}
	data := BuildSegment(local.Addr, foreign.Addr, seg)
	if err := s.ip.Output(local.Addr, foreign.Addr, ip.ProtoTCP, data); err != nil {
		s.log.Debug("tcp: emit failed", "err", err)
	}
}

// Input handles one TCP segment delivered by the IP layer (spec §4.8).
func (s *Stack) Input(hdr *ip.Header, payload []byte, dev *device.Device) {
	if iface := dev.Interface(device.FamilyIP); iface != nil {
		if hdr.Dst == iface.Broadcast || hdr.Dst == ipaddr.Broadcast {
			return
		}
	}

	seg, err := ParseSegment(hdr, payload)
	if err != nil {
		s.log.Debug("tcp: dropping invalid segment", "err", err)
		return
	}

	p, ok := s.lookupPCB(hdr.Src, seg.SrcPort, hdr.Dst, seg.DstPort)
	if !ok {
		s.handleNoPCB(hdr, seg)
		return
	}

	metrics.TCPSegmentsReceived.Inc()
	p.mu.Lock()
	defer p.mu.Unlock()
	s.handleSegment(p, hdr, dev, seg)
}

func (s *Stack) lookupPCB(srcAddr ipaddr.Addr, srcPort uint16, dstAddr ipaddr.Addr, dstPort uint16) (*pcb, bool) {
	var listenCandidate *pcb
	for _, p := range s.pcbs {
		p.mu.Lock()
		switch p.state {
		case StateFree:
		case StateListen:
			if (p.local.Addr.IsAny() || p.local.Addr == dstAddr) && p.local.Port == dstPort {
				if !p.foreignRestricted || (p.foreign.Addr == srcAddr && p.foreign.Port == srcPort) {
					listenCandidate = p
				}
			}
		default:
			if p.local.Addr == dstAddr && p.local.Port == dstPort &&
				p.foreign.Addr == srcAddr && p.foreign.Port == srcPort {
				p.mu.Unlock()
				return p, true
			}
		}
		p.mu.Unlock()
	}
	if listenCandidate != nil {
		return listenCandidate, true
	}
	return nil, false
}

// handleNoPCB implements spec §4.8's "No-PCB / CLOSED response".
func (s *Stack) handleNoPCB(hdr *ip.Header, seg *Segment) {
	if seg.Flags&FlagRST != 0 {
		return
	}
	local := Endpoint{Addr: hdr.Dst, Port: seg.DstPort}
	foreign := Endpoint{Addr: hdr.Src, Port: seg.SrcPort}
	if seg.Flags&FlagACK == 0 {
		s.emit(local, foreign, 0, seg.Seq+seg.Len(), FlagRST|FlagACK, 0, nil)
	} else {
		s.emit(local, foreign, seg.Ack, 0, FlagRST, 0, nil)
	}
	metrics.TCPResetsSent.Inc()
}

func acceptable(seg *Segment, rcvNXT uint32, rcvWND uint16) bool {
	wnd := uint32(rcvWND)
	segLen := seg.Len()
	switch {
	case segLen == 0 && wnd == 0:
		return seg.Seq == rcvNXT
	case segLen == 0 && wnd > 0:
		return seqGE(seg.Seq, rcvNXT) && seqLT(seg.Seq, rcvNXT+wnd)
	case segLen > 0 && wnd == 0:
		return false
	default:
		inWindow := func(x uint32) bool { return seqGE(x, rcvNXT) && seqLT(x, rcvNXT+wnd) }
		return inWindow(seg.Seq) || inWindow(seg.Seq+segLen-1)
	}
}

// handleSegment implements the LISTEN/SYN-RECEIVED/ESTABLISHED
// transitions of spec §4.8, called with p.mu held.
func (s *Stack) handleSegment(p *pcb, hdr *ip.Header, dev *device.Device, seg *Segment) {
	if p.state == StateListen {
		s.handleListen(p, hdr, dev, seg)
		return
	}

	if !acceptable(seg, p.rcvNXT, p.rcvWND) {
		if seg.Flags&FlagRST == 0 {
			s.emit(p.local, p.foreign, p.sndNXT, p.rcvNXT, FlagACK, p.rcvWND, nil)
		}
		return
	}
	if seg.Flags&FlagACK == 0 {
		return
	}

	var dropped bool
	switch p.state {
	case StateSynReceived:
		if !(seqLE(p.sndUNA, seg.Ack) && seqLE(seg.Ack, p.sndNXT)) {
			s.emit(p.local, p.foreign, seg.Ack, 0, FlagRST, 0, nil)
			return
		}
		p.state = StateEstablished
		metrics.SetTCPPCBState(StateSynReceived.String(), StateEstablished.String())
		p.ctx.Wakeup()
		dropped = s.processEstablishedAck(p, seg)
	case StateEstablished:
		dropped = s.processEstablishedAck(p, seg)
	default:
		return
	}

	if !dropped && p.state == StateEstablished && len(seg.Payload) > 0 {
		p.appendRecv(seg.Payload)
		p.rcvNXT += uint32(len(seg.Payload))
		s.emit(p.local, p.foreign, p.sndNXT, p.rcvNXT, FlagACK, p.rcvWND, nil)
		p.ctx.Wakeup()
	}
}

func (s *Stack) handleListen(p *pcb, hdr *ip.Header, dev *device.Device, seg *Segment) {
	if seg.Flags&FlagRST != 0 {
		return
	}
	local := Endpoint{Addr: hdr.Dst, Port: seg.DstPort}
	foreign := Endpoint{Addr: hdr.Src, Port: seg.SrcPort}
	if seg.Flags&FlagACK != 0 {
		s.emit(local, foreign, seg.Ack, 0, FlagRST, 0, nil)
		return
	}
	if seg.Flags&FlagSYN == 0 {
		return
	}

	p.local = local
	p.foreign = foreign
	p.irs = seg.Seq
	p.rcvNXT = seg.Seq + 1
	p.rcvWND = initialWindow(len(p.buf))
	p.iss = rand.Uint32()
	p.sndNXT = p.iss + 1
	p.sndUNA = p.iss
	if iface := dev.Interface(device.FamilyIP); iface != nil {
		p.mss = iface.Dev.MTU - ip.MinHeaderLen - headerLen
	}
	p.state = StateSynReceived
	metrics.SetTCPPCBState(StateListen.String(), StateSynReceived.String())
	s.emit(p.local, p.foreign, p.iss, p.rcvNXT, FlagSYN|FlagACK, p.rcvWND, nil)
}

// processEstablishedAck implements spec §4.8's "ACK processing" rules
// for the ESTABLISHED state (also reached via fallthrough from a
// successful SYN-RECEIVED transition). A segment acknowledging data never
// sent (SEG.ACK > SND.NXT) is answered with an ACK and the whole segment
// is dropped, per spec §4.8: "emit ACK, drop" — the caller must not
// deliver its text or advance RCV.NXT.
func (s *Stack) processEstablishedAck(p *pcb, seg *Segment) (drop bool) {
	switch {
	case seqGT(seg.Ack, p.sndNXT):
		s.emit(p.local, p.foreign, p.sndNXT, p.rcvNXT, FlagACK, p.rcvWND, nil)
		return true
	case seqGT(seg.Ack, p.sndUNA):
		p.sndUNA = seg.Ack
		if seqLT(p.sndWL1, seg.Seq) || (p.sndWL1 == seg.Seq && seqLE(p.sndWL2, seg.Ack)) {
			p.sndWND = seg.Wnd
			p.sndWL1 = seg.Seq
			p.sndWL2 = seg.Ack
		}
	default:
		// duplicate ACK (SEG.ACK <= SND.UNA): no action
	}
	return false
}
