package tcp

import (
	"sync"

	"github.com/nsheridan/uspnet/internal/ipaddr"
	"github.com/nsheridan/uspnet/internal/sched"
)

// State is one of the 12 RFC 793 connection states (spec §3). This
// stack only ever drives transitions through FREE, CLOSED, LISTEN,
// SYN-RECEIVED, ESTABLISHED, and back to CLOSED/FREE via an abrupt RST
// close; the remaining states exist to complete the data model and are
// not reachable in this implementation.
type State int

const (
	StateFree State = iota
	StateClosed
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

func (s State) String() string {
	names := [...]string{"FREE", "CLOSED", "LISTEN", "SYN-SENT", "SYN-RECEIVED",
		"ESTABLISHED", "FIN-WAIT-1", "FIN-WAIT-2", "CLOSING", "TIME-WAIT",
		"CLOSE-WAIT", "LAST-ACK"}
	if int(s) < 0 || int(s) >= len(names) {
		return "UNKNOWN"
	}
	return names[s]
}

// Endpoint is an (address, port) pair. A zero Addr/zero port is the
// wildcard used by a LISTEN PCB's foreign endpoint.
type Endpoint struct {
	Addr ipaddr.Addr
	Port uint16
}

// RecvBufSize is the fixed inline receive buffer capacity (spec §3: a
// 64 KiB buffer). Sized at 0xffff rather than a full 65536 so the
// buffer's capacity fits the 16-bit RCV.WND field exactly — with a true
// 65536-byte buffer, a full-capacity window wouldn't fit in uint16 and
// "buffered = |buf| - RCV.WND" would report a phantom byte at an empty
// buffer.
const RecvBufSize = 0xffff

func initialWindow(bufLen int) uint16 { return uint16(bufLen) }

// pcb is one TCP control block (spec §3). Buffered receive data occupies
// buf[:len(buf)-int(rcvWND)]; incoming segments are appended at that
// boundary and receive() compacts the remainder down after each copy.
type pcb struct {
	mu    sync.Mutex
	state State
	ctx   *sched.Ctx

	local, foreign    Endpoint
	foreignRestricted bool // Open() was given a non-nil foreign filter

	sndUNA, sndNXT uint32
	sndWND         uint16
	sndWL1, sndWL2 uint32
	iss            uint32

	rcvNXT uint32
	rcvWND uint16
	irs    uint32

	mss int
	buf []byte
}

func newPCB() *pcb {
	p := &pcb{buf: make([]byte, RecvBufSize)}
	p.ctx = sched.NewCtx(&p.mu)
	return p
}

// buffered returns the number of live bytes held in buf.
func (p *pcb) buffered() int { return len(p.buf) - int(p.rcvWND) }

// appendRecv copies data to the tail of the live region and shrinks
// RCV.WND, per spec §4.8 "Text".
func (p *pcb) appendRecv(data []byte) {
	off := p.buffered()
	n := copy(p.buf[off:], data)
	p.rcvWND -= uint16(n)
}

// reset clears the PCB back to its zero value, ready for reuse.
func (p *pcb) reset() {
	p.state = StateFree
	p.local = Endpoint{}
	p.foreign = Endpoint{}
	p.foreignRestricted = false
	p.sndUNA, p.sndNXT, p.sndWND, p.sndWL1, p.sndWL2, p.iss = 0, 0, 0, 0, 0, 0
	p.rcvNXT, p.rcvWND, p.irs = 0, initialWindow(len(p.buf)), 0
	p.mss = 0
}
