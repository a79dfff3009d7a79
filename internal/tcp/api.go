package tcp

import (
	"time"

	"github.com/nsheridan/uspnet/internal/metrics"
	"github.com/nsheridan/uspnet/internal/stackerr"
)

// Open allocates a PCB and listens on local, optionally restricted to a
// specific foreign endpoint, and blocks until a connection is
// established (spec §4.8 "open"). Active open is out of scope.
func (s *Stack) Open(local Endpoint, foreign *Endpoint, active bool) (int, error) {
	if active {
		return -1, stackerr.New("tcp.Open", stackerr.NotImplemented)
	}

	id, p, err := s.allocate()
	if err != nil {
		return -1, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = local
	if foreign != nil {
		p.foreign = *foreign
		p.foreignRestricted = true
	}
	p.state = StateListen
	metrics.SetTCPPCBState(StateClosed.String(), StateListen.String())

	for {
		if p.state == StateEstablished {
			return id, nil
		}
		if err := p.ctx.Sleep(time.Time{}); err != nil {
			metrics.SetTCPPCBState(p.state.String(), StateFree.String())
			p.reset()
			return -1, err
		}
	}
}

// Send transmits data over an ESTABLISHED connection, blocking while the
// send window is full (spec §4.8 "send"). On interruption it returns
// whatever was sent so far, or an error if nothing was sent.
func (s *Stack) Send(id int, data []byte) (int, error) {
	p, err := s.pcbAt(id)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateEstablished {
		return 0, stackerr.New("tcp.Send", stackerr.InvalidState)
	}

	sent := 0
	for sent < len(data) {
		if p.state != StateEstablished {
			if sent > 0 {
				return sent, nil
			}
			return 0, stackerr.New("tcp.Send", stackerr.InvalidState)
		}

		cap := int(p.sndWND) - int(p.sndNXT-p.sndUNA)
		if cap <= 0 {
			if err := p.ctx.Sleep(time.Time{}); err != nil {
				if sent > 0 {
					return sent, nil
				}
				return 0, err
			}
			continue
		}

		remaining := len(data) - sent
		n := remaining
		if p.mss > 0 && n > p.mss {
			n = p.mss
		}
		if n > cap {
			n = cap
		}
		chunk := data[sent : sent+n]
		s.emit(p.local, p.foreign, p.sndNXT, p.rcvNXT, FlagACK|FlagPSH, p.rcvWND, chunk)
		p.sndNXT += uint32(n)
		sent += n
	}
	return sent, nil
}

// Receive copies buffered data into buf, blocking until some is
// available (spec §4.8 "receive").
func (s *Stack) Receive(id int, buf []byte) (int, error) {
	p, err := s.pcbAt(id)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateEstablished {
		return 0, stackerr.New("tcp.Receive", stackerr.InvalidState)
	}

	for {
		if p.state != StateEstablished {
			return 0, stackerr.New("tcp.Receive", stackerr.InvalidState)
		}
		buffered := p.buffered()
		if buffered > 0 {
			n := copy(buf, p.buf[:buffered])
			copy(p.buf, p.buf[n:buffered])
			p.rcvWND += uint16(n)
			return n, nil
		}
		if err := p.ctx.Sleep(time.Time{}); err != nil {
			return 0, err
		}
	}
}

// Close emits a RST (unless the connection never progressed past
// LISTEN) and releases the PCB (spec §4.8 "close").
func (s *Stack) Close(id int) error {
	p, err := s.pcbAt(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateFree {
		return stackerr.New("tcp.Close", stackerr.InvalidState)
	}
	if p.state != StateListen {
		s.emit(p.local, p.foreign, p.sndNXT, p.rcvNXT, FlagRST, p.rcvWND, nil)
		metrics.TCPResetsSent.Inc()
	}
	metrics.SetTCPPCBState(p.state.String(), StateFree.String())
	p.reset()
	p.ctx.Wakeup()
	return nil
}
