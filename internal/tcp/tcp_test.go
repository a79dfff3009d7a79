package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nsheridan/uspnet/internal/arp"
	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/eth"
	"github.com/nsheridan/uspnet/internal/ip"
	"github.com/nsheridan/uspnet/internal/ipaddr"
)

type captureOps struct{ frames [][]byte }

func (c *captureOps) Open(*device.Device) error  { return nil }
func (c *captureOps) Close(*device.Device) error { return nil }
func (c *captureOps) Transmit(_ *device.Device, frame []byte) error {
	c.frames = append(c.frames, frame)
	return nil
}

func newTestStack(t *testing.T) (*Stack, *device.Device, ipaddr.Addr, ipaddr.Addr, *captureOps) {
	t.Helper()
	registry := device.NewRegistry()
	ops := &captureOps{}
	hw, _ := eth.ParseAddr("02:00:00:00:00:01")
	d := registry.Register(&device.Device{Type: device.TypeEthernet, MTU: 1500, HWAddr: hw, HWBroadcast: eth.Broadcast, HeaderLen: eth.HeaderLen, AddrLen: eth.AddrLen, Ops: ops})
	require.NoError(t, registry.Open(d))
	unicast, _ := ipaddr.Parse("192.0.2.1")
	netmask, _ := ipaddr.Parse("255.255.255.0")
	iface := device.NewIPInterface(d, unicast, netmask)
	require.NoError(t, d.AddInterface(iface))

	routes := ip.NewRouteTable()
	routes.Add(ip.Route{Network: unicast.And(netmask), Netmask: netmask, Iface: iface})
	arpc := arp.NewCache(nil, registry, nil)
	ipStack := ip.New(nil, registry, arpc, routes)

	tcpStack := NewStack(nil, ipStack)
	ipStack.RegisterHandler(ip.ProtoTCP, tcpStack.Input)
	peer, _ := ipaddr.Parse("192.0.2.9")
	return tcpStack, d, unicast, peer, ops
}

func lastSegment(t *testing.T, ops *captureOps, d *device.Device) *Segment {
	t.Helper()
	require.NotEmpty(t, ops.frames)
	frame := ops.frames[len(ops.frames)-1]
	ef, err := eth.Parse(frame, d.HWAddr)
	require.NoError(t, err)
	hdr, payload, err := ip.Parse(ef.Payload)
	require.NoError(t, err)
	seg, err := ParseSegment(hdr, payload)
	require.NoError(t, err)
	return seg
}

func TestPassiveOpen_HandshakeCompletesAndWakesOpener(t *testing.T) {
	t.Parallel()
	s, d, unicast, peer, ops := newTestStack(t)

	type openResult struct {
		id  int
		err error
	}
	resultCh := make(chan openResult, 1)
	go func() {
		id, err := s.Open(Endpoint{Addr: unicast, Port: 80}, nil, false)
		resultCh <- openResult{id, err}
	}()

	// give Open() a chance to reach LISTEN and sleep
	require.Eventually(t, func() bool {
		p, _ := s.pcbAt(0)
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.state == StateListen
	}, time.Second, time.Millisecond)

	clientISS := uint32(1000)
	syn := &Segment{SrcPort: 4000, DstPort: 80, Seq: clientISS, Flags: FlagSYN, Wnd: 65535}
	hdr := &ip.Header{Src: peer, Dst: unicast}
	s.Input(hdr, BuildSegment(peer, unicast, syn), d)

	synack := lastSegment(t, ops, d)
	require.Equal(t, uint8(FlagSYN|FlagACK), synack.Flags)
	require.Equal(t, clientISS+1, synack.Ack)

	ack := &Segment{SrcPort: 4000, DstPort: 80, Seq: clientISS + 1, Ack: synack.Seq + 1, Flags: FlagACK, Wnd: 65535}
	s.Input(hdr, BuildSegment(peer, unicast, ack), d)

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.Equal(t, 0, res.id)
	case <-time.After(time.Second):
		t.Fatal("Open() did not return after handshake completed")
	}

	p, _ := s.pcbAt(0)
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Equal(t, StateEstablished, p.state)
}

func establishedPCB(t *testing.T) (*Stack, *device.Device, ipaddr.Addr, ipaddr.Addr, *captureOps, int) {
	t.Helper()
	s, d, unicast, peer, ops := newTestStack(t)
	id, p, err := s.allocate()
	require.NoError(t, err)
	p.mu.Lock()
	p.local = Endpoint{Addr: unicast, Port: 80}
	p.foreign = Endpoint{Addr: peer, Port: 4000}
	p.state = StateEstablished
	p.irs = 999
	p.rcvNXT = 1000
	p.rcvWND = initialWindow(len(p.buf))
	p.iss = 5000
	p.sndUNA = 5001
	p.sndNXT = 5001
	p.sndWND = 65535
	p.mss = 1460
	p.mu.Unlock()
	return s, d, unicast, peer, ops, id
}

func TestSend_EmitsSegmentAndAdvancesNXT(t *testing.T) {
	t.Parallel()
	s, d, _, _, ops, id := establishedPCB(t)

	n, err := s.Send(id, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	seg := lastSegment(t, ops, d)
	require.Equal(t, []byte("hello"), seg.Payload)
	require.True(t, seg.Flags&FlagPSH != 0)

	p, _ := s.pcbAt(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Equal(t, uint32(5001+5), p.sndNXT)
}

func TestReceive_DataSegmentBuffersAndWakesReceiver(t *testing.T) {
	t.Parallel()
	s, d, unicast, peer, ops, id := establishedPCB(t)

	data := &Segment{SrcPort: 4000, DstPort: 80, Seq: 1000, Ack: 5001, Flags: FlagACK, Wnd: 65535, Payload: []byte("world")}
	hdr := &ip.Header{Src: peer, Dst: unicast}
	s.Input(hdr, BuildSegment(peer, unicast, data), d)

	buf := make([]byte, 32)
	n, err := s.Receive(id, buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf[:n]))

	// a pure ACK should have been emitted for the data segment
	ackSeg := lastSegment(t, ops, d)
	require.Equal(t, uint8(FlagACK), ackSeg.Flags)
	require.Equal(t, uint32(1005), ackSeg.Ack)
}

func TestClose_EmitsRSTAndReleasesPCB(t *testing.T) {
	t.Parallel()
	s, d, _, _, ops, id := establishedPCB(t)

	require.NoError(t, s.Close(id))
	seg := lastSegment(t, ops, d)
	require.True(t, seg.Flags&FlagRST != 0)

	p, _ := s.pcbAt(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Equal(t, StateFree, p.state)
}

func TestInput_FutureAckIsDroppedWithoutDeliveringText(t *testing.T) {
	t.Parallel()
	s, d, unicast, peer, ops, id := establishedPCB(t)

	// SEG.ACK (6000) is ahead of SND.NXT (5001): spec §4.8 says emit ACK
	// and drop the whole segment, including its text.
	seg := &Segment{SrcPort: 4000, DstPort: 80, Seq: 1000, Ack: 6000, Flags: FlagACK, Wnd: 65535, Payload: []byte("world")}
	hdr := &ip.Header{Src: peer, Dst: unicast}
	s.Input(hdr, BuildSegment(peer, unicast, seg), d)

	resp := lastSegment(t, ops, d)
	require.Equal(t, uint8(FlagACK), resp.Flags)
	require.Equal(t, uint32(5001), resp.Seq)
	require.Equal(t, uint32(1000), resp.Ack)

	p, _ := s.pcbAt(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Equal(t, uint32(1000), p.rcvNXT)
	require.Zero(t, p.buffered())
}

func TestInput_NoPCBWithoutACKGetsResetAck(t *testing.T) {
	t.Parallel()
	s, d, unicast, peer, ops := newTestStack(t)
	seg := &Segment{SrcPort: 4000, DstPort: 9999, Seq: 42, Flags: FlagSYN}
	hdr := &ip.Header{Src: peer, Dst: unicast}
	s.Input(hdr, BuildSegment(peer, unicast, seg), d)

	resp := lastSegment(t, ops, d)
	require.Equal(t, uint8(FlagRST|FlagACK), resp.Flags)
	require.Equal(t, uint32(42+1), resp.Ack)
}

func TestInput_NoPCBWithRSTIsDropped(t *testing.T) {
	t.Parallel()
	s, d, unicast, peer, ops := newTestStack(t)
	seg := &Segment{SrcPort: 4000, DstPort: 9999, Flags: FlagRST}
	hdr := &ip.Header{Src: peer, Dst: unicast}
	s.Input(hdr, BuildSegment(peer, unicast, seg), d)
	require.Empty(t, ops.frames)
}

func TestOpen_ActiveReturnsNotImplemented(t *testing.T) {
	t.Parallel()
	s, _, unicast, _, _ := newTestStack(t)
	_, err := s.Open(Endpoint{Addr: unicast, Port: 80}, nil, true)
	require.Error(t, err)
}
