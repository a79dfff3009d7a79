package arp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/eth"
	"github.com/nsheridan/uspnet/internal/ipaddr"
	"github.com/nsheridan/uspnet/internal/stackerr"
)

type captureOps struct {
	frames [][]byte
}

func (c *captureOps) Open(*device.Device) error  { return nil }
func (c *captureOps) Close(*device.Device) error { return nil }
func (c *captureOps) Transmit(_ *device.Device, frame []byte) error {
	c.frames = append(c.frames, frame)
	return nil
}

func newTestDevice(t *testing.T, unicast string) (*device.Registry, *device.Device, *device.Interface, *captureOps) {
	t.Helper()
	r := device.NewRegistry()
	ops := &captureOps{}
	hw, _ := eth.ParseAddr("02:00:00:00:00:01")
	d := r.Register(&device.Device{Type: device.TypeEthernet, MTU: 1500, HWAddr: hw, HeaderLen: eth.HeaderLen, AddrLen: eth.AddrLen, Ops: ops})
	require.NoError(t, r.Open(d))
	ua, _ := ipaddr.Parse(unicast)
	nm, _ := ipaddr.Parse("255.255.255.0")
	iface := device.NewIPInterface(d, ua, nm)
	require.NoError(t, d.AddInterface(iface))
	return r, d, iface, ops
}

func TestResolve_UnknownAddrReturnsWouldBlockAndSendsRequest(t *testing.T) {
	t.Parallel()
	r, _, iface, ops := newTestDevice(t, "192.0.2.1")
	c := NewCache(nil, r, nil)

	target, _ := ipaddr.Parse("192.0.2.9")
	_, err := c.Resolve(iface, target)
	require.True(t, stackerr.Is(err, stackerr.WouldBlock))
	require.Len(t, ops.frames, 1)

	entry, ok := c.Lookup(target)
	require.True(t, ok)
	require.Equal(t, StateIncomplete, entry.State)
}

func TestResolve_ResolvedEntryReturnsImmediately(t *testing.T) {
	t.Parallel()
	r, _, iface, _ := newTestDevice(t, "192.0.2.1")
	c := NewCache(nil, r, nil)

	target, _ := ipaddr.Parse("192.0.2.9")
	ha, _ := eth.ParseAddr("02:00:00:00:00:02")
	require.NoError(t, c.Insert(target, ha))

	got, err := c.Resolve(iface, target)
	require.NoError(t, err)
	require.Equal(t, ha, got)
}

func TestInsert_StaticEntryNeverEvicted(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestDevice(t, "192.0.2.1")
	var tick int64
	now := func() time.Time { tick++; return time.Unix(tick, 0) }
	c := NewCache(nil, r, now)

	staticPA, _ := ipaddr.Parse("10.0.0.1")
	staticHA, _ := eth.ParseAddr("02:00:00:00:00:09")
	require.NoError(t, c.Insert(staticPA, staticHA))

	for i := 0; i < CacheSize+5; i++ {
		pa := ipaddr.FromUint32(uint32(i + 1))
		ha, _ := eth.ParseAddr("02:00:00:00:00:01")
		c.learn(pa, ha)
	}

	entry, ok := c.Lookup(staticPA)
	require.True(t, ok)
	require.Equal(t, StateStatic, entry.State)
}

func TestUpdate_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestDevice(t, "192.0.2.1")
	var tick int64
	now := func() time.Time { tick++; return time.Unix(tick, 0) }
	c := NewCache(nil, r, now)

	first := ipaddr.FromUint32(1)
	ha, _ := eth.ParseAddr("02:00:00:00:00:01")
	c.learn(first, ha)

	for i := 2; i <= CacheSize+1; i++ {
		c.learn(ipaddr.FromUint32(uint32(i)), ha)
	}

	_, ok := c.Lookup(first)
	require.False(t, ok, "oldest entry should have been evicted")
}

func TestInput_LearnsSenderAndRepliesToRequest(t *testing.T) {
	t.Parallel()
	r, d, iface, ops := newTestDevice(t, "192.0.2.1")
	c := NewCache(nil, r, nil)

	peerHA, _ := eth.ParseAddr("02:00:00:00:00:02")
	peerPA, _ := ipaddr.Parse("192.0.2.2")
	req := Build(&Message{Op: OpRequest, SHA: peerHA, SPA: peerPA, TPA: iface.Unicast})

	c.Input(req, d)

	entry, ok := c.Lookup(peerPA)
	require.True(t, ok)
	require.Equal(t, StateResolved, entry.State)
	require.Equal(t, peerHA, entry.HA)
	require.Len(t, ops.frames, 1, "expected a reply to be transmitted")
}

func TestInput_DropsMalformedMessage(t *testing.T) {
	t.Parallel()
	r, d, _, ops := newTestDevice(t, "192.0.2.1")
	c := NewCache(nil, r, nil)

	c.Input([]byte("not arp"), d)
	require.Empty(t, ops.frames)
}
