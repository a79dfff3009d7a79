package tap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/eth"
	"github.com/nsheridan/uspnet/internal/netcore"
)

// requireTapAccess skips the test unless /dev/net/tun is openable and
// the process runs as root, mirroring the teacher's requireRawSockets gate on
// privileged network tests (tools/uping/pkg/uping/sender_test.go).
func requireTapAccess(t *testing.T) {
	fd, err := unix.Open(tunDevPath, unix.O_RDWR, 0)
	if err != nil {
		t.Skipf("tap: %s unavailable: %v", tunDevPath, err)
	}
	_ = unix.Close(fd)
	if os.Geteuid() != 0 {
		t.Skip("tap: requires CAP_NET_ADMIN")
	}
}

// Open attaches a tap interface, Transmit injects a frame as received
// traffic on it, and Close tears the whole thing down cleanly. This does
// not assert the frame is ever read back: a tap fd's read() side carries
// traffic the kernel emits out the interface, not what Transmit injected
// into it, so a genuine round trip needs the interface configured up
// with an address and a peer generating kernel traffic — out of scope
// for a unit test. The demux wiring (Open's read goroutine -> deliver ->
// demux.Input) is exercised separately wherever it's reachable from
// parsed frames, not raw kernel I/O.
func TestDriver_OpenTransmitClose(t *testing.T) {
	requireTapAccess(t)

	demux := netcore.NewDemux(nil, func() {})
	demux.Register(eth.TypeIPv4, func(payload []byte, dev *device.Device) {})

	drv := New(nil, "uspnettest0", demux)
	dev := &device.Device{Type: device.TypeEthernet, MTU: 1500, HWAddr: eth.Addr{0xaa, 0xbb, 0xcc, 0, 0, 1}}

	require.NoError(t, drv.Open(dev))
	defer func() { require.NoError(t, drv.Close(dev)) }()

	frame, err := eth.Build(eth.Broadcast, dev.HWAddr, eth.TypeIPv4, []byte("hello"), dev.MTU)
	require.NoError(t, err)
	require.NoError(t, drv.Transmit(dev, frame))
}
