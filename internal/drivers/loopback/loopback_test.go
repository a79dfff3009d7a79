package loopback

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsheridan/uspnet/internal/device"
)

func newTestDevice() *device.Device {
	return &device.Device{Name: "lo0", Type: device.TypeLoopback, MTU: 65535}
}

func TestDriver_TransmitThenDrain_Reinjects(t *testing.T) {
	var raised int
	drv := New(nil, func() { raised++ })
	dev := newTestDevice()

	require.NoError(t, drv.Transmit(dev, []byte("packet-1")))
	require.Equal(t, 1, raised)

	var delivered [][]byte
	drv.Drain(dev, func(packet []byte, d *device.Device) {
		require.Same(t, dev, d)
		delivered = append(delivered, packet)
	})
	require.Equal(t, [][]byte{[]byte("packet-1")}, delivered)

	// a second drain with nothing queued delivers nothing
	delivered = nil
	drv.Drain(dev, func(packet []byte, d *device.Device) {
		delivered = append(delivered, packet)
	})
	require.Empty(t, delivered)
}

func TestDriver_Transmit_DropsWhenQueueFull(t *testing.T) {
	drv := New(nil, func() {})
	dev := newTestDevice()

	for i := 0; i < QueueSize; i++ {
		require.NoError(t, drv.Transmit(dev, []byte{byte(i)}))
	}
	// one more: dropped, not an error (spec §7: never propagates to user API)
	require.NoError(t, drv.Transmit(dev, []byte{0xff}))

	var delivered [][]byte
	drv.Drain(dev, func(packet []byte, d *device.Device) {
		delivered = append(delivered, packet)
	})
	require.Len(t, delivered, QueueSize)
}

func TestDriver_Transmit_CopiesInputBuffer(t *testing.T) {
	drv := New(nil, func() {})
	dev := newTestDevice()

	buf := []byte{1, 2, 3}
	require.NoError(t, drv.Transmit(dev, buf))
	buf[0] = 0xff // mutate caller's buffer after handing it off

	var delivered []byte
	drv.Drain(dev, func(packet []byte, d *device.Device) { delivered = packet })
	require.Equal(t, []byte{1, 2, 3}, delivered)
}

func TestDriver_OpenClose_NoOp(t *testing.T) {
	drv := New(nil, func() {})
	dev := newTestDevice()
	require.NoError(t, drv.Open(dev))
	require.NoError(t, drv.Close(dev))
}
