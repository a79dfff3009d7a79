package netcore

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/eth"
)

func TestDemux_UnknownTypeDroppedSilently(t *testing.T) {
	t.Parallel()
	var raised atomic.Int32
	d := NewDemux(nil, func() { raised.Add(1) })
	d.Input(eth.TypeARP, []byte("x"), nil)
	require.Zero(t, raised.Load())
}

func TestDemux_InputThenDrainInvokesHandlerFIFO(t *testing.T) {
	t.Parallel()
	var got [][]byte
	d := NewDemux(nil, func() {})
	d.Register(eth.TypeARP, func(payload []byte, dev *device.Device) {
		got = append(got, payload)
	})

	d.Input(eth.TypeARP, []byte("first"), nil)
	d.Input(eth.TypeARP, []byte("second"), nil)
	d.Drain()

	require.Equal(t, [][]byte{[]byte("first"), []byte("second")}, got)
}

func TestDemux_InputRaisesSoftIRQ(t *testing.T) {
	t.Parallel()
	var raised atomic.Int32
	d := NewDemux(nil, func() { raised.Add(1) })
	d.Register(eth.TypeARP, func([]byte, *device.Device) {})
	d.Input(eth.TypeARP, []byte("x"), nil)
	require.Equal(t, int32(1), raised.Load())
}

func TestDemux_InputCopiesPayload(t *testing.T) {
	t.Parallel()
	var got []byte
	d := NewDemux(nil, func() {})
	d.Register(eth.TypeARP, func(payload []byte, dev *device.Device) { got = payload })

	buf := []byte("mutate-me")
	d.Input(eth.TypeARP, buf, nil)
	buf[0] = 'X'
	d.Drain()

	require.Equal(t, "mutate-me", string(got))
}
