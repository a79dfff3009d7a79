package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/ip"
	"github.com/nsheridan/uspnet/internal/ipaddr"
)

type noopOps struct{}

func (noopOps) Open(dev *device.Device) error { return nil }

func (noopOps) Close(dev *device.Device) error { return nil }

func (noopOps) Transmit(dev *device.Device, f []byte) error { return nil }

func TestConfig_Apply_RegistersDevicesAndRoutes(t *testing.T) {
	unicast, _ := ipaddr.Parse("192.0.2.2")
	netmask, _ := ipaddr.Parse("255.255.255.0")
	gateway, _ := ipaddr.Parse("192.0.2.1")

	cfg := New(
		WithDevice(DeviceSpec{Type: device.TypeEthernet, MTU: 1500, Unicast: unicast, Netmask: netmask, Ops: noopOps{}}),
		WithDevice(DeviceSpec{Type: device.TypeLoopback, MTU: 65535, Ops: noopOps{}}),
		WithRoute(RouteSpec{DeviceIndex: 0, Nexthop: gateway}),
	)

	registry := device.NewRegistry()
	routes := ip.NewRouteTable()
	devs, err := cfg.Apply(registry, routes)
	require.NoError(t, err)
	require.Len(t, devs, 2)

	iface := devs[0].Interface(device.FamilyIP)
	require.NotNil(t, iface)
	require.Equal(t, unicast, iface.Unicast)

	route, ok := routes.Lookup(ipaddr.Addr{198, 51, 100, 1})
	require.True(t, ok)
	require.Equal(t, gateway, route.Nexthop)

	require.Nil(t, devs[1].Interface(device.FamilyIP))
}

func TestConfig_Apply_RejectsOutOfRangeRouteDeviceIndex(t *testing.T) {
	cfg := New(
		WithDevice(DeviceSpec{Type: device.TypeLoopback, MTU: 65535, Ops: noopOps{}}),
		WithRoute(RouteSpec{DeviceIndex: 5}),
	)
	_, err := cfg.Apply(device.NewRegistry(), ip.NewRouteTable())
	require.Error(t, err)
}

func TestConfig_Apply_RejectsRouteOnDeviceWithNoInterface(t *testing.T) {
	cfg := New(
		WithDevice(DeviceSpec{Type: device.TypeLoopback, MTU: 65535, Ops: noopOps{}}),
		WithRoute(RouteSpec{DeviceIndex: 0}),
	)
	_, err := cfg.Apply(device.NewRegistry(), ip.NewRouteTable())
	require.Error(t, err)
}

func TestWithAlarmInterval_Overrides(t *testing.T) {
	require.NotZero(t, New().AlarmInterval())
	cfg := New(WithAlarmInterval(5 * time.Millisecond))
	require.Equal(t, 5*time.Millisecond, cfg.AlarmInterval())
}
