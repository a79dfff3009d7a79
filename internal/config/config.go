// Package config assembles the stack's static setup: the device list, the
// IP interface bound to each device, and the administrative routing
// table (spec §3, §5 "Resource pools" are all fixed at construction
// time; there is no runtime reconfiguration).
//
// Grounded on the teacher's internal/api.ApiServer functional-options
// idiom (Option func(*ApiServer), WithSockFile, WithBaseContext,
// WithHandler) generalized from HTTP server construction to stack
// construction: a zero-value Config plus a slice of Option closures
// applied in order, rather than the JSON-persisted internal/config.Config
// (Solana RPC URL/program ID) or the required-field-plus-Validate
// internal/probing.Config, neither of which fit a one-shot, no-reload
// startup shape.
package config

import (
	"fmt"
	"time"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/eth"
	"github.com/nsheridan/uspnet/internal/ip"
	"github.com/nsheridan/uspnet/internal/ipaddr"
)

// DeviceSpec describes one device to register: its driver vtable, MTU,
// and (for devices that carry one) the IP address/netmask to bind.
type DeviceSpec struct {
	Ops     device.Ops
	Type    device.Type
	MTU     int
	Flags   device.Flag
	HWAddr  eth.Addr
	Unicast ipaddr.Addr
	Netmask ipaddr.Addr
	// Private is passed through to device.Device.Private, for driver
	// state (e.g. the tap driver's open file descriptor).
	Private any
}

// RouteSpec describes one administrative routing table entry (spec §3).
// A zero Network/Netmask is the default route.
type RouteSpec struct {
	Network ipaddr.Addr
	Netmask ipaddr.Addr
	Nexthop ipaddr.Addr
	// DeviceIndex selects which registered DeviceSpec (by position in
	// the order passed to WithDevice) this route resolves through.
	DeviceIndex int
}

// Config is the stack's static setup, built by applying a list of
// Options to a zero value.
type Config struct {
	devices    []DeviceSpec
	routes     []RouteSpec
	alarmEvery time.Duration
}

// Option mutates a Config under construction.
type Option func(*Config)

// New builds a Config by applying options in order.
func New(options ...Option) *Config {
	c := &Config{alarmEvery: time.Millisecond}
	for _, o := range options {
		o(c)
	}
	return c
}

// WithDevice appends a device to the configuration. Devices are
// registered in the order this option is supplied, and RouteSpec.DeviceIndex
// refers to that order.
func WithDevice(spec DeviceSpec) Option {
	return func(c *Config) {
		c.devices = append(c.devices, spec)
	}
}

// WithRoute appends a routing table entry.
func WithRoute(spec RouteSpec) Option {
	return func(c *Config) {
		c.routes = append(c.routes, spec)
	}
}

// WithAlarmInterval overrides the worker's periodic timer period (spec
// default: 1ms).
func WithAlarmInterval(d time.Duration) Option {
	return func(c *Config) {
		c.alarmEvery = d
	}
}

// AlarmInterval returns the configured worker timer period.
func (c *Config) AlarmInterval() time.Duration { return c.alarmEvery }

// Devices returns the configured device specs, in registration order.
func (c *Config) Devices() []DeviceSpec { return c.devices }

// Apply registers every configured device against registry, binds its IP
// interface where an address was given, and installs every route against
// routes. Must run before the worker starts (spec §5: setup-then-run).
func (c *Config) Apply(registry *device.Registry, routes *ip.RouteTable) ([]*device.Device, error) {
	devices := make([]*device.Device, 0, len(c.devices))
	for _, spec := range c.devices {
		dev := &device.Device{
			Type:    spec.Type,
			MTU:     spec.MTU,
			Flags:   spec.Flags,
			HWAddr:  spec.HWAddr,
			Ops:     spec.Ops,
			Private: spec.Private,
		}
		if spec.Type == device.TypeEthernet {
			dev.HeaderLen = eth.HeaderLen
			dev.AddrLen = eth.AddrLen
			dev.HWBroadcast = eth.Broadcast
		}
		registry.Register(dev)
		if !spec.Unicast.IsAny() {
			if err := dev.AddInterface(device.NewIPInterface(dev, spec.Unicast, spec.Netmask)); err != nil {
				return nil, fmt.Errorf("config: %s: %w", dev.Name, err)
			}
		}
		devices = append(devices, dev)
	}

	for _, r := range c.routes {
		if r.DeviceIndex < 0 || r.DeviceIndex >= len(devices) {
			return nil, fmt.Errorf("config: route device index %d out of range", r.DeviceIndex)
		}
		iface := devices[r.DeviceIndex].Interface(device.FamilyIP)
		if iface == nil {
			return nil, fmt.Errorf("config: route device %d has no IP interface", r.DeviceIndex)
		}
		routes.Add(ip.Route{Network: r.Network, Netmask: r.Netmask, Nexthop: r.Nexthop, Iface: iface})
	}
	return devices, nil
}
