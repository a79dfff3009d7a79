// Package device implements the device/interface data model and registry
// of spec §3–§4.2: device registration, open/close lifecycle, and the
// single IP interface each device may carry.
//
// Grounded in the teacher's internal/manager.NetlinkManager pattern of an
// owning, mutex-guarded registry exposing small accessor methods, adapted
// from kernel route/tunnel bookkeeping to an in-process device list.
package device

import (
	"fmt"
	"sync"

	"github.com/nsheridan/uspnet/internal/eth"
	"github.com/nsheridan/uspnet/internal/ipaddr"
	"github.com/nsheridan/uspnet/internal/metrics"
)

// Type identifies the kind of device behind the Ops vtable.
type Type int

const (
	TypeDummy Type = iota
	TypeLoopback
	TypeEthernet
)

// Flag is a device capability/status bit.
type Flag uint32

const (
	FlagUp Flag = 1 << iota
	FlagLoopback
	FlagBroadcast
	FlagP2P
	FlagNeedsARP
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Ops is the driver vtable (spec §9 "Dynamic dispatch"): Open and Close are
// optional no-ops for drivers that don't need them; Transmit is required.
type Ops interface {
	Open(dev *Device) error
	Close(dev *Device) error
	Transmit(dev *Device, frame []byte) error
}

// Family is the address family carried by an Interface. Only IP is
// currently modeled.
type Family int

const FamilyIP Family = 1

// Interface is a single address-family binding on a Device. For FamilyIP,
// Unicast/Netmask/Broadcast are populated; Broadcast is always
// Unicast&Netmask | ~Netmask (spec §3, §8 invariant).
type Interface struct {
	Family    Family
	Dev       *Device
	Unicast   ipaddr.Addr
	Netmask   ipaddr.Addr
	Broadcast ipaddr.Addr
}

// NewIPInterface constructs an IP interface with Broadcast derived from
// unicast and netmask.
func NewIPInterface(dev *Device, unicast, netmask ipaddr.Addr) *Interface {
	return &Interface{
		Family:    FamilyIP,
		Dev:       dev,
		Unicast:   unicast,
		Netmask:   netmask,
		Broadcast: ipaddr.DirectedBroadcast(unicast, netmask),
	}
}

// Device is a registered network device (spec §3).
type Device struct {
	Index       int
	Name        string
	Type        Type
	MTU         int
	Flags       Flag
	HWAddr      eth.Addr
	HWBroadcast eth.Addr
	HeaderLen   int
	AddrLen     int
	Ops         Ops
	Private     any

	mu     sync.RWMutex
	ifaces map[Family]*Interface
}

// IsUp reports whether the device has been opened.
func (d *Device) IsUp() bool { return d.Flags.Has(FlagUp) }

// Interface returns the device's interface for family, or nil.
func (d *Device) Interface(f Family) *Interface {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ifaces[f]
}

// AddInterface attaches iface to the device. A device may carry at most
// one interface per family; a duplicate registration fails.
func (d *Device) AddInterface(iface *Interface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ifaces == nil {
		d.ifaces = map[Family]*Interface{}
	}
	if _, exists := d.ifaces[iface.Family]; exists {
		return fmt.Errorf("device: %s already has an interface for family %d", d.Name, iface.Family)
	}
	iface.Dev = d
	d.ifaces[iface.Family] = iface
	return nil
}

// Registry owns the devices formed in spec §4.2's intrusive list,
// reimplemented as an owning, indexed slice per DESIGN NOTES §9.
// The registry is written only during setup (before the worker starts)
// and read thereafter, consistent with spec §5.
type Registry struct {
	mu      sync.RWMutex
	devices []*Device
	byName  map[string]*Device
}

// NewRegistry constructs an empty device registry.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]*Device{}}
}

// Register appends dev, assigning it the next index and a "netN" name.
func (r *Registry) Register(dev *Device) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev.Index = len(r.devices)
	dev.Name = fmt.Sprintf("net%d", dev.Index)
	r.devices = append(r.devices, dev)
	r.byName[dev.Name] = dev
	return dev
}

// Open calls the driver's Open hook and sets FlagUp.
func (r *Registry) Open(dev *Device) error {
	if dev.Ops != nil {
		if err := dev.Ops.Open(dev); err != nil {
			return fmt.Errorf("device: open %s: %w", dev.Name, err)
		}
	}
	dev.Flags |= FlagUp
	return nil
}

// Close calls the driver's Close hook and clears FlagUp.
func (r *Registry) Close(dev *Device) error {
	dev.Flags &^= FlagUp
	if dev.Ops != nil {
		if err := dev.Ops.Close(dev); err != nil {
			return fmt.Errorf("device: close %s: %w", dev.Name, err)
		}
	}
	return nil
}

// Transmit hands frame to the driver. Fails if the device is not up.
func (r *Registry) Transmit(dev *Device, frame []byte) error {
	if !dev.IsUp() {
		return fmt.Errorf("device: %s is not up", dev.Name)
	}
	if err := dev.Ops.Transmit(dev, frame); err != nil {
		return err
	}
	metrics.FramesTransmitted.WithLabelValues(dev.Name).Inc()
	return nil
}

// All returns every registered device.
func (r *Registry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// ByName looks up a device by its assigned name.
func (r *Registry) ByName(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// ByIPUnicast finds the device whose IP interface's unicast address
// equals addr.
func (r *Registry) ByIPUnicast(addr ipaddr.Addr) (*Device, *Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if iface := d.Interface(FamilyIP); iface != nil && iface.Unicast == addr {
			return d, iface, true
		}
	}
	return nil, nil, false
}
