// Package ipaddr implements IPv4 address parsing/formatting and the small
// set of address arithmetic (netmask application, broadcast computation)
// shared by the device and ip layers.
package ipaddr

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Addr is an IPv4 address in network byte order.
type Addr [4]byte

// Any is the wildcard address 0.0.0.0.
var Any = Addr{}

// Broadcast is the limited broadcast address 255.255.255.255.
var Broadcast = Addr{255, 255, 255, 255}

// IsAny reports whether a is the wildcard address.
func (a Addr) IsAny() bool { return a == Any }

// Uint32 returns a's big-endian 32-bit representation.
func (a Addr) Uint32() uint32 { return binary.BigEndian.Uint32(a[:]) }

// FromUint32 builds an Addr from a big-endian 32-bit value.
func FromUint32(v uint32) Addr {
	var a Addr
	binary.BigEndian.PutUint32(a[:], v)
	return a
}

// String formats a in dotted-decimal notation.
func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// Parse parses a dotted-decimal IPv4 address.
func Parse(s string) (Addr, error) {
	var a Addr
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return a, fmt.Errorf("ipaddr: invalid address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return a, fmt.Errorf("ipaddr: invalid address %q: %w", s, err)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// And returns the bitwise AND of a and b.
func (a Addr) And(b Addr) Addr {
	var r Addr
	for i := range a {
		r[i] = a[i] & b[i]
	}
	return r
}

// Or returns the bitwise OR of a and b.
func (a Addr) Or(b Addr) Addr {
	var r Addr
	for i := range a {
		r[i] = a[i] | b[i]
	}
	return r
}

// Not returns the bitwise complement of a.
func (a Addr) Not() Addr {
	var r Addr
	for i := range a {
		r[i] = ^a[i]
	}
	return r
}

// PrefixLen returns the number of leading one-bits in netmask a, i.e. its
// CIDR prefix length.
func (a Addr) PrefixLen() int {
	n := 0
	for _, b := range a {
		for i := 7; i >= 0; i-- {
			if b&(1<<uint(i)) == 0 {
				return n
			}
			n++
		}
	}
	return n
}

// DirectedBroadcast computes the directed broadcast address for a unicast address
// and netmask, per spec §3: unicast & netmask | ~netmask.
func DirectedBroadcast(unicast, netmask Addr) Addr {
	return unicast.And(netmask).Or(netmask.Not())
}
