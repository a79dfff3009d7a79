// Package eth implements Ethernet II frame addressing, framing, and
// parsing (spec §4.3, §6).
package eth

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// AddrLen is the length in bytes of an Ethernet hardware address.
const AddrLen = 6

// HeaderLen is the length in bytes of an Ethernet II header (dst+src+ethertype).
const HeaderLen = 2*AddrLen + 2

// MinPayload is the minimum frame payload length; shorter payloads are
// padded with zero bytes on build.
const MinPayload = 46

// Addr is a 6-byte Ethernet hardware address.
type Addr [AddrLen]byte

// Broadcast is the all-ones Ethernet broadcast address.
var Broadcast = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IsBroadcast reports whether a equals the all-ones broadcast address.
func (a Addr) IsBroadcast() bool { return a == Broadcast }

// String formats a in colon-separated hex, e.g. "aa:bb:cc:dd:ee:ff".
func (a Addr) String() string {
	var b strings.Builder
	for i, x := range a {
		if i > 0 {
			b.WriteByte(':')
		}
		if x < 16 {
			b.WriteByte('0')
		}
		b.WriteString(strconv.FormatUint(uint64(x), 16))
	}
	return b.String()
}

// ParseAddr parses a colon-separated hex Ethernet address, e.g.
// "aa:bb:cc:dd:ee:ff".
func ParseAddr(s string) (Addr, error) {
	var a Addr
	parts := strings.Split(s, ":")
	if len(parts) != AddrLen {
		return a, fmt.Errorf("eth: invalid hardware address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return a, fmt.Errorf("eth: invalid hardware address %q: %w", s, err)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// EtherType identifies the payload protocol carried by a frame.
type EtherType uint16

const (
	TypeIPv4 EtherType = 0x0800
	TypeARP  EtherType = 0x0806
)

// Frame is a parsed Ethernet II frame: header fields plus payload.
type Frame struct {
	Dst     Addr
	Src     Addr
	Type    EtherType
	Payload []byte
}

// Parse validates and decodes a raw frame. Per spec §4.3, frames shorter
// than the header are rejected, and only frames addressed to dst or to
// the broadcast address are accepted; anything else is dropped silently
// (nil, nil) rather than returned as an error, since a foreign-destination
// frame is not a malformed one.
func Parse(raw []byte, dst Addr) (*Frame, error) {
	if len(raw) < HeaderLen {
		return nil, fmt.Errorf("eth: short frame: %d bytes", len(raw))
	}
	var f Frame
	copy(f.Dst[:], raw[0:6])
	copy(f.Src[:], raw[6:12])
	f.Type = EtherType(binary.BigEndian.Uint16(raw[12:14]))

	if f.Dst != dst && !f.Dst.IsBroadcast() {
		return nil, nil
	}

	f.Payload = raw[HeaderLen:]
	return &f, nil
}

// Build assembles a raw Ethernet II frame. The payload is padded to
// MinPayload. mtu bounds the payload (spec §6: "maximum = device MTU"),
// not the framed size, so a maximum-size IP datagram that already passed
// ip.Output's MTU check fits here too.
func Build(dst, src Addr, typ EtherType, payload []byte, mtu int) ([]byte, error) {
	if len(payload) > mtu {
		return nil, fmt.Errorf("eth: payload of %d bytes exceeds mtu %d", len(payload), mtu)
	}
	n := len(payload)
	if n < MinPayload {
		n = MinPayload
	}
	total := HeaderLen + n

	raw := make([]byte, total)
	copy(raw[0:6], dst[:])
	copy(raw[6:12], src[:])
	binary.BigEndian.PutUint16(raw[12:14], uint16(typ))
	copy(raw[HeaderLen:], payload)
	return raw, nil
}
