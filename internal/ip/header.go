// Package ip implements IPv4 header validation/construction, an
// in-memory longest-prefix-match routing table, and protocol dispatch
// (spec §4.5).
//
// Grounded on the now-deleted internal/routing's Route shape (network,
// netmask, nexthop, interface), generalized from a netlink-synced table
// to a purely in-memory one, and on internal/liveness/packet.go's manual
// encoding/binary header marshal/unmarshal idiom.
package ip

import (
	"encoding/binary"
	"fmt"

	"github.com/nsheridan/uspnet/internal/ipaddr"
)

const (
	// Version is the only supported IP version.
	Version = 4
	// MinHeaderLen is the header length with no options (5 32-bit words).
	MinHeaderLen = 20

	flagMoreFragments = 0x2000
	fragOffsetMask    = 0x1fff
)

// Protocol numbers used by the transport-layer dispatch table.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Header is a parsed IPv4 header (spec §4.5).
type Header struct {
	IHL      uint8
	TOS      uint8
	TotalLen uint16
	ID       uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      ipaddr.Addr
	Dst      ipaddr.Addr
}

// Parse validates and decodes an IPv4 header per the spec's ordered
// checks: min length, version, header-length bound, total-length bound,
// checksum, fragmentation, in that order. It returns the header and the
// payload slice following it (header options, if any, are skipped but
// not retained).
func Parse(data []byte) (*Header, []byte, error) {
	if len(data) < MinHeaderLen {
		return nil, nil, fmt.Errorf("ip: short packet: %d bytes", len(data))
	}
	verIHL := data[0]
	version := verIHL >> 4
	if version != Version {
		return nil, nil, fmt.Errorf("ip: unsupported version %d", version)
	}
	ihl := int(verIHL&0x0f) * 4
	if ihl < MinHeaderLen || ihl > len(data) {
		return nil, nil, fmt.Errorf("ip: invalid header length %d", ihl)
	}
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen < ihl || totalLen > len(data) {
		return nil, nil, fmt.Errorf("ip: invalid total length %d", totalLen)
	}
	if Checksum(data[:ihl]) != 0 {
		return nil, nil, fmt.Errorf("ip: header checksum mismatch")
	}

	flagsAndOffset := binary.BigEndian.Uint16(data[6:8])
	if flagsAndOffset&flagMoreFragments != 0 || flagsAndOffset&fragOffsetMask != 0 {
		return nil, nil, fmt.Errorf("ip: fragmentation not supported")
	}

	h := &Header{
		IHL:      uint8(ihl),
		TOS:      data[1],
		TotalLen: uint16(totalLen),
		ID:       binary.BigEndian.Uint16(data[4:6]),
		TTL:      data[8],
		Protocol: data[9],
		Checksum: binary.BigEndian.Uint16(data[10:12]),
	}
	copy(h.Src[:], data[12:16])
	copy(h.Dst[:], data[16:20])
	return h, data[ihl:totalLen], nil
}

// Build serializes h and payload into a complete IPv4 packet, computing
// the header checksum over the freshly built header.
func Build(h *Header, payload []byte) []byte {
	total := MinHeaderLen + len(payload)
	out := make([]byte, total)
	out[0] = (Version << 4) | (MinHeaderLen / 4)
	out[1] = h.TOS
	binary.BigEndian.PutUint16(out[2:4], uint16(total))
	binary.BigEndian.PutUint16(out[4:6], h.ID)
	// flags/fragment offset: always 0 (no fragmentation, spec §4.5).
	out[8] = h.TTL
	out[9] = h.Protocol
	copy(out[12:16], h.Src[:])
	copy(out[16:20], h.Dst[:])
	binary.BigEndian.PutUint16(out[10:12], Checksum(out[:MinHeaderLen]))
	copy(out[MinHeaderLen:], payload)
	return out
}

// Checksum computes the Internet checksum (RFC 1071) over data.
func Checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoHeaderChecksum computes the Internet checksum over the IPv4
// pseudo-header (src, dst, 0, protocol, length) followed by data, as
// used by UDP and TCP (spec §4.7, §4.8).
func PseudoHeaderChecksum(src, dst ipaddr.Addr, protocol uint8, data []byte) uint16 {
	pseudo := make([]byte, 12+len(data)+len(data)%2)
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[9] = protocol
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(data)))
	copy(pseudo[12:], data)
	return Checksum(pseudo)
}
