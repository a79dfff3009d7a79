// Package arp implements ARP message framing and the resolution cache of
// spec §4.4: a fixed 32-entry cache with four states, request/reply
// handling, and LRU-by-timestamp eviction.
//
// The Message type is registered as a gopacket layer, mirroring the
// teacher's internal/pim.PIMMessage decode-registration idiom
// (gopacket.RegisterLayerType + a decode function), even though ARP's
// flat 28-byte layout needs no further NextDecoder chaining.
package arp

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"

	"github.com/nsheridan/uspnet/internal/eth"
	"github.com/nsheridan/uspnet/internal/ipaddr"
)

const (
	hwTypeEthernet = 1
	protoTypeIPv4  = 0x0800
	hwAddrLen      = eth.AddrLen
	protoAddrLen   = 4
	wireLen        = 8 + 2*hwAddrLen + 2*protoAddrLen
	OpRequest      = 1
	OpReply        = 2
)

// LayerType registers Message with gopacket for use as a dissector layer.
var LayerType = gopacket.RegisterLayerType(1667, gopacket.LayerTypeMetadata{
	Name:    "ARP",
	Decoder: gopacket.DecodeFunc(decodeLayer),
})

// Message is a parsed ARP-over-Ethernet/IPv4 message (spec §4.4, §6).
type Message struct {
	gopacket.BaseLayer
	Op  uint16
	SHA eth.Addr
	SPA ipaddr.Addr
	THA eth.Addr
	TPA ipaddr.Addr
}

func (m *Message) LayerType() gopacket.LayerType { return LayerType }

func decodeLayer(data []byte, p gopacket.PacketBuilder) error {
	msg, err := Parse(data)
	if err != nil {
		return err
	}
	msg.BaseLayer = gopacket.BaseLayer{Contents: data[:wireLen]}
	p.AddLayer(msg)
	return nil
}

// Parse validates and decodes a wire-format ARP message. Only
// hardware=Ethernet, protocol=IPv4, hln=6, pln=4, op∈{1,2} is accepted;
// anything else is rejected (spec §4.4).
func Parse(data []byte) (*Message, error) {
	if len(data) < wireLen {
		return nil, fmt.Errorf("arp: short message: %d bytes", len(data))
	}
	hw := binary.BigEndian.Uint16(data[0:2])
	proto := binary.BigEndian.Uint16(data[2:4])
	hln := data[4]
	pln := data[5]
	op := binary.BigEndian.Uint16(data[6:8])

	if hw != hwTypeEthernet || proto != protoTypeIPv4 || hln != hwAddrLen || pln != protoAddrLen {
		return nil, fmt.Errorf("arp: unsupported hrd/pro/hln/pln (%d/%d/%d/%d)", hw, proto, hln, pln)
	}
	if op != OpRequest && op != OpReply {
		return nil, fmt.Errorf("arp: unsupported opcode %d", op)
	}

	m := &Message{Op: op}
	off := 8
	copy(m.SHA[:], data[off:off+hwAddrLen])
	off += hwAddrLen
	copy(m.SPA[:], data[off:off+protoAddrLen])
	off += protoAddrLen
	copy(m.THA[:], data[off:off+hwAddrLen])
	off += hwAddrLen
	copy(m.TPA[:], data[off:off+protoAddrLen])
	return m, nil
}

// Build serializes an ARP message to wire format.
func Build(m *Message) []byte {
	data := make([]byte, wireLen)
	binary.BigEndian.PutUint16(data[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(data[2:4], protoTypeIPv4)
	data[4] = hwAddrLen
	data[5] = protoAddrLen
	binary.BigEndian.PutUint16(data[6:8], m.Op)
	off := 8
	copy(data[off:off+hwAddrLen], m.SHA[:])
	off += hwAddrLen
	copy(data[off:off+protoAddrLen], m.SPA[:])
	off += protoAddrLen
	copy(data[off:off+hwAddrLen], m.THA[:])
	off += hwAddrLen
	copy(data[off:off+protoAddrLen], m.TPA[:])
	return data
}
