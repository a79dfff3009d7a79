// Package tcp implements the passive-open-only RFC 793 state machine of
// spec §4.8: LISTEN → SYN-RECEIVED → ESTABLISHED → abrupt close via RST.
// Active open returns stackerr.NotImplemented. There is no FIN
// handshake: a received FIN is not acted on, and Close always tears the
// connection down with a RST.
//
// Grounded heavily on the teacher's internal/liveness/session.go: a
// mutex-guarded, per-entry state machine with timestamped transitions,
// here carrying TCP's send/receive sequence-space bookkeeping instead of
// BFD session counters, and on internal/liveness/packet.go's manual
// encoding/binary marshal/unmarshal idiom for the segment header.
package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/nsheridan/uspnet/internal/ip"
	"github.com/nsheridan/uspnet/internal/ipaddr"
)

const (
	headerLen = 20

	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
	FlagURG = 0x20
)

// Segment is a parsed TCP segment.
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	Wnd              uint16
	UrgPtr           uint16
	Payload          []byte
}

// Len is RFC 793's SEG.LEN: payload bytes, plus one for SYN and one for
// FIN, since those control bits occupy a slot in sequence space.
func (s *Segment) Len() uint32 {
	l := uint32(len(s.Payload))
	if s.Flags&FlagSYN != 0 {
		l++
	}
	if s.Flags&FlagFIN != 0 {
		l++
	}
	return l
}

// ParseSegment validates the pseudo-header checksum and decodes a TCP
// segment. hdr is the enclosing IP header, needed for the pseudo-header.
func ParseSegment(hdr *ip.Header, data []byte) (*Segment, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("tcp: short segment: %d bytes", len(data))
	}
	dataOfs := int(data[12]>>4) * 4
	if dataOfs < headerLen || dataOfs > len(data) {
		return nil, fmt.Errorf("tcp: invalid data offset %d", dataOfs)
	}
	if ip.PseudoHeaderChecksum(hdr.Src, hdr.Dst, ip.ProtoTCP, data) != 0 {
		return nil, fmt.Errorf("tcp: checksum mismatch")
	}

	s := &Segment{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Seq:     binary.BigEndian.Uint32(data[4:8]),
		Ack:     binary.BigEndian.Uint32(data[8:12]),
		Flags:   data[13],
		Wnd:     binary.BigEndian.Uint16(data[14:16]),
		UrgPtr:  binary.BigEndian.Uint16(data[18:20]),
	}
	s.Payload = append([]byte(nil), data[dataOfs:]...)
	return s, nil
}

// BuildSegment serializes a TCP segment with pseudo-header checksum.
func BuildSegment(src, dst ipaddr.Addr, s *Segment) []byte {
	out := make([]byte, headerLen+len(s.Payload))
	binary.BigEndian.PutUint16(out[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(out[2:4], s.DstPort)
	binary.BigEndian.PutUint32(out[4:8], s.Seq)
	binary.BigEndian.PutUint32(out[8:12], s.Ack)
	out[12] = byte(headerLen/4) << 4
	out[13] = s.Flags
	binary.BigEndian.PutUint16(out[14:16], s.Wnd)
	binary.BigEndian.PutUint16(out[18:20], s.UrgPtr)
	copy(out[headerLen:], s.Payload)
	binary.BigEndian.PutUint16(out[16:18], ip.PseudoHeaderChecksum(src, dst, ip.ProtoTCP, out))
	return out
}

// Sequence-space comparisons per RFC 793 §3.3, using the signed
// wraparound trick (comparing a 32-bit difference as signed).
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }
