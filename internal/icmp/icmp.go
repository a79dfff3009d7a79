// Package icmp implements ICMP echo/echo-reply handling (spec §4.6):
// only ECHO requests are interesting, answered with an ECHOREPLY that
// copies the code, identifier/sequence values, and payload.
//
// Grounded on the teacher's internal/liveness/packet.go manual
// encoding/binary marshal/unmarshal idiom, applied to the 8-byte ICMP
// echo header instead of a BFD control packet.
package icmp

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/ip"
	"github.com/nsheridan/uspnet/internal/metrics"
)

const (
	TypeEchoReply = 0
	TypeEcho      = 8

	headerLen = 8
)

// Message is a parsed ICMP echo/echo-reply message.
type Message struct {
	Type    uint8
	Code    uint8
	ID      uint16
	Seq     uint16
	Payload []byte
}

// Parse validates the checksum and decodes an ICMP message.
func Parse(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("icmp: short message: %d bytes", len(data))
	}
	if ip.Checksum(data) != 0 {
		return nil, fmt.Errorf("icmp: checksum mismatch")
	}
	m := &Message{
		Type: data[0],
		Code: data[1],
		ID:   binary.BigEndian.Uint16(data[4:6]),
		Seq:  binary.BigEndian.Uint16(data[6:8]),
	}
	m.Payload = append([]byte(nil), data[headerLen:]...)
	return m, nil
}

// Build serializes m, computing the checksum over the whole message.
func Build(m *Message) []byte {
	out := make([]byte, headerLen+len(m.Payload))
	out[0] = m.Type
	out[1] = m.Code
	binary.BigEndian.PutUint16(out[4:6], m.ID)
	binary.BigEndian.PutUint16(out[6:8], m.Seq)
	copy(out[headerLen:], m.Payload)
	binary.BigEndian.PutUint16(out[2:4], ip.Checksum(out))
	return out
}

// Handler answers ICMP echo requests via an ip.Stack.
type Handler struct {
	log   *slog.Logger
	stack *ip.Stack
}

// NewHandler constructs an ICMP handler bound to stack. Register it with
// stack.RegisterHandler(ip.ProtoICMP, h.Input).
func NewHandler(log *slog.Logger, stack *ip.Stack) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, stack: stack}
}

// Input handles one ICMP message delivered by the IP layer (spec §4.6).
func (h *Handler) Input(hdr *ip.Header, payload []byte, dev *device.Device) {
	msg, err := Parse(payload)
	if err != nil {
		h.log.Debug("icmp: dropping invalid message", "err", err)
		return
	}
	if msg.Type != TypeEcho {
		return
	}

	reply := &Message{Type: TypeEchoReply, Code: msg.Code, ID: msg.ID, Seq: msg.Seq, Payload: msg.Payload}
	iface := dev.Interface(device.FamilyIP)
	if iface == nil {
		return
	}

	if err := h.stack.Output(iface.Unicast, hdr.Src, ip.ProtoICMP, Build(reply)); err != nil {
		h.log.Warn("icmp: echo reply failed", "err", err)
		return
	}
	metrics.ICMPEchoReplies.Inc()
}
