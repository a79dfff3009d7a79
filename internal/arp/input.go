package arp

import (
	"fmt"

	"github.com/google/gopacket"

	"github.com/nsheridan/uspnet/internal/device"
)

// decode runs payload through gopacket's dissector (LayerType's decodeLayer,
// which itself calls Parse) and pulls the *Message layer back out, mirroring
// the teacher's pim_test.go usage of gopacket.NewPacket + Packet.Layer.
func decode(payload []byte) (*Message, error) {
	pkt := gopacket.NewPacket(payload, LayerType, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return nil, fmt.Errorf("arp: %w", errLayer.Error())
	}
	msg, ok := pkt.Layer(LayerType).(*Message)
	if !ok {
		return nil, fmt.Errorf("arp: no ARP layer decoded")
	}
	return msg, nil
}

// Input handles one deferred ARP frame on the worker goroutine (spec
// §4.4): it is registered with netcore.Demux for eth.TypeARP. Parse
// failures (bad hrd/pro/hln/pln, short frame) are logged and dropped.
// An existing entry for the sender is refreshed from any message; a new
// entry is created only when the message targets our own unicast address.
// Requests for our own unicast address are answered with a reply.
func (c *Cache) Input(payload []byte, dev *device.Device) {
	msg, err := decode(payload)
	if err != nil {
		c.log.Debug("arp: dropping malformed message", "err", err)
		return
	}

	iface := dev.Interface(device.FamilyIP)
	if iface == nil {
		return
	}

	merged := c.merge(msg.SPA, msg.SHA)

	if iface.Unicast != msg.TPA {
		return
	}
	if !merged {
		c.learn(msg.SPA, msg.SHA)
	}
	if msg.Op == OpRequest {
		if err := c.sendReply(iface, msg.SHA, msg.SPA); err != nil {
			c.log.Warn("arp: reply send failed", "err", err)
		}
	}
}
