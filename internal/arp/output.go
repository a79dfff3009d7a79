package arp

import (
	"fmt"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/eth"
	"github.com/nsheridan/uspnet/internal/ipaddr"
)

// sendRequest broadcasts an ARP request for pa on iface's device.
func (c *Cache) sendRequest(iface *device.Interface, pa ipaddr.Addr) error {
	msg := &Message{
		Op:  OpRequest,
		SHA: iface.Dev.HWAddr,
		SPA: iface.Unicast,
		THA: eth.Addr{},
		TPA: pa,
	}
	return c.transmit(iface.Dev, eth.Broadcast, msg)
}

// sendReply answers an ARP request from tha/tpa with our own mapping.
func (c *Cache) sendReply(iface *device.Interface, tha eth.Addr, tpa ipaddr.Addr) error {
	msg := &Message{
		Op:  OpReply,
		SHA: iface.Dev.HWAddr,
		SPA: iface.Unicast,
		THA: tha,
		TPA: tpa,
	}
	return c.transmit(iface.Dev, tha, msg)
}

func (c *Cache) transmit(dev *device.Device, dst eth.Addr, msg *Message) error {
	payload := Build(msg)
	frame, err := eth.Build(dst, dev.HWAddr, eth.TypeARP, payload, dev.MTU)
	if err != nil {
		return fmt.Errorf("arp: build frame: %w", err)
	}
	if err := c.devices.Transmit(dev, frame); err != nil {
		return fmt.Errorf("arp: transmit: %w", err)
	}
	return nil
}
