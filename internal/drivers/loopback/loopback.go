// Package loopback implements the in-memory loopback device driver
// (spec §6 "Loopback driver"): transmit enqueues onto a bounded queue and
// raises the device's IRQ; the ISR drains the queue and re-injects each
// packet as received.
//
// Grounded on netcore.Demux's own bounded-queue-plus-raise-IRQ shape
// (internal/netcore/demux.go), reused here one layer down: where Demux
// queues parsed frames per EtherType for the worker's soft-IRQ to drain,
// this driver queues raw IP packets for its own drain call to re-inject
// — the same deferred-work pattern applied to device loopback instead of
// protocol dispatch.
package loopback

import (
	"log/slog"
	"sync"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/metrics"
)

// QueueSize is the fixed loopback queue capacity (spec §6: "cap 16").
const QueueSize = 16

// Driver implements device.Ops for a headerless loopback device: no
// link layer to frame or parse, so Transmit/Input carry raw IP packets
// directly.
type Driver struct {
	log *slog.Logger

	raiseIRQ func()

	mu    sync.Mutex
	queue [][]byte
}

// New constructs a loopback driver. raiseIRQ is called after every
// successful enqueue to schedule a drain pass (normally
// sched.Worker.RaiseSoftIRQ, reused the same way netcore.Demux.Input
// does).
func New(log *slog.Logger, raiseIRQ func()) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{log: log, raiseIRQ: raiseIRQ}
}

// Open is a no-op; the loopback device has no external resource to
// acquire. Implements device.Ops.
func (d *Driver) Open(dev *device.Device) error { return nil }

// Close is a no-op. Implements device.Ops.
func (d *Driver) Close(dev *device.Device) error { return nil }

// Transmit enqueues packet for delivery back to the same device,
// dropping it if the queue is full (spec §6). Implements device.Ops.
func (d *Driver) Transmit(dev *device.Device, packet []byte) error {
	d.mu.Lock()
	if len(d.queue) >= QueueSize {
		d.mu.Unlock()
		metrics.FramesDropped.WithLabelValues(dev.Name, "queue_full").Inc()
		return nil
	}
	cp := make([]byte, len(packet))
	copy(cp, packet)
	d.queue = append(d.queue, cp)
	d.mu.Unlock()

	if d.raiseIRQ != nil {
		d.raiseIRQ()
	}
	return nil
}

// Drain re-injects every queued packet into dev's IP input path via
// deliver, called from the worker's soft-IRQ handler (spec §6: "the ISR
// drains and re-injects as received").
func (d *Driver) Drain(dev *device.Device, deliver func(packet []byte, dev *device.Device)) {
	d.mu.Lock()
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, packet := range pending {
		metrics.FramesReceived.WithLabelValues(dev.Name).Inc()
		deliver(packet, dev)
	}
}
