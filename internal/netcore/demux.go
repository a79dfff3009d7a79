// Package netcore implements the network-layer protocol demultiplexer and
// soft-IRQ drain loop of spec §4.2: device ISRs perform a bounded
// copy+enqueue onto a per-EtherType FIFO queue, and the worker's soft-IRQ
// handler drains every queue, invoking the registered Handler.
//
// Grounded in the teacher's internal/manager.NetlinkManager registration
// style (map of typed handlers under a mutex, populated once at setup),
// generalized from "one handler per provisioner" to "one FIFO queue per
// registered EtherType".
package netcore

import (
	"log/slog"
	"sync"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/eth"
)

// Handler processes one deferred frame on the worker goroutine.
type Handler func(payload []byte, dev *device.Device)

type entry struct {
	payload []byte
	dev     *device.Device
}

type protocol struct {
	handler Handler
	mu      sync.Mutex
	queue   []entry
}

// Demux owns the per-EtherType handler registrations and their input
// queues. Registration happens once during setup; Input and Drain run
// concurrently thereafter (Input from driver goroutines, Drain from the
// single worker goroutine).
type Demux struct {
	log *slog.Logger

	mu        sync.RWMutex
	protocols map[eth.EtherType]*protocol

	raiseSoftIRQ func()
}

// NewDemux constructs a Demux. raiseSoftIRQ is called after every
// successful enqueue to schedule a drain pass.
func NewDemux(log *slog.Logger, raiseSoftIRQ func()) *Demux {
	if log == nil {
		log = slog.Default()
	}
	return &Demux{
		log:          log,
		protocols:    map[eth.EtherType]*protocol{},
		raiseSoftIRQ: raiseSoftIRQ,
	}
}

// Register binds handler to typ. Must be called before Input/Drain are
// used concurrently (setup time, per spec §5).
func (d *Demux) Register(typ eth.EtherType, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.protocols[typ] = &protocol{handler: handler}
}

// Input performs the bounded copy+enqueue ISR-equivalent step: unknown
// EtherTypes are silently dropped, matching spec §4.2.
func (d *Demux) Input(typ eth.EtherType, payload []byte, dev *device.Device) {
	d.mu.RLock()
	p, ok := d.protocols[typ]
	d.mu.RUnlock()
	if !ok {
		return
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)

	p.mu.Lock()
	p.queue = append(p.queue, entry{payload: cp, dev: dev})
	p.mu.Unlock()

	if d.raiseSoftIRQ != nil {
		d.raiseSoftIRQ()
	}
}

// Drain runs on the worker goroutine: it empties every protocol's queue
// FIFO, invoking each handler in turn. This is where all parsing and
// protocol-state mutation actually happens (spec §4.2).
func (d *Demux) Drain() {
	d.mu.RLock()
	protocols := make([]*protocol, 0, len(d.protocols))
	for _, p := range d.protocols {
		protocols = append(protocols, p)
	}
	d.mu.RUnlock()

	for _, p := range protocols {
		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			e := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			func() {
				defer func() {
					if r := recover(); r != nil {
						d.log.Error("netcore: handler panicked", "panic", r)
					}
				}()
				p.handler(e.payload, e.dev)
			}()
		}
	}
}
