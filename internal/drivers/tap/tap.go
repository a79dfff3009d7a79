// Package tap implements the character-special tap device driver (spec
// §6 "Driver port (tap)"): open /dev/net/tun, clone it into a tap
// interface via TUNSETIFF, and read frames off it on a background
// goroutine.
//
// Grounded on tools/uping/pkg/uping/listener.go's raw-socket driver
// shape: a nonblocking fd, an eventfd used purely to interrupt poll()
// on shutdown, and a poll+read loop — generalized from an ICMP raw
// socket to a tap character device, and from a one-shot echo reply to
// feeding parsed frames into netcore.Demux. The spec's real-time-signal
// ISR becomes this goroutine, per spec §9 "Signal-driven I/O": the
// observable semantics (FIFO delivery, bounded enqueue into a per-
// EtherType queue) are preserved without a generic coroutine runtime.
package tap

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/eth"
	"github.com/nsheridan/uspnet/internal/metrics"
	"github.com/nsheridan/uspnet/internal/netcore"
)

const tunDevPath = "/dev/net/tun"

// ifReqFlags mirrors struct ifreq's name+flags prefix (linux/if.h), the
// only portion TUNSETIFF reads or writes.
type ifReqFlags struct {
	name  [unix.IFNAMSIZ]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// Driver implements device.Ops for a Linux tap device, and owns the
// background read goroutine that feeds frames into a netcore.Demux.
type Driver struct {
	log   *slog.Logger
	name  string
	demux *netcore.Demux

	mu      sync.Mutex
	fd      int
	stopEvt int
	wg      sync.WaitGroup
	stopped bool
}

// New constructs a tap driver for the kernel interface named name (e.g.
// "tap0"), delivering parsed frames to demux.
func New(log *slog.Logger, name string, demux *netcore.Demux) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{log: log, name: name, demux: demux, fd: -1, stopEvt: -1}
}

// Open opens the clone device, attaches it to the named tap interface,
// and starts the read loop. Implements device.Ops.
func (d *Driver) Open(dev *device.Device) error {
	fd, err := unix.Open(tunDevPath, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("tap: open %s: %w", tunDevPath, err)
	}

	var req ifReqFlags
	copy(req.name[:], d.name)
	req.flags = unix.IFF_TAP | unix.IFF_NO_PI
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return fmt.Errorf("tap: TUNSETIFF %s: %w", d.name, errno)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tap: set nonblock: %w", err)
	}

	evtfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("tap: eventfd: %w", err)
	}

	d.mu.Lock()
	d.fd = fd
	d.stopEvt = evtfd
	d.stopped = false
	d.mu.Unlock()

	d.wg.Add(1)
	go d.readLoop(dev)
	return nil
}

// Close signals the read loop to exit via the eventfd and waits for it,
// then closes the tap fd. Implements device.Ops.
func (d *Driver) Close(dev *device.Device) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	evtfd := d.stopEvt
	fd := d.fd
	d.mu.Unlock()

	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(evtfd, one[:])
	d.wg.Wait()
	unix.Close(evtfd)
	return unix.Close(fd)
}

// Transmit writes a raw frame to the tap fd. Implements device.Ops.
func (d *Driver) Transmit(dev *device.Device, frame []byte) error {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()
	_, err := unix.Write(fd, frame)
	return err
}

// readLoop blocks in poll+read until data is available or Close signals
// the eventfd (spec §6: "Read via poll+read inside the ISR until
// empty").
func (d *Driver) readLoop(dev *device.Device) {
	defer d.wg.Done()

	d.mu.Lock()
	fd := d.fd
	evtfd := d.stopEvt
	d.mu.Unlock()

	buf := make([]byte, dev.MTU+eth.HeaderLen)
	pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}, {Fd: int32(evtfd), Events: unix.POLLIN}}

	for {
		if _, err := unix.Poll(pfds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			d.log.Warn("tap: poll failed", "device", dev.Name, "err", err)
			return
		}
		if pfds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if pfds[0].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) == 0 {
			continue
		}

		for {
			n, err := unix.Read(fd, buf)
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					break
				}
				if err == unix.EINTR {
					continue
				}
				d.log.Debug("tap: read error", "device", dev.Name, "err", err)
				break
			}
			d.deliver(dev, buf[:n])
		}
	}
}

func (d *Driver) deliver(dev *device.Device, raw []byte) {
	frame, err := eth.Parse(raw, dev.HWAddr)
	if err != nil {
		metrics.FramesDropped.WithLabelValues(dev.Name, "short").Inc()
		return
	}
	if frame == nil {
		metrics.FramesDropped.WithLabelValues(dev.Name, "foreign_dst").Inc()
		return
	}
	metrics.FramesReceived.WithLabelValues(dev.Name).Inc()
	d.demux.Input(frame.Type, frame.Payload, dev)
}
