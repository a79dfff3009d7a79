package arp

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/eth"
	"github.com/nsheridan/uspnet/internal/ipaddr"
	"github.com/nsheridan/uspnet/internal/metrics"
	"github.com/nsheridan/uspnet/internal/stackerr"
)

// State is one of the four ARP cache entry states (spec §4.4).
type State int

const (
	StateFree State = iota
	StateIncomplete
	StateResolved
	StateStatic
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateIncomplete:
		return "INCOMPLETE"
	case StateResolved:
		return "RESOLVED"
	case StateStatic:
		return "STATIC"
	default:
		return "UNKNOWN"
	}
}

// CacheSize is the fixed table capacity (spec §4.4).
const CacheSize = 32

// Entry is one ARP cache slot.
type Entry struct {
	State   State
	PA      ipaddr.Addr
	HA      eth.Addr
	Updated time.Time
}

// Cache is the fixed-size ARP resolution table: four states, LRU-by-
// timestamp eviction when full, grounded on the teacher's
// internal/liveness.Session (a mutex-guarded struct-array of timestamped
// FSM entries indexed by lookup key rather than a map).
type Cache struct {
	log *slog.Logger

	devices *device.Registry
	now     func() time.Time

	mu      sync.Mutex
	entries [CacheSize]Entry
}

// NewCache constructs an ARP cache. nowFunc defaults to time.Now but may
// be overridden in tests for determinism, mirroring the teacher's
// probing.Config.NowFunc seam.
func NewCache(log *slog.Logger, devices *device.Registry, nowFunc func() time.Time) *Cache {
	if log == nil {
		log = slog.Default()
	}
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Cache{log: log, devices: devices, now: nowFunc}
}

// lookup returns the index of the entry for pa, or -1.
func (c *Cache) lookup(pa ipaddr.Addr) int {
	for i := range c.entries {
		if c.entries[i].State != StateFree && c.entries[i].PA == pa {
			return i
		}
	}
	return -1
}

// allocate finds a FREE slot, or evicts the least-recently-updated
// non-STATIC entry. STATIC entries are never evicted; if the table holds
// only STATIC entries, allocate returns -1.
func (c *Cache) allocate() int {
	for i := range c.entries {
		if c.entries[i].State == StateFree {
			return i
		}
	}
	oldest := -1
	for i := range c.entries {
		if c.entries[i].State == StateStatic {
			continue
		}
		if oldest == -1 || c.entries[i].Updated.Before(c.entries[oldest].Updated) {
			oldest = i
		}
	}
	return oldest
}

// Resolve looks up ha for pa. If no entry exists, one is created in
// INCOMPLETE state and a request is sent; callers observe
// stackerr.WouldBlock and must retry after the caller's own wait (spec
// §4.4 "resolve").
func (c *Cache) Resolve(iface *device.Interface, pa ipaddr.Addr) (eth.Addr, error) {
	c.mu.Lock()
	idx := c.lookup(pa)
	if idx >= 0 && c.entries[idx].State != StateIncomplete {
		ha := c.entries[idx].HA
		c.mu.Unlock()
		metrics.ARPResolveRequests.WithLabelValues("found").Inc()
		return ha, nil
	}
	if idx < 0 {
		idx = c.allocate()
		if idx < 0 {
			c.mu.Unlock()
			return eth.Addr{}, stackerr.New("arp.Resolve", stackerr.ResourceExhausted)
		}
		c.entries[idx] = Entry{State: StateIncomplete, PA: pa, Updated: c.now()}
		c.refreshMetricsLocked()
	}
	c.mu.Unlock()

	if err := c.sendRequest(iface, pa); err != nil {
		c.log.Warn("arp: request send failed", "pa", pa.String(), "err", err)
	}
	metrics.ARPResolveRequests.WithLabelValues("incomplete").Inc()
	return eth.Addr{}, stackerr.New("arp.Resolve", stackerr.WouldBlock)
}

// refreshMetricsLocked recomputes the per-state entry-count gauge. Called
// with c.mu held, after any mutation to c.entries.
func (c *Cache) refreshMetricsLocked() {
	var counts [StateStatic + 1]int
	for i := range c.entries {
		counts[c.entries[i].State]++
	}
	metrics.ARPCacheEntries.WithLabelValues(StateFree.String()).Set(float64(counts[StateFree]))
	metrics.ARPCacheEntries.WithLabelValues(StateIncomplete.String()).Set(float64(counts[StateIncomplete]))
	metrics.ARPCacheEntries.WithLabelValues(StateResolved.String()).Set(float64(counts[StateResolved]))
	metrics.ARPCacheEntries.WithLabelValues(StateStatic.String()).Set(float64(counts[StateStatic]))
}

// Insert adds or refreshes a STATIC entry (administrative configuration).
func (c *Cache) Insert(pa ipaddr.Addr, ha eth.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.lookup(pa)
	if idx < 0 {
		idx = c.allocate()
		if idx < 0 {
			return stackerr.New("arp.Insert", stackerr.ResourceExhausted)
		}
	}
	c.entries[idx] = Entry{State: StateStatic, PA: pa, HA: ha, Updated: c.now()}
	c.refreshMetricsLocked()
	return nil
}

// merge updates the existing entry for pa, if any, to RESOLVED with ha
// and a fresh timestamp, reporting whether an entry was found (spec
// §4.4 "merge"). A STATIC entry is reported merged but left untouched.
func (c *Cache) merge(pa ipaddr.Addr, ha eth.Addr) (merged bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.lookup(pa)
	if idx < 0 {
		return false
	}
	if c.entries[idx].State != StateStatic {
		c.entries[idx].State = StateResolved
		c.entries[idx].HA = ha
		c.entries[idx].Updated = c.now()
		c.refreshMetricsLocked()
	}
	return true
}

// learn allocates a new RESOLVED entry for pa, evicting per LRU policy
// if the table is full (spec §4.4 "insert a new entry").
func (c *Cache) learn(pa ipaddr.Addr, ha eth.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.allocate()
	if idx < 0 {
		return
	}
	c.entries[idx] = Entry{State: StateResolved, PA: pa, HA: ha, Updated: c.now()}
	c.refreshMetricsLocked()
}

// Lookup returns a copy of the entry for pa, if any.
func (c *Cache) Lookup(pa ipaddr.Addr) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.lookup(pa)
	if idx < 0 {
		return Entry{}, false
	}
	return c.entries[idx], true
}
