package ip

import (
	"sync"

	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/ipaddr"
)

// Route is one routing table entry (spec §3). Nexthop == ipaddr.Any
// means "on-link; use the destination as nexthop".
type Route struct {
	Network ipaddr.Addr
	Netmask ipaddr.Addr
	Nexthop ipaddr.Addr
	Iface   *device.Interface
}

// RouteTable is an in-memory longest-prefix-match routing table,
// generalized from the teacher's netlink-synced route table (now
// deleted) to plain administrative entries: this stack has no kernel FIB
// to stay in sync with.
type RouteTable struct {
	mu     sync.RWMutex
	routes []Route
}

// NewRouteTable constructs an empty routing table.
func NewRouteTable() *RouteTable { return &RouteTable{} }

// Add appends a route. A default route is Network=Netmask=ipaddr.Any.
func (t *RouteTable) Add(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, r)
}

// Lookup returns the route with the longest matching netmask for dst. A
// default route (0/0) matches anything and loses to every more specific
// route (spec §4.5). Ties in prefix length resolve to the most recently
// added route (spec §8 invariant).
func (t *RouteTable) Lookup(dst ipaddr.Addr) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := -1
	bestLen := -1
	for i, r := range t.routes {
		if dst.And(r.Netmask) != r.Network {
			continue
		}
		l := r.Netmask.PrefixLen()
		if l >= bestLen {
			bestLen = l
			best = i
		}
	}
	if best < 0 {
		return Route{}, false
	}
	return t.routes[best], true
}

// GetIface returns the interface of the winning route for dst.
func (t *RouteTable) GetIface(dst ipaddr.Addr) (*device.Interface, bool) {
	r, ok := t.Lookup(dst)
	if !ok {
		return nil, false
	}
	return r.Iface, true
}
