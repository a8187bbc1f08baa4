package routing

import (
	"net/netip"
	"sync"
)

// StaticRouter is an in-memory Router. Tests and offline tooling populate it
// with a forwarding table, interface entries, and source addresses; every
// SetRoutes call replays a routing-change event to that family's
// subscribers.
type StaticRouter struct {
	mu          sync.Mutex
	routes      map[Family][]Route
	interfaces  map[int32]InterfaceEntry
	sources     map[int32]netip.Addr
	subscribers map[Family][]func()

	routeCalls  int
	sourceCalls int
}

// NewStaticRouter creates an empty StaticRouter.
func NewStaticRouter() *StaticRouter {
	return &StaticRouter{
		routes:      make(map[Family][]Route),
		interfaces:  make(map[int32]InterfaceEntry),
		sources:     make(map[int32]netip.Addr),
		subscribers: make(map[Family][]func()),
	}
}

// SetRoutes replaces the forwarding table for a family and notifies
// subscribers, like a kernel route change would.
func (r *StaticRouter) SetRoutes(family Family, routes []Route) {
	r.mu.Lock()
	r.routes[family] = append([]Route(nil), routes...)
	subs := append(([]func())(nil), r.subscribers[family]...)
	r.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// SetInterface registers interface state for an index.
func (r *StaticRouter) SetInterface(ifindex int32, entry InterfaceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interfaces[ifindex] = entry
}

// SetSource registers the source address BestSource returns for an index.
func (r *StaticRouter) SetSource(ifindex int32, src netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[ifindex] = src
}

// RouteCalls reports how many times Routes has been queried.
func (r *StaticRouter) RouteCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routeCalls
}

// SourceCalls reports how many times BestSource has been queried.
func (r *StaticRouter) SourceCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sourceCalls
}

// Routes implements Router.
func (r *StaticRouter) Routes(family Family) ([]Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routeCalls++
	return append([]Route(nil), r.routes[family]...), nil
}

// InterfaceEntry implements Router.
func (r *StaticRouter) InterfaceEntry(_ Family, ifindex int32) (InterfaceEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.interfaces[ifindex]
	if !ok {
		return InterfaceEntry{}, ErrNoInterface
	}
	return entry, nil
}

// BestSource implements Router.
func (r *StaticRouter) BestSource(_ Family, ifindex int32, _ netip.Addr) (netip.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sourceCalls++
	src, ok := r.sources[ifindex]
	if !ok {
		return netip.Addr{}, ErrNoSource
	}
	return src, nil
}

// SubscribeRouteChanges implements Router.
func (r *StaticRouter) SubscribeRouteChanges(family Family, fn func()) (func() error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[family] = append(r.subscribers[family], fn)
	idx := len(r.subscribers[family]) - 1
	return func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subscribers[family]
		if idx < len(subs) {
			subs[idx] = func() {}
		}
		return nil
	}, nil
}
