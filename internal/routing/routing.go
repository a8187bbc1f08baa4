// Package routing abstracts the operating system's IP forwarding table for
// the transport's source-address resolver.
//
// The transport never walks OS structures directly: it consumes the Router
// interface, which exposes the forwarding table, per-interface state, the
// concrete source address for an egress interface, and route-change
// notifications. The Linux implementation speaks rtnetlink; StaticRouter is
// an in-memory implementation for tests and offline tooling.
package routing

import (
	"errors"
	"net/netip"
)

// Family selects an IP family in Router queries.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

// String returns "ipv4" or "ipv6".
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	}
	return "unknown"
}

// FamilyOf returns the family of an address, or an error for an invalid one.
func FamilyOf(addr netip.Addr) (Family, error) {
	switch {
	case addr.Is4() || addr.Is4In6():
		return FamilyIPv4, nil
	case addr.Is6():
		return FamilyIPv6, nil
	}
	return 0, ErrUnknownFamily
}

// ErrUnknownFamily is returned for addresses that are neither v4 nor v6.
var ErrUnknownFamily = errors.New("routing: unknown address family")

// ErrNoInterface is returned when an interface index cannot be resolved.
var ErrNoInterface = errors.New("routing: no such interface")

// ErrNoSource is returned when no usable source address exists on the
// selected egress interface.
var ErrNoSource = errors.New("routing: no source address on interface")

// Route is one forwarding-table entry.
type Route struct {
	// Dst is the destination prefix; a zero-length prefix is the default
	// route.
	Dst netip.Prefix
	// IfIndex is the egress interface.
	IfIndex int32
	// Metric is the route's own metric, added to the interface metric when
	// ranking candidates.
	Metric uint32
}

// InterfaceEntry is the state of one interface as the resolver needs it.
type InterfaceEntry struct {
	// Up reports operational state; the resolver skips interfaces that are
	// down or unqueryable.
	Up bool
	// Metric is the per-interface metric. Zero on platforms without one.
	Metric uint32
}

// Router is the resolver's view of the OS routing stack.
type Router interface {
	// Routes returns the forwarding table for one family. Order is the
	// table's own; the resolver uses it to break remaining ties.
	Routes(family Family) ([]Route, error)

	// InterfaceEntry returns interface state for the given index.
	InterfaceEntry(family Family, ifindex int32) (InterfaceEntry, error)

	// BestSource returns the source address the OS would use to reach dst
	// out of the given interface.
	BestSource(family Family, ifindex int32, dst netip.Addr) (netip.Addr, error)

	// SubscribeRouteChanges registers fn to run on every routing-table
	// change for the family. The returned cancel releases the subscription.
	SubscribeRouteChanges(family Family, fn func()) (cancel func() error, err error)
}
