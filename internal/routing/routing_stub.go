//go:build !linux

package routing

import (
	"errors"
	"net/netip"
)

var errUnsupported = errors.New("routing: system router requires linux")

// System returns a Router that fails every call on platforms without an
// rtnetlink implementation. StaticRouter remains available everywhere.
func System() Router {
	return unsupportedRouter{}
}

type unsupportedRouter struct{}

func (unsupportedRouter) Routes(Family) ([]Route, error) { return nil, errUnsupported }

func (unsupportedRouter) InterfaceEntry(Family, int32) (InterfaceEntry, error) {
	return InterfaceEntry{}, errUnsupported
}

func (unsupportedRouter) BestSource(Family, int32, netip.Addr) (netip.Addr, error) {
	return netip.Addr{}, errUnsupported
}

func (unsupportedRouter) SubscribeRouteChanges(Family, func()) (func() error, error) {
	return nil, errUnsupported
}
