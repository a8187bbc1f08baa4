package transport

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/jroosing/wgtunnel/internal/routing"
)

// cidrMatch4 reports whether addr falls inside the route prefix, by bitwise
// AND against the prefix mask. A zero-length prefix matches everything.
func cidrMatch4(addr netip.Addr, prefix netip.Prefix) bool {
	bits := prefix.Bits()
	if bits <= 0 {
		return bits == 0
	}
	mask := ^uint32(0) << (32 - bits)
	a4 := addr.Unmap().As4()
	p4 := prefix.Addr().Unmap().As4()
	return binary.BigEndian.Uint32(a4[:])&mask == binary.BigEndian.Uint32(p4[:])&mask
}

// cidrMatch6 compares whole 32-bit words of the prefix, then the leftover
// bits on the next word.
func cidrMatch6(addr netip.Addr, prefix netip.Prefix) bool {
	bits := prefix.Bits()
	if bits <= 0 {
		return bits == 0
	}
	a16 := addr.As16()
	p16 := prefix.Addr().As16()
	wholeParts := bits / 32
	leftoverBits := bits % 32
	for i := 0; i < wholeParts; i++ {
		if binary.BigEndian.Uint32(a16[i*4:]) != binary.BigEndian.Uint32(p16[i*4:]) {
			return false
		}
	}
	if wholeParts == 4 || leftoverBits == 0 {
		return true
	}
	mask := ^uint32(0) << (32 - leftoverBits)
	return binary.BigEndian.Uint32(a16[wholeParts*4:])&mask ==
		binary.BigEndian.Uint32(p16[wholeParts*4:])&mask
}

func cidrMatch(family routing.Family, addr netip.Addr, prefix netip.Prefix) bool {
	if family == routing.FamilyIPv4 {
		return cidrMatch4(addr, prefix)
	}
	return cidrMatch6(addr, prefix)
}

// resolvePeerEndpointSrc fills in the peer endpoint's source address and
// egress interface from the OS forwarding table, unless the cached values
// are still valid for the current routing generation.
//
// On success it returns with the peer's endpoint lock held in READ mode so
// the caller can copy the endpoint without a second race window; on
// failure the lock is not held. The write-back is optimistic: if another
// writer moved UpdateGeneration between the snapshot and the write lock,
// the whole resolution restarts.
func (t *Transport) resolvePeerEndpointSrc(peer *Peer) error {
retry:
	peer.endpointMu.RLock()
	ep := &peer.endpoint
	updateGen := ep.UpdateGeneration

	family, err := ep.family()
	if err != nil {
		peer.endpointMu.RUnlock()
		return err
	}
	if ep.RoutingGeneration == t.generation(family).Load() && ep.SrcIfIndex != 0 {
		return nil // fast path, read lock stays held
	}

	remote := ep.Addr.Addr().Unmap()
	hadSrc := ep.SrcIfIndex != 0
	peer.endpointMu.RUnlock()

	// Optional debounce against rapid remote-address flaps: within the
	// window, a previously resolved source is reused even though the
	// routing generation moved on.
	if window := t.requeryMinInterval(); window > 0 && hadSrc {
		if since := time.Since(time.Unix(0, peer.lastResolve.Load())); since < window {
			peer.endpointMu.RLock()
			if peer.endpoint.UpdateGeneration != updateGen {
				peer.endpointMu.RUnlock()
				goto retry
			}
			return nil
		}
	}

	routes, err := t.router.Routes(family)
	if err != nil {
		return fmt.Errorf("forwarding table: %w", err)
	}

	// Winner: longest matching prefix, then lowest route+interface metric,
	// then table order; never the device's own tunnel interface, and only
	// interfaces that are up and queryable.
	var bestIf int32
	bestCidr := 0
	bestMetric := ^uint32(0)
	for _, route := range routes {
		if route.IfIndex == peer.dev.interfaceIndex {
			continue
		}
		if route.Dst.Bits() < bestCidr {
			continue
		}
		if !cidrMatch(family, remote, route.Dst) {
			continue
		}
		entry, err := t.router.InterfaceEntry(family, route.IfIndex)
		if err != nil || !entry.Up {
			continue
		}
		metric := route.Metric + entry.Metric
		if route.Dst.Bits() == bestCidr && metric > bestMetric {
			continue
		}
		bestCidr = route.Dst.Bits()
		bestMetric = metric
		bestIf = route.IfIndex
	}

	var src netip.Addr
	if len(routes) > 0 && bestIf != 0 {
		src, err = t.router.BestSource(family, bestIf, remote)
		if err != nil {
			return fmt.Errorf("best source: %w", err)
		}
	}

	peer.endpointMu.Lock()
	if ep.UpdateGeneration != updateGen {
		peer.endpointMu.Unlock()
		goto retry
	}
	ep.RoutingGeneration = t.generation(family).Load()
	ep.Src = src
	ep.SrcIfIndex = bestIf
	ep.control = marshalControl(family, src, bestIf)
	ep.UpdateGeneration++
	updateGen++
	peer.lastResolve.Store(time.Now().UnixNano())
	peer.endpointMu.Unlock()

	if bestIf == 0 {
		return ErrBadNetworkPath
	}

	peer.endpointMu.RLock()
	if ep.UpdateGeneration != updateGen {
		peer.endpointMu.RUnlock()
		goto retry
	}
	return nil // read lock held
}
