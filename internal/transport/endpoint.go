package transport

import (
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/jroosing/wgtunnel/internal/routing"
)

// Endpoint is the full addressing tuple needed to exchange datagrams with a
// peer: the remote address, the resolved source address and egress
// interface for the matching family, the pre-marshalled pktinfo control
// message handed to the kernel on send, and the two generation counters
// driving cache invalidation.
type Endpoint struct {
	// Addr is the remote address and port (zone carries the v6 scope).
	// The zero value marks "unset".
	Addr netip.AddrPort

	// Src and SrcIfIndex are the resolved source address and egress
	// interface index.
	Src        netip.Addr
	SrcIfIndex int32

	// control is the pre-marshalled ancillary data describing Src and
	// SrcIfIndex. Rebuilt on every mutation; treated as read-only
	// afterwards so endpoint copies may share it.
	control []byte

	// RoutingGeneration is the global per-family routing counter observed
	// when the source was resolved. Zero never matches a live counter.
	RoutingGeneration uint32

	// UpdateGeneration increments on every mutation of this endpoint; the
	// resolver uses it for its optimistic read-modify-write.
	UpdateGeneration uint32
}

// family returns the endpoint's address family, or an error when unset.
func (ep *Endpoint) family() (routing.Family, error) {
	if !ep.Addr.IsValid() {
		return 0, ErrInvalidParameter
	}
	family, err := routing.FamilyOf(ep.Addr.Addr())
	if err != nil {
		return 0, ErrInvalidParameter
	}
	return family, nil
}

// marshalControl builds the pktinfo ancillary data for a source address and
// interface index.
func marshalControl(family routing.Family, src netip.Addr, ifindex int32) []byte {
	switch family {
	case routing.FamilyIPv4:
		cm := &ipv4.ControlMessage{IfIndex: int(ifindex)}
		if src.IsValid() {
			cm.Src = net.IP(src.Unmap().AsSlice())
		}
		return cm.Marshal()
	case routing.FamilyIPv6:
		cm := &ipv6.ControlMessage{IfIndex: int(ifindex)}
		if src.IsValid() {
			cm.Src = net.IP(src.AsSlice())
		}
		return cm.Marshal()
	}
	return nil
}

// endpointEqual compares the caller-visible halves of two endpoints:
// family, remote address/port/scope, source address and interface index.
// Generations do not participate.
func endpointEqual(a, b *Endpoint) bool {
	if !a.Addr.IsValid() && !b.Addr.IsValid() {
		return true
	}
	return a.Addr == b.Addr && a.Src == b.Src && a.SrcIfIndex == b.SrcIfIndex
}

// EndpointFromDatagram parses the remote address and pktinfo of a received
// datagram into an Endpoint, stamping the current routing generation for
// the family. It returns ErrInvalidAddress when the family is neither v4
// nor v6 or the pktinfo ancillary data was absent.
func (t *Transport) EndpointFromDatagram(d *Datagram) (Endpoint, error) {
	if d == nil || !d.hasPktinfo {
		return Endpoint{}, ErrInvalidAddress
	}
	family, err := routing.FamilyOf(d.remote.Addr())
	if err != nil {
		return Endpoint{}, ErrInvalidAddress
	}
	return Endpoint{
		Addr:              d.remote,
		Src:               d.local,
		SrcIfIndex:        d.ifIndex,
		control:           marshalControl(family, d.local, d.ifIndex),
		RoutingGeneration: t.generation(family).Load(),
	}, nil
}

// SetPeerEndpoint installs a learned endpoint on a peer.
//
// The first comparison runs under the read lock only: endpoints change
// rarely, and when several packet flows observe the same remote address
// concurrently they all fast-out here without serializing on the write
// lock.
func SetPeerEndpoint(peer *Peer, ep *Endpoint) {
	peer.endpointMu.RLock()
	equal := endpointEqual(ep, &peer.endpoint)
	peer.endpointMu.RUnlock()
	if equal {
		return
	}

	family, err := ep.family()
	if err != nil {
		return
	}

	peer.endpointMu.Lock()
	defer peer.endpointMu.Unlock()
	peer.endpoint.Addr = ep.Addr
	peer.endpoint.Src = ep.Src
	peer.endpoint.SrcIfIndex = ep.SrcIfIndex
	peer.endpoint.control = marshalControl(family, ep.Src, ep.SrcIfIndex)
	peer.endpoint.RoutingGeneration = ep.RoutingGeneration
	peer.endpoint.UpdateGeneration++
}

// SetPeerEndpointFromDatagram learns the peer's endpoint from an
// authenticated inbound datagram.
func (t *Transport) SetPeerEndpointFromDatagram(peer *Peer, d *Datagram) {
	ep, err := t.EndpointFromDatagram(d)
	if err != nil {
		return
	}
	SetPeerEndpoint(peer, &ep)
}

// ClearPeerEndpointSrc drops the peer's resolved source so the next send
// re-resolves against the current routing table.
func ClearPeerEndpointSrc(peer *Peer) {
	peer.endpointMu.Lock()
	defer peer.endpointMu.Unlock()
	peer.endpoint.RoutingGeneration = 0
	peer.endpoint.Src = netip.Addr{}
	peer.endpoint.SrcIfIndex = 0
	peer.endpoint.control = nil
	peer.endpoint.UpdateGeneration++
}
