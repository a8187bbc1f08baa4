package transport

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/wgtunnel/internal/routing"
)

// primeEndpoint installs endpoint state directly, as the resolver or an
// authenticated datagram would have left it.
func primeEndpoint(p *Peer, ep Endpoint) {
	p.endpointMu.Lock()
	ep.UpdateGeneration = p.endpoint.UpdateGeneration + 1
	p.endpoint = ep
	p.endpointMu.Unlock()
}

func newTestDevice(t *testing.T, tr *Transport, opts DeviceOptions) *Device {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	if opts.PacketReceive == nil {
		opts.PacketReceive = discardEngine
	}
	dev := NewDevice(tr, opts)
	t.Cleanup(dev.Close)
	return dev
}

func TestCidrMatch4(t *testing.T) {
	tests := []struct {
		name   string
		addr   string
		prefix string
		want   bool
	}{
		{"inside /24", "198.51.100.7", "198.51.100.0/24", true},
		{"outside /24", "198.51.101.7", "198.51.100.0/24", false},
		{"default route matches anything", "8.8.8.8", "0.0.0.0/0", true},
		{"host route exact", "192.0.2.10", "192.0.2.10/32", true},
		{"host route other", "192.0.2.11", "192.0.2.10/32", false},
		{"/25 boundary low", "10.0.0.127", "10.0.0.0/25", true},
		{"/25 boundary high", "10.0.0.128", "10.0.0.0/25", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cidrMatch4(netip.MustParseAddr(tt.addr), netip.MustParsePrefix(tt.prefix))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCidrMatch6(t *testing.T) {
	tests := []struct {
		name   string
		addr   string
		prefix string
		want   bool
	}{
		{"inside /64", "2001:db8:0:1::42", "2001:db8:0:1::/64", true},
		{"outside /64", "2001:db8:0:2::42", "2001:db8:0:1::/64", false},
		{"default route", "2001:db8::1", "::/0", true},
		{"leftover bits match", "2001:db8:8000::1", "2001:db8:8000::/33", true},
		{"leftover bits differ", "2001:db8:7fff::1", "2001:db8:8000::/33", false},
		{"full /128 exact", "2001:db8::1", "2001:db8::1/128", true},
		{"full /128 other", "2001:db8::2", "2001:db8::1/128", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cidrMatch6(netip.MustParseAddr(tt.addr), netip.MustParsePrefix(tt.prefix))
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestCidrMatch4_MaskLaw checks the mask identity directly:
// match(A, P) == ((A & mask(L)) == (P.addr & mask(L))).
func TestCidrMatch4_MaskLaw(t *testing.T) {
	addrs := []string{"0.0.0.0", "10.1.2.3", "198.51.100.1", "255.255.255.255", "172.16.254.129"}
	prefixes := []string{"0.0.0.0/0", "10.0.0.0/8", "198.51.100.0/24", "172.16.254.128/25", "198.51.100.1/32"}

	mask := func(bits int) uint32 {
		if bits == 0 {
			return 0
		}
		return ^uint32(0) << (32 - bits)
	}

	for _, as := range addrs {
		for _, ps := range prefixes {
			addr := netip.MustParseAddr(as)
			prefix := netip.MustParsePrefix(ps)
			a4 := addr.As4()
			p4 := prefix.Addr().As4()
			m := mask(prefix.Bits())
			want := binary.BigEndian.Uint32(a4[:])&m == binary.BigEndian.Uint32(p4[:])&m
			assert.Equal(t, want, cidrMatch4(addr, prefix), "%s vs %s", as, ps)
		}
	}
}

// assertReadLockHeld verifies the resolver left the endpoint lock in read
// mode, then releases it.
func assertReadLockHeld(t *testing.T, p *Peer) {
	t.Helper()
	assert.False(t, p.endpointMu.TryLock(), "write lock must be blocked by the held read lock")
	p.endpointMu.RUnlock()
}

func TestResolver_FastPath(t *testing.T) {
	tr, router, _ := newTestTransport(t)
	dev := newTestDevice(t, tr, DeviceOptions{})
	peer := NewPeer(dev)

	// Advance the v4 generation to 7.
	for i := 0; i < 3; i++ {
		router.SetRoutes(routing.FamilyIPv4, nil)
	}
	require.Equal(t, uint32(7), tr.RoutingGeneration(routing.FamilyIPv4))

	primeEndpoint(peer, Endpoint{
		Addr:              netip.MustParseAddrPort("192.0.2.10:51820"),
		Src:               netip.MustParseAddr("10.0.0.5"),
		SrcIfIndex:        3,
		RoutingGeneration: 7,
	})
	baseRouteCalls := router.RouteCalls()

	err := tr.resolvePeerEndpointSrc(peer)
	require.NoError(t, err)
	assertReadLockHeld(t, peer)

	assert.Equal(t, baseRouteCalls, router.RouteCalls(), "fast path must not query the OS")
	assert.Zero(t, router.SourceCalls())
}

func TestResolver_SlowPathThenCacheHit(t *testing.T) {
	tr, router, _ := newTestTransport(t)
	dev := newTestDevice(t, tr, DeviceOptions{})
	peer := NewPeer(dev)

	router.SetInterface(2, routing.InterfaceEntry{Up: true, Metric: 100})
	router.SetInterface(4, routing.InterfaceEntry{Up: true, Metric: 10})
	router.SetSource(4, netip.MustParseAddr("203.0.113.9"))
	routes := []routing.Route{
		{Dst: netip.MustParsePrefix("0.0.0.0/0"), IfIndex: 2, Metric: 20},
		{Dst: netip.MustParsePrefix("198.51.100.0/24"), IfIndex: 4, Metric: 5},
	}
	router.SetRoutes(routing.FamilyIPv4, routes) // generation 3
	router.SetRoutes(routing.FamilyIPv4, routes) // generation 5
	require.Equal(t, uint32(5), tr.RoutingGeneration(routing.FamilyIPv4))

	primeEndpoint(peer, Endpoint{
		Addr:              netip.MustParseAddrPort("198.51.100.1:51820"),
		Src:               netip.MustParseAddr("10.0.0.5"),
		SrcIfIndex:        3,
		RoutingGeneration: 3, // stale
	})
	genBefore := peer.Endpoint().UpdateGeneration

	err := tr.resolvePeerEndpointSrc(peer)
	require.NoError(t, err)
	assertReadLockHeld(t, peer)

	ep := peer.Endpoint()
	assert.Equal(t, int32(4), ep.SrcIfIndex, "the longer /24 prefix must win over the default route")
	assert.Equal(t, "203.0.113.9", ep.Src.String())
	assert.Equal(t, uint32(5), ep.RoutingGeneration)
	assert.Equal(t, genBefore+1, ep.UpdateGeneration)
	assert.Equal(t, 1, router.SourceCalls())

	// Immediate second call: fast path, no further OS queries.
	routeCalls := router.RouteCalls()
	err = tr.resolvePeerEndpointSrc(peer)
	require.NoError(t, err)
	assertReadLockHeld(t, peer)
	assert.Equal(t, routeCalls, router.RouteCalls())
	assert.Equal(t, 1, router.SourceCalls())
}

func TestResolver_MetricBreaksPrefixTies(t *testing.T) {
	tr, router, _ := newTestTransport(t)
	dev := newTestDevice(t, tr, DeviceOptions{})
	peer := NewPeer(dev)

	router.SetInterface(2, routing.InterfaceEntry{Up: true, Metric: 100})
	router.SetInterface(5, routing.InterfaceEntry{Up: true, Metric: 10})
	router.SetSource(5, netip.MustParseAddr("203.0.113.5"))
	router.SetSource(2, netip.MustParseAddr("203.0.113.2"))
	router.SetRoutes(routing.FamilyIPv4, []routing.Route{
		{Dst: netip.MustParsePrefix("198.51.100.0/24"), IfIndex: 2, Metric: 20},
		{Dst: netip.MustParsePrefix("198.51.100.0/24"), IfIndex: 5, Metric: 20},
	})

	primeEndpoint(peer, Endpoint{Addr: netip.MustParseAddrPort("198.51.100.1:51820")})

	err := tr.resolvePeerEndpointSrc(peer)
	require.NoError(t, err)
	assertReadLockHeld(t, peer)
	assert.Equal(t, int32(5), peer.Endpoint().SrcIfIndex)
}

func TestResolver_SkipsDownAndOwnInterfaces(t *testing.T) {
	tr, router, _ := newTestTransport(t)
	dev := newTestDevice(t, tr, DeviceOptions{InterfaceIndex: 9})
	peer := NewPeer(dev)

	router.SetInterface(7, routing.InterfaceEntry{Up: false})
	router.SetInterface(2, routing.InterfaceEntry{Up: true})
	router.SetSource(2, netip.MustParseAddr("203.0.113.2"))
	router.SetRoutes(routing.FamilyIPv4, []routing.Route{
		// Longest prefix, but the interface is down.
		{Dst: netip.MustParsePrefix("198.51.100.0/24"), IfIndex: 7, Metric: 1},
		// The device's own tunnel interface must never be selected.
		{Dst: netip.MustParsePrefix("198.51.100.0/24"), IfIndex: 9, Metric: 1},
		{Dst: netip.MustParsePrefix("0.0.0.0/0"), IfIndex: 2, Metric: 20},
	})

	primeEndpoint(peer, Endpoint{Addr: netip.MustParseAddrPort("198.51.100.1:51820")})

	err := tr.resolvePeerEndpointSrc(peer)
	require.NoError(t, err)
	assertReadLockHeld(t, peer)
	assert.Equal(t, int32(2), peer.Endpoint().SrcIfIndex)
}

func TestResolver_NoRoute(t *testing.T) {
	tr, router, _ := newTestTransport(t)
	dev := newTestDevice(t, tr, DeviceOptions{})
	peer := NewPeer(dev)

	router.SetRoutes(routing.FamilyIPv4, []routing.Route{})
	primeEndpoint(peer, Endpoint{Addr: netip.MustParseAddrPort("198.51.100.1:51820")})

	err := tr.resolvePeerEndpointSrc(peer)
	assert.ErrorIs(t, err, ErrBadNetworkPath)

	// On failure the lock is not held.
	require.True(t, peer.endpointMu.TryLock())
	peer.endpointMu.Unlock()
}

func TestResolver_UnsetEndpoint(t *testing.T) {
	tr, _, _ := newTestTransport(t)
	dev := newTestDevice(t, tr, DeviceOptions{})
	peer := NewPeer(dev)

	err := tr.resolvePeerEndpointSrc(peer)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	require.True(t, peer.endpointMu.TryLock())
	peer.endpointMu.Unlock()
}

type failingRoutesRouter struct {
	*routing.StaticRouter
	err error
}

func (r *failingRoutesRouter) Routes(routing.Family) ([]routing.Route, error) {
	return nil, r.err
}

func TestResolver_TableErrorSurfaced(t *testing.T) {
	tableErr := errors.New("table dump failed")
	router := &failingRoutesRouter{StaticRouter: routing.NewStaticRouter(), err: tableErr}
	fn := newFakeNet()
	tr, err := newTransport(router, fn.listen, testLogger())
	require.NoError(t, err)

	dev := newTestDevice(t, tr, DeviceOptions{})
	peer := NewPeer(dev)
	primeEndpoint(peer, Endpoint{Addr: netip.MustParseAddrPort("198.51.100.1:51820")})

	resolveErr := tr.resolvePeerEndpointSrc(peer)
	assert.ErrorIs(t, resolveErr, tableErr)
}

func TestResolver_RequeryDebounce(t *testing.T) {
	tr, router, _ := newTestTransport(t)
	tr.SetRequeryMinInterval(time.Hour)
	dev := newTestDevice(t, tr, DeviceOptions{})
	peer := NewPeer(dev)

	router.SetInterface(4, routing.InterfaceEntry{Up: true})
	router.SetSource(4, netip.MustParseAddr("203.0.113.9"))
	router.SetRoutes(routing.FamilyIPv4, []routing.Route{
		{Dst: netip.MustParsePrefix("0.0.0.0/0"), IfIndex: 4, Metric: 1},
	})
	primeEndpoint(peer, Endpoint{Addr: netip.MustParseAddrPort("198.51.100.1:51820")})

	require.NoError(t, tr.resolvePeerEndpointSrc(peer))
	peer.endpointMu.RUnlock()
	routeCalls := router.RouteCalls()

	// A routing change would normally force a re-query; inside the window
	// the cached source is reused.
	router.SetRoutes(routing.FamilyIPv4, []routing.Route{
		{Dst: netip.MustParsePrefix("0.0.0.0/0"), IfIndex: 4, Metric: 1},
	})
	require.NoError(t, tr.resolvePeerEndpointSrc(peer))
	assertReadLockHeld(t, peer)
	assert.Equal(t, routeCalls, router.RouteCalls(), "debounced resolve must not rescan the table")
	assert.Equal(t, int32(4), peer.Endpoint().SrcIfIndex)
}
