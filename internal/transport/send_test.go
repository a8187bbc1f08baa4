package transport

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/wgtunnel/internal/packet"
	"github.com/jroosing/wgtunnel/internal/routing"
)

// routedPeer wires a working v4 route for 198.51.100.1 through ifindex 4.
func routedPeer(t *testing.T, tr *Transport, router *routing.StaticRouter, dev *Device) *Peer {
	t.Helper()
	router.SetInterface(4, routing.InterfaceEntry{Up: true})
	router.SetSource(4, netip.MustParseAddr("203.0.113.9"))
	router.SetRoutes(routing.FamilyIPv4, []routing.Route{
		{Dst: netip.MustParsePrefix("0.0.0.0/0"), IfIndex: 4, Metric: 1},
	})
	peer := NewPeer(dev)
	primeEndpoint(peer, Endpoint{Addr: netip.MustParseAddrPort("198.51.100.1:51820")})
	return peer
}

func chainOf(sizes ...int) *packet.List {
	var l packet.List
	for _, n := range sizes {
		p := packet.Get()
		p.Resize(n)
		l.Push(p)
	}
	return &l
}

func TestSendPacketsToPeer_EmptyChain(t *testing.T) {
	tr, router, _ := newTestTransport(t)
	dev := newTestDevice(t, tr, DeviceOptions{})
	peer := routedPeer(t, tr, router, dev)

	var l packet.List
	_, err := tr.SendPacketsToPeer(peer, &l)
	assert.ErrorIs(t, err, ErrAlreadyComplete)
}

func TestSendPacketsToPeer_KeepaliveClassification(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
		want  bool
	}{
		{"single keepalive", []int{packet.KeepaliveSize}, true},
		{"all keepalives", []int{packet.KeepaliveSize, packet.KeepaliveSize}, true},
		{"data packet", []int{1420}, false},
		{"mixed", []int{packet.KeepaliveSize, 1420, packet.KeepaliveSize}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, router, fn := newTestTransport(t)
			dev := newTestDevice(t, tr, DeviceOptions{})
			peer := routedPeer(t, tr, router, dev)
			require.NoError(t, tr.SocketInit(dev, 0))

			allKeepalive, err := tr.SendPacketsToPeer(peer, chainOf(tt.sizes...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, allKeepalive)

			conn := fn.latest(routing.FamilyIPv4)
			require.Eventually(t, func() bool { return conn.sentCount() == len(tt.sizes) },
				time.Second, time.Millisecond)
			for i := range tt.sizes {
				sent := conn.sentAt(i)
				assert.Len(t, sent.data, tt.sizes[i])
				assert.Equal(t, "198.51.100.1:51820", sent.to.String())
				assert.True(t, sent.batch, "chains go through the batched send")
			}
		})
	}
}

func TestSendPacketsToPeer_UpdatesCounters(t *testing.T) {
	tr, router, fn := newTestTransport(t)
	dev := newTestDevice(t, tr, DeviceOptions{})
	peer := routedPeer(t, tr, router, dev)
	require.NoError(t, tr.SocketInit(dev, 0))

	_, err := tr.SendPacketsToPeer(peer, chainOf(1420, 148))
	require.NoError(t, err)

	assert.Equal(t, uint64(1568), peer.TxBytes.Load())
	snap := dev.Stats.Snapshot()
	assert.Equal(t, uint64(1568), snap.OutOctets)
	assert.Equal(t, uint64(2), snap.OutPackets)

	conn := fn.latest(routing.FamilyIPv4)
	require.Eventually(t, func() bool { return conn.sentCount() == 2 },
		time.Second, time.Millisecond)
}

func TestSendPacketsToPeer_FreesChainOnResolveFailure(t *testing.T) {
	tr, _, _ := newTestTransport(t)

	var freed atomic.Int32
	dev := newTestDevice(t, tr, DeviceOptions{
		FreeSend: func(l *packet.List) {
			freed.Add(1)
			l.Release()
		},
	})
	peer := NewPeer(dev)
	primeEndpoint(peer, Endpoint{Addr: netip.MustParseAddrPort("198.51.100.1:51820")})
	// No routes configured: resolution fails with ErrBadNetworkPath.

	_, err := tr.SendPacketsToPeer(peer, chainOf(1420))
	assert.ErrorIs(t, err, ErrBadNetworkPath)
	assert.Equal(t, int32(1), freed.Load(), "the chain must return to the engine exactly once")
}

func TestSendPacketsToPeer_FreesChainWhenUnreachable(t *testing.T) {
	tr, router, _ := newTestTransport(t)

	var freed atomic.Int32
	dev := newTestDevice(t, tr, DeviceOptions{
		FreeSend: func(l *packet.List) {
			freed.Add(1)
			l.Release()
		},
	})
	peer := routedPeer(t, tr, router, dev)
	// No SocketInit: no socket of the family is bound.

	_, err := tr.SendPacketsToPeer(peer, chainOf(148))
	assert.ErrorIs(t, err, ErrNetworkUnreachable)
	assert.Equal(t, int32(1), freed.Load())
}

func TestSendBufferToPeer(t *testing.T) {
	tr, router, fn := newTestTransport(t)
	dev := newTestDevice(t, tr, DeviceOptions{})
	peer := routedPeer(t, tr, router, dev)
	require.NoError(t, tr.SocketInit(dev, 0))

	msg := []byte("handshake response")
	require.NoError(t, tr.SendBufferToPeer(peer, msg))

	conn := fn.latest(routing.FamilyIPv4)
	require.Eventually(t, func() bool { return conn.sentCount() == 1 },
		time.Second, time.Millisecond)
	sent := conn.sentAt(0)
	assert.Equal(t, msg, sent.data)
	assert.Equal(t, "198.51.100.1:51820", sent.to.String())
	assert.False(t, sent.batch)
	assert.Equal(t, uint64(len(msg)), peer.TxBytes.Load())
}

func TestSendBufferToPeer_Oversize(t *testing.T) {
	tr, router, _ := newTestTransport(t)
	dev := newTestDevice(t, tr, DeviceOptions{})
	peer := routedPeer(t, tr, router, dev)

	err := tr.SendBufferToPeer(peer, make([]byte, packet.MaxSegmentSize+1))
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestSendReplyToDatagram(t *testing.T) {
	tr, _, fn := newTestTransport(t)
	dev := newTestDevice(t, tr, DeviceOptions{})
	require.NoError(t, tr.SocketInit(dev, 0))

	cookie := []byte("cookie reply")
	require.NoError(t, tr.SendReplyToDatagram(dev, testDatagram4(), cookie))

	conn := fn.latest(routing.FamilyIPv4)
	require.Eventually(t, func() bool { return conn.sentCount() == 1 },
		time.Second, time.Millisecond)
	sent := conn.sentAt(0)
	assert.Equal(t, cookie, sent.data)
	assert.Equal(t, "198.51.100.1:51820", sent.to.String(),
		"reply goes to the datagram origin, not a peer cache")
}

func TestSendReplyToDatagram_InvalidDatagram(t *testing.T) {
	tr, _, _ := newTestTransport(t)
	dev := newTestDevice(t, tr, DeviceOptions{})
	require.NoError(t, tr.SocketInit(dev, 0))

	bad := testDatagram4()
	bad.hasPktinfo = false
	err := tr.SendReplyToDatagram(dev, bad, []byte("cookie"))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestSendAsync_QueueFullBacksOff(t *testing.T) {
	tr, router, fn := newTestTransport(t)
	fn.gateWrites = true

	// A single worker parked on a gated write, and a one-slot queue: the
	// first send blocks in the worker, the second fills the queue, the
	// third must back off.
	dev := NewDevice(tr, DeviceOptions{
		Logger:        testLogger(),
		PacketReceive: discardEngine,
		SendWorkers:   1,
		SendQueueSize: 1,
	})
	t.Cleanup(dev.Close)
	peer := routedPeer(t, tr, router, dev)
	require.NoError(t, tr.SocketInit(dev, 0))
	t.Cleanup(fn.openGates) // unblock the worker before dev.Close drains

	var sawBackoff bool
	for i := 0; i < 8 && !sawBackoff; i++ {
		err := tr.SendBufferToPeer(peer, []byte("x"))
		if errors.Is(err, ErrInsufficientResources) {
			sawBackoff = true
		} else {
			require.NoError(t, err)
		}
	}
	assert.True(t, sawBackoff, "a full dispatch queue must surface ErrInsufficientResources")
}

// TestSocketReinitUnderLoad exercises the swap safety contract: one
// goroutine hammers SendBufferToPeer while another swaps the socket pair.
// Every send must return success or ErrNetworkUnreachable, and the old
// sockets must be fully drained and closed by the time the reinit returns.
func TestSocketReinitUnderLoad(t *testing.T) {
	tr, router, fn := newTestTransport(t)
	dev := NewDevice(tr, DeviceOptions{
		Logger:        testLogger(),
		PacketReceive: discardEngine,
		SendWorkers:   8,
		SendQueueSize: 16384,
	})
	t.Cleanup(dev.Close)
	peer := routedPeer(t, tr, router, dev)
	require.NoError(t, tr.SocketInit(dev, 0))

	old4 := fn.latest(routing.FamilyIPv4)
	old6 := fn.latest(routing.FamilyIPv6)

	const iterations = 10000
	buf := make([]byte, 64)

	var wg sync.WaitGroup
	wg.Add(1)
	errCh := make(chan error, 1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			err := tr.SendBufferToPeer(peer, buf)
			if err != nil && !errors.Is(err, ErrNetworkUnreachable) {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}()

	time.Sleep(time.Millisecond)
	require.NoError(t, tr.SocketInit(dev, 51820))
	// The reinit has returned: the previous sockets are drained and
	// closed, no send can still be touching them.
	assert.True(t, old4.isClosed())
	assert.True(t, old6.isClosed())

	wg.Wait()
	select {
	case err := <-errCh:
		t.Fatalf("send returned unexpected error: %v", err)
	default:
	}
	assert.Equal(t, uint16(51820), dev.IncomingPort())
}
