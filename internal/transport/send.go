package transport

import (
	"net"

	"golang.org/x/net/ipv4"

	"github.com/jroosing/wgtunnel/internal/packet"
	"github.com/jroosing/wgtunnel/internal/pool"
	"github.com/jroosing/wgtunnel/internal/routing"
)

// sendBufferPool backs the owned-buffer send paths (handshake messages,
// cookie replies). One pooled buffer covers any single message.
var sendBufferPool = pool.New(func() *[]byte {
	buf := make([]byte, packet.MaxSegmentSize)
	return &buf
})

// sendCtx carries one asynchronous send: the destination endpoint copy,
// the owning device, the per-operation socket reference, and either a
// packet chain or one owned buffer. Contexts come from the transport's
// bounded lookaside and return there exactly once, from the completion or
// from the failure path of the send that took them.
type sendCtx struct {
	ep   Endpoint
	dev  *Device
	sock *Socket

	isChain bool
	chain   *packet.List
	buf     *[]byte
	bufLen  int

	// Scratch, reused across sends so the completion path allocates
	// nothing in steady state.
	msgs []ipv4.Message
	ua   *net.UDPAddr
}

func newSendCtx() *sendCtx {
	return &sendCtx{
		msgs: make([]ipv4.Message, 0, 16),
		ua:   &net.UDPAddr{IP: make(net.IP, 0, 16)},
	}
}

// reset detaches payload references before the context returns to the pool.
func (ctx *sendCtx) reset() {
	ctx.dev = nil
	ctx.sock = nil
	ctx.chain = nil
	ctx.buf = nil
	ctx.bufLen = 0
	ctx.isChain = false
	ctx.msgs = ctx.msgs[:0]
}

// SendPacketsToPeer transmits a chain of encrypted packets to the peer as
// one logical send. It reports whether every packet in the chain had the
// exact keepalive length. Ownership of the chain transfers to the
// transport: the chain is returned through the device's FreeSend hook
// exactly once, from the async completion or from the failure path here.
func (t *Transport) SendPacketsToPeer(peer *Peer, chain *packet.List) (allKeepalive bool, err error) {
	if chain.Count() == 0 {
		return false, ErrAlreadyComplete
	}
	dev := peer.dev
	ctx := t.ctxPool.Get()

	if err := t.resolvePeerEndpointSrc(peer); err != nil {
		ctx.reset()
		t.ctxPool.Put(ctx)
		dev.freeSend(chain)
		return false, err
	}
	ctx.ep = peer.endpoint
	peer.endpointMu.RUnlock()

	ctx.isChain = true
	ctx.chain = chain

	allKeepalive = true
	var octets, packets uint64
	for p := chain.Head(); p != nil; p = p.Next() {
		octets += uint64(p.Len())
		packets++
		if p.Len() != packet.KeepaliveSize {
			allKeepalive = false
		}
	}

	if err := t.sendAsync(dev, ctx); err != nil {
		ctx.reset()
		t.ctxPool.Put(ctx)
		dev.freeSend(chain)
		return false, err
	}
	peer.TxBytes.Add(octets)
	dev.Stats.RecordSend(octets, packets)
	return allKeepalive, nil
}

// SendBufferToPeer copies buf into an owned transport buffer and transmits
// it to the peer's resolved endpoint.
func (t *Transport) SendBufferToPeer(peer *Peer, buf []byte) error {
	if len(buf) > packet.MaxSegmentSize {
		return ErrInvalidParameter
	}
	ctx := t.ctxPool.Get()
	ctx.isChain = false
	ctx.buf = sendBufferPool.Get()
	ctx.bufLen = copy((*ctx.buf)[:packet.MaxSegmentSize], buf)

	if err := t.resolvePeerEndpointSrc(peer); err != nil {
		t.releaseFailedSend(ctx)
		return err
	}
	ctx.ep = peer.endpoint
	peer.endpointMu.RUnlock()

	if err := t.sendAsync(peer.dev, ctx); err != nil {
		t.releaseFailedSend(ctx)
		return err
	}
	peer.TxBytes.Add(uint64(len(buf)))
	return nil
}

// SendReplyToDatagram transmits buf back to the origin of an incoming
// datagram, deriving the destination from the datagram's learned address
// and pktinfo rather than from any peer cache. Used for cookie replies to
// unauthenticated sources.
func (t *Transport) SendReplyToDatagram(dev *Device, in *Datagram, buf []byte) error {
	if len(buf) > packet.MaxSegmentSize {
		return ErrInvalidParameter
	}
	ctx := t.ctxPool.Get()
	ctx.isChain = false
	ctx.buf = sendBufferPool.Get()
	ctx.bufLen = copy((*ctx.buf)[:packet.MaxSegmentSize], buf)

	ep, err := t.EndpointFromDatagram(in)
	if err != nil {
		t.releaseFailedSend(ctx)
		return err
	}
	ctx.ep = ep

	if err := t.sendAsync(dev, ctx); err != nil {
		t.releaseFailedSend(ctx)
		return err
	}
	return nil
}

func (t *Transport) releaseFailedSend(ctx *sendCtx) {
	if ctx.buf != nil {
		sendBufferPool.Put(ctx.buf)
	}
	ctx.reset()
	t.ctxPool.Put(ctx)
}

// sendAsync hands a populated context to the device's async dispatcher.
// It selects the socket for the endpoint's family and takes a
// per-operation reference on it, so a concurrent SocketReinit cannot free
// the socket under the send. A nil return means the context is consumed;
// the transmission itself completes asynchronously and any late failure is
// visible only in the device statistics.
func (t *Transport) sendAsync(dev *Device, ctx *sendCtx) error {
	ctx.dev = dev

	family, err := routing.FamilyOf(ctx.ep.Addr.Addr())
	if err != nil {
		return ErrNetworkUnreachable
	}
	for {
		var sock *Socket
		if family == routing.FamilyIPv4 {
			sock = dev.sock4.Load()
		} else {
			sock = dev.sock6.Load()
		}
		if sock == nil {
			return ErrNetworkUnreachable
		}
		if sock.inFlight.Acquire() {
			ctx.sock = sock
			break
		}
		// The socket is draining, which means a swap has already been
		// published; reload and use the replacement.
	}

	select {
	case dev.sendQueue <- ctx:
		return nil
	default:
		ctx.sock.inFlight.Release()
		ctx.sock = nil
		return ErrInsufficientResources
	}
}

// completeSend performs the actual kernel write for one context and then
// releases everything exactly once: the payload to its pool or the
// engine's free path, the socket reference, and the context itself.
func (d *Device) completeSend(ctx *sendCtx) {
	sock := ctx.sock
	to := ctx.ep.Addr

	var err error
	if ctx.isChain {
		ctx.ua.IP = append(ctx.ua.IP[:0], to.Addr().AsSlice()...)
		ctx.ua.Port = int(to.Port())
		ctx.ua.Zone = to.Addr().Zone()
		msgs := ctx.msgs[:0]
		for p := ctx.chain.Head(); p != nil; p = p.Next() {
			msgs = append(msgs, ipv4.Message{
				Buffers: [][]byte{p.Data()},
				OOB:     ctx.ep.control,
				Addr:    ctx.ua,
			})
		}
		ctx.msgs = msgs
		err = sock.conn.WriteBatch(msgs)
	} else {
		_, err = sock.conn.WriteTo((*ctx.buf)[:ctx.bufLen], ctx.ep.control, to)
	}
	if err != nil {
		d.Stats.RecordOutError()
	}

	if ctx.isChain {
		d.freeSend(ctx.chain)
	} else {
		sendBufferPool.Put(ctx.buf)
	}
	sock.inFlight.Release()
	ctx.reset()
	d.transport.ctxPool.Put(ctx)
}
