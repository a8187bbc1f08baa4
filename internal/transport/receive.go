package transport

import (
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/jroosing/wgtunnel/internal/pool"
	"github.com/jroosing/wgtunnel/internal/routing"
)

// recvBatchSize is how many datagrams one ReadBatch round may deliver.
const recvBatchSize = 64

// recvBufferSize bounds a single received datagram.
const recvBufferSize = 2048

// oobBufferSize holds the pktinfo control message of either family.
const oobBufferSize = 64

// recvBufferPool backs inbound datagrams. Buffers return to the pool when
// the engine releases the wrapping Datagram.
var recvBufferPool = pool.New(func() *[]byte {
	buf := make([]byte, recvBufferSize)
	return &buf
})

var datagramPool = pool.New(func() *Datagram {
	return &Datagram{}
})

// Datagram wraps one received UDP datagram on its way into the tunnel
// engine. The engine owns it until Release; releasing returns the buffer
// to the pool and drops the socket's in-flight reference.
type Datagram struct {
	buf *[]byte
	n   int

	remote     netip.AddrPort
	local      netip.Addr
	ifIndex    int32
	hasPktinfo bool

	sock *Socket
	next *Datagram
}

// Data returns the datagram payload.
func (d *Datagram) Data() []byte {
	return (*d.buf)[:d.n]
}

// RemoteAddr returns the sender's address.
func (d *Datagram) RemoteAddr() netip.AddrPort {
	return d.remote
}

// Next returns the following datagram of the delivered batch, or nil.
func (d *Datagram) Next() *Datagram {
	return d.next
}

// Release returns the datagram to the transport. Must be called exactly
// once per delivered datagram; the owning socket cannot close until every
// outstanding datagram has been released.
func (d *Datagram) Release() {
	sock := d.sock
	if d.buf != nil {
		recvBufferPool.Put(d.buf)
	}
	d.buf = nil
	d.sock = nil
	d.next = nil
	d.hasPktinfo = false
	datagramPool.Put(d)
	if sock != nil {
		sock.inFlight.Release()
	}
}

// recvLoop reads datagram batches from the socket and hands them to the
// tunnel engine. For each datagram it atomically checks the device is up
// and takes an in-flight reference; failing either, the datagram is
// dropped on the spot and the input-discard counter bumped. The loop exits
// when the conn is closed.
func (s *Socket) recvLoop() {
	defer close(s.recvDone)

	dev := s.dev
	msgs := make([]ipv4.Message, recvBatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{nil}
		msgs[i].OOB = make([]byte, oobBufferSize)
	}

	for {
		for i := range msgs {
			if msgs[i].Buffers[0] == nil {
				msgs[i].Buffers[0] = *recvBufferPool.Get()
			}
		}

		n, err := s.conn.ReadBatch(msgs, 0)
		if err != nil {
			// Socket closed or fatal receive error; buffers still attached
			// to messages go back to the pool.
			for i := range msgs {
				if b := msgs[i].Buffers[0]; b != nil {
					recvBufferPool.Put(&b)
					msgs[i].Buffers[0] = nil
				}
			}
			return
		}

		var first, last *Datagram
		for i := 0; i < n; i++ {
			if !dev.isUp.Load() || !s.inFlight.Acquire() {
				// Device down or socket draining: the buffer stays on the
				// message for the next round.
				dev.Stats.RecordInDiscard()
				continue
			}

			d := datagramPool.Get()
			buf := msgs[i].Buffers[0]
			d.buf = &buf
			d.n = msgs[i].N
			d.remote = remoteAddrPort(msgs[i].Addr)
			d.local, d.ifIndex, d.hasPktinfo = s.parseControl(msgs[i].OOB[:msgs[i].NN])
			d.sock = s
			d.next = nil
			msgs[i].Buffers[0] = nil

			if last == nil {
				first = d
			} else {
				last.next = d
			}
			last = d
			dev.Stats.RecordReceive(d.n)
		}

		if first != nil {
			dev.receive(first)
		}
	}
}

// parseControl extracts the pktinfo (destination address + arriving
// interface) for the socket's family.
func (s *Socket) parseControl(oob []byte) (local netip.Addr, ifIndex int32, ok bool) {
	if len(oob) == 0 {
		return netip.Addr{}, 0, false
	}
	if s.family == routing.FamilyIPv4 {
		var cm ipv4.ControlMessage
		if err := cm.Parse(oob); err != nil {
			return netip.Addr{}, 0, false
		}
		if addr, valid := netip.AddrFromSlice(cm.Dst); valid {
			local = addr.Unmap()
		}
		return local, int32(cm.IfIndex), local.IsValid() || cm.IfIndex != 0
	}
	var cm ipv6.ControlMessage
	if err := cm.Parse(oob); err != nil {
		return netip.Addr{}, 0, false
	}
	if addr, valid := netip.AddrFromSlice(cm.Dst); valid {
		local = addr
	}
	return local, int32(cm.IfIndex), local.IsValid() || cm.IfIndex != 0
}

// remoteAddrPort normalizes the batch message address.
func remoteAddrPort(addr net.Addr) netip.AddrPort {
	if ua, ok := addr.(*net.UDPAddr); ok && ua != nil {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}
