package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/jroosing/wgtunnel/internal/routing"
	"github.com/jroosing/wgtunnel/internal/rundown"
)

// maxBindRetries bounds the ephemeral-port collision retry loop in
// SocketInit.
const maxBindRetries = 100

// datagramConn is the provider surface of one bound UDP socket. The real
// implementation wraps net.UDPConn with the x/net batch conns; tests plug
// in an in-memory implementation.
type datagramConn interface {
	// ReadBatch fills up to len(ms) messages and returns how many arrived.
	ReadBatch(ms []ipv4.Message, flags int) (int, error)

	// WriteBatch transmits a prepared message batch as one logical send,
	// falling back to serial sends where the platform cannot batch.
	WriteBatch(ms []ipv4.Message) error

	// WriteTo transmits a single datagram with ancillary data.
	WriteTo(b, oob []byte, to netip.AddrPort) (int, error)

	// LocalAddr reports the bound address, after bind resolves an
	// ephemeral port.
	LocalAddr() netip.AddrPort

	Close() error
}

// listenFunc creates a bound datagramConn for a family. Injected so tests
// run without touching the host network stack.
type listenFunc func(family routing.Family, port uint16) (datagramConn, error)

// Socket wraps one bound UDP socket together with its receive goroutine
// and the rundown guard counting in-flight datagrams and sends.
type Socket struct {
	dev    *Device
	conn   datagramConn
	family routing.Family

	// inFlight holds one reference per inbound datagram the engine still
	// owns and per asynchronous send not yet completed. The socket is
	// destructible only once this has drained.
	inFlight rundown.Guard

	localPort uint16
	recvDone  chan struct{}
}

// LocalPort returns the port this socket is bound to.
func (s *Socket) LocalPort() uint16 {
	return s.localPort
}

// createAndBindSocket opens, configures and binds one socket, reading back
// the local address so the caller learns an ephemeral port. On any failure
// after allocation the partial socket is fully closed before returning.
func (t *Transport) createAndBindSocket(dev *Device, family routing.Family, port uint16) (*Socket, error) {
	conn, err := t.listen(family, port)
	if err != nil {
		dev.logger.Error("could not bind socket",
			"family", family.String(), "port", port, "err", err)
		return nil, err
	}
	sock := &Socket{
		dev:       dev,
		conn:      conn,
		family:    family,
		localPort: conn.LocalAddr().Port(),
		recvDone:  make(chan struct{}),
	}
	go sock.recvLoop()
	return sock, nil
}

// closeSocket drains the socket's in-flight references, closes the conn and
// waits for the receive loop to exit. Safe on nil.
func closeSocket(s *Socket) {
	if s == nil {
		return
	}
	s.inFlight.Drain()
	_ = s.conn.Close()
	<-s.recvDone
}

// SocketInit binds fresh v4/v6 sockets for the device on the given port
// (0 picks an ephemeral port; the v6 socket follows the v4-chosen port)
// and publishes them. An ephemeral-port collision between the two binds is
// retried up to maxBindRetries times.
func (t *Transport) SocketInit(dev *Device, port uint16) error {
	for retries := 0; ; retries++ {
		var new4, new6 *Socket
		var err error

		if t.hasV4 {
			new4, err = t.createAndBindSocket(dev, routing.FamilyIPv4, port)
			if err != nil {
				return err
			}
		}

		boundPort := port
		if new4 != nil {
			boundPort = new4.localPort
		}

		if t.hasV6 {
			new6, err = t.createAndBindSocket(dev, routing.FamilyIPv6, boundPort)
			if err != nil {
				closeSocket(new4)
				if errors.Is(err, unix.EADDRINUSE) && port == 0 && retries < maxBindRetries {
					continue
				}
				return err
			}
		}

		switch {
		case new4 != nil:
			port = new4.localPort
		case new6 != nil:
			port = new6.localPort
		}
		dev.SocketReinit(new4, new6, port)
		return nil
	}
}

// SocketReinit publishes a new socket pair. Readers that captured the old
// pointers finish under their per-operation references; the close below
// blocks until the last of them has departed, so no send or receive ever
// observes a freed socket.
func (d *Device) SocketReinit(new4, new6 *Socket, port uint16) {
	d.socketMu.Lock()
	old4 := d.sock4.Swap(new4)
	old6 := d.sock6.Swap(new6)
	if new4 != nil || new6 != nil {
		d.incomingPort.Store(uint32(port))
	}
	d.socketMu.Unlock()
	closeSocket(old4)
	closeSocket(old6)
	if new4 != nil || new6 != nil {
		d.logger.Debug("sockets reinitialized", "port", port)
	}
}

// osListen is the production listenFunc: a UDP socket with checksum
// generation disabled (v4), v6-only (v6) and pktinfo delivery enabled,
// wrapped for batched I/O.
func osListen(family routing.Family, port uint16) (datagramConn, error) {
	var network, addr string
	switch family {
	case routing.FamilyIPv4:
		network = "udp4"
		addr = fmt.Sprintf("0.0.0.0:%d", port)
	case routing.FamilyIPv6:
		network = "udp6"
		addr = fmt.Sprintf("[::]:%d", port)
	default:
		return nil, routing.ErrUnknownFamily
	}

	lc := net.ListenConfig{Control: socketControl(family)}
	pc, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}
	udp := pc.(*net.UDPConn)

	c := &udpConn{udp: udp, family: family}
	if family == routing.FamilyIPv4 {
		c.pc4 = ipv4.NewPacketConn(udp)
		if err := c.pc4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
			udp.Close()
			return nil, fmt.Errorf("enable pktinfo: %w", err)
		}
	} else {
		c.pc6 = ipv6.NewPacketConn(udp)
		if err := c.pc6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
			udp.Close()
			return nil, fmt.Errorf("enable pktinfo: %w", err)
		}
	}
	return c, nil
}

// udpConn adapts net.UDPConn plus the family's batch conn to datagramConn.
type udpConn struct {
	udp    *net.UDPConn
	pc4    *ipv4.PacketConn
	pc6    *ipv6.PacketConn
	family routing.Family
}

func (c *udpConn) ReadBatch(ms []ipv4.Message, flags int) (int, error) {
	if c.pc4 != nil {
		return c.pc4.ReadBatch(ms, flags)
	}
	return c.pc6.ReadBatch(ms, flags)
}

// WriteBatch issues one logical send for the whole batch. Where the
// platform lacks scatter-send, every message is sent individually and the
// first error stands for the batch.
func (c *udpConn) WriteBatch(ms []ipv4.Message) error {
	if !batchSendSupported {
		return c.writeSerial(ms)
	}
	sent := 0
	for sent < len(ms) {
		var n int
		var err error
		if c.pc4 != nil {
			n, err = c.pc4.WriteBatch(ms[sent:], 0)
		} else {
			n, err = c.pc6.WriteBatch(ms[sent:], 0)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("transport: short batch write")
		}
		sent += n
	}
	return nil
}

// writeSerial is the scatter-send polyfill.
func (c *udpConn) writeSerial(ms []ipv4.Message) error {
	var firstErr error
	for i := range ms {
		addr, _ := ms[i].Addr.(*net.UDPAddr)
		if addr == nil {
			continue
		}
		var err error
		for _, buf := range ms[i].Buffers {
			_, _, err = c.udp.WriteMsgUDP(buf, ms[i].OOB, addr)
			if err != nil {
				break
			}
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *udpConn) WriteTo(b, oob []byte, to netip.AddrPort) (int, error) {
	n, _, err := c.udp.WriteMsgUDPAddrPort(b, oob, to)
	return n, err
}

func (c *udpConn) LocalAddr() netip.AddrPort {
	if addr, ok := c.udp.LocalAddr().(*net.UDPAddr); ok {
		return addr.AddrPort()
	}
	return netip.AddrPort{}
}

func (c *udpConn) Close() error {
	return c.udp.Close()
}
