package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jroosing/wgtunnel/internal/packet"
	"github.com/jroosing/wgtunnel/internal/stats"
)

// DefaultSendWorkers is the default number of asynchronous sender
// goroutines per device.
const DefaultSendWorkers = 4

// DefaultSendQueueSize bounds the per-device async dispatch queue. A full
// queue surfaces as ErrInsufficientResources to the caller.
const DefaultSendQueueSize = 1024

// DeviceOptions configures the transport half of a tunnel device.
type DeviceOptions struct {
	Logger *slog.Logger

	// InterfaceIndex is the device's own tunnel interface; the resolver
	// never routes peer traffic back into it.
	InterfaceIndex int32

	// PacketReceive delivers a batch of inbound datagrams to the tunnel
	// engine. The engine owns every datagram in the batch until it calls
	// Release on it. Required.
	PacketReceive func(first *Datagram)

	// FreeSend returns an outbound chain to the engine, from the async
	// send completion or from a send failure, exactly once per chain.
	// Defaults to releasing the chain into the packet pool.
	FreeSend func(*packet.List)

	SendWorkers   int
	SendQueueSize int
}

// Device holds the transport state of one tunnel device: the two
// atomically-published sockets, the incoming port, the admin-up flag,
// interface statistics, and the async send machinery.
type Device struct {
	transport *Transport
	logger    *slog.Logger

	// Stats carries the interface counters (in/out octets, packets,
	// discards, errors).
	Stats *stats.DeviceStats

	interfaceIndex int32

	isUp         atomic.Bool
	incomingPort atomic.Uint32

	// sock4/sock6 are swapped atomically by SocketReinit while senders
	// hold per-operation references; see sendAsync.
	sock4    atomic.Pointer[Socket]
	sock6    atomic.Pointer[Socket]
	socketMu sync.Mutex

	receive  func(first *Datagram)
	freeSend func(*packet.List)

	sendQueue chan *sendCtx
	stop      chan struct{}
	senders   sync.WaitGroup
	closeOnce sync.Once
}

// NewDevice creates a device bound to a transport handle and starts its
// sender workers. The device comes up administratively down and without
// sockets; call SetUp and SocketInit.
func NewDevice(t *Transport, opts DeviceOptions) *Device {
	if opts.PacketReceive == nil {
		panic("transport: DeviceOptions.PacketReceive is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.SendWorkers
	if workers <= 0 {
		workers = DefaultSendWorkers
	}
	queueSize := opts.SendQueueSize
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	freeSend := opts.FreeSend
	if freeSend == nil {
		freeSend = func(l *packet.List) { l.Release() }
	}

	d := &Device{
		transport:      t,
		logger:         logger,
		Stats:          stats.NewDeviceStats(),
		interfaceIndex: opts.InterfaceIndex,
		receive:        opts.PacketReceive,
		freeSend:       freeSend,
		sendQueue:      make(chan *sendCtx, queueSize),
		stop:           make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		d.senders.Add(1)
		go d.senderLoop()
	}
	return d
}

// SetUp flips the administrative state. While down, inbound datagrams are
// discarded at the receive callback.
func (d *Device) SetUp(up bool) {
	d.isUp.Store(up)
}

// Up reports the administrative state.
func (d *Device) Up() bool {
	return d.isUp.Load()
}

// IncomingPort returns the port the device's sockets are bound to.
func (d *Device) IncomingPort() uint16 {
	return uint16(d.incomingPort.Load())
}

// Close tears the device down: unpublishes and drains both sockets, then
// stops the sender workers, completing anything still queued.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		d.isUp.Store(false)
		d.SocketReinit(nil, nil, 0)
		close(d.stop)
		d.senders.Wait()
	})
}

// senderLoop is one async dispatch worker. Per-peer send ordering is not
// guaranteed across workers; the tunneling protocol sequences its own
// messages.
func (d *Device) senderLoop() {
	defer d.senders.Done()
	for {
		select {
		case ctx := <-d.sendQueue:
			d.completeSend(ctx)
		case <-d.stop:
			for {
				select {
				case ctx := <-d.sendQueue:
					d.completeSend(ctx)
				default:
					return
				}
			}
		}
	}
}

// Peer is the transport half of a tunnel peer: one endpoint slot under a
// reader-writer lock, and the transmit byte counter.
type Peer struct {
	dev *Device

	endpointMu sync.RWMutex
	endpoint   Endpoint

	// TxBytes counts payload bytes accepted by the async dispatcher for this
	// peer. It is added when a send is queued, before the write; a later
	// write failure is not subtracted.
	TxBytes atomic.Uint64

	// lastResolve is the wall time (ns) of the last slow-path resolution,
	// driving the optional re-query debounce.
	lastResolve atomic.Int64
}

// NewPeer creates a peer owned by the given device.
func NewPeer(dev *Device) *Peer {
	return &Peer{dev: dev}
}

// Endpoint returns a consistent snapshot of the peer's endpoint.
func (p *Peer) Endpoint() Endpoint {
	p.endpointMu.RLock()
	defer p.endpointMu.RUnlock()
	return p.endpoint
}

// Device returns the owning device.
func (p *Peer) Device() *Device {
	return p.dev
}
