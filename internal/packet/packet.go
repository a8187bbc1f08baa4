// Package packet provides the pooled packet buffers that the tunnel engine
// hands to the transport as a single logical send unit.
//
// A List is a linked chain of encrypted packets; the transport walks it once
// to build a batched send and the chain returns to the pool exactly once,
// either from the asynchronous send completion or from the failure path.
package packet

import "github.com/jroosing/wgtunnel/internal/pool"

const (
	// MaxSegmentSize bounds a single encrypted datagram. Large enough for
	// any tunnel MTU plus protocol overhead.
	MaxSegmentSize = 2048

	// KeepaliveSize is the exact wire length of a keepalive: a data message
	// carrying no payload (type + receiver index + counter + auth tag).
	KeepaliveSize = 32
)

var packetPool = pool.New(func() *Packet {
	return &Packet{buf: make([]byte, MaxSegmentSize)}
})

// Packet is one encrypted datagram owned by a chain.
type Packet struct {
	buf    []byte
	length int
	next   *Packet
}

// Get retrieves a packet from the pool with zero length.
func Get() *Packet {
	p := packetPool.Get()
	p.length = 0
	p.next = nil
	return p
}

// Put returns a single packet to the pool.
func Put(p *Packet) {
	p.next = nil
	packetPool.Put(p)
}

// Data returns the filled portion of the packet buffer.
func (p *Packet) Data() []byte {
	return p.buf[:p.length]
}

// Buffer returns the whole backing buffer for the encryptor to fill.
func (p *Packet) Buffer() []byte {
	return p.buf
}

// Resize sets the filled length. It panics if n exceeds the buffer.
func (p *Packet) Resize(n int) {
	if n < 0 || n > len(p.buf) {
		panic("packet: resize out of range")
	}
	p.length = n
}

// Len returns the filled length.
func (p *Packet) Len() int {
	return p.length
}

// Next returns the following packet in the chain, or nil.
func (p *Packet) Next() *Packet {
	return p.next
}

// List is a chain of packets sent as one logical unit.
type List struct {
	head  *Packet
	tail  *Packet
	count int
}

// Push appends a packet to the chain.
func (l *List) Push(p *Packet) {
	p.next = nil
	if l.tail == nil {
		l.head = p
	} else {
		l.tail.next = p
	}
	l.tail = p
	l.count++
}

// Head returns the first packet, or nil for an empty chain.
func (l *List) Head() *Packet {
	if l == nil {
		return nil
	}
	return l.head
}

// Count returns the number of packets in the chain.
func (l *List) Count() int {
	if l == nil {
		return 0
	}
	return l.count
}

// Release returns every packet in the chain to the pool and empties the
// list. Safe on an empty list.
func (l *List) Release() {
	if l == nil {
		return
	}
	for p := l.head; p != nil; {
		next := p.next
		Put(p)
		p = next
	}
	l.head, l.tail, l.count = nil, nil, 0
}
