// Package stats collects per-device interface counters.
package stats

import "sync/atomic"

// DeviceStats collects transport-level interface statistics.
// All methods are safe for concurrent use.
type DeviceStats struct {
	inOctets   atomic.Uint64
	inPackets  atomic.Uint64
	inDiscards atomic.Uint64
	outOctets  atomic.Uint64
	outPackets atomic.Uint64
	outErrors  atomic.Uint64
}

// NewDeviceStats creates a new device statistics collector.
func NewDeviceStats() *DeviceStats {
	return &DeviceStats{}
}

// RecordReceive records an accepted inbound datagram of n bytes.
func (s *DeviceStats) RecordReceive(n int) {
	s.inOctets.Add(uint64(n))
	s.inPackets.Add(1)
}

// RecordInDiscard records an inbound datagram dropped before delivery.
func (s *DeviceStats) RecordInDiscard() {
	s.inDiscards.Add(1)
}

// RecordSend records octets and packets handed to the kernel for transmit.
func (s *DeviceStats) RecordSend(octets uint64, packets uint64) {
	s.outOctets.Add(octets)
	s.outPackets.Add(packets)
}

// RecordOutError records an asynchronous send completion failure.
func (s *DeviceStats) RecordOutError() {
	s.outErrors.Add(1)
}

// DeviceStatsSnapshot is a point-in-time snapshot of device statistics.
type DeviceStatsSnapshot struct {
	InOctets   uint64
	InPackets  uint64
	InDiscards uint64
	OutOctets  uint64
	OutPackets uint64
	OutErrors  uint64
}

// Snapshot returns the current statistics.
func (s *DeviceStats) Snapshot() DeviceStatsSnapshot {
	return DeviceStatsSnapshot{
		InOctets:   s.inOctets.Load(),
		InPackets:  s.inPackets.Load(),
		InDiscards: s.inDiscards.Load(),
		OutOctets:  s.outOctets.Load(),
		OutPackets: s.outPackets.Load(),
		OutErrors:  s.outErrors.Load(),
	}
}

// InDiscards returns the inbound discard counter.
func (s *DeviceStats) InDiscards() uint64 {
	return s.inDiscards.Load()
}
