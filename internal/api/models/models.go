// Package models defines the JSON request/response bodies of the
// management API.
package models

import "time"

// StatusResponse is a simple status acknowledgement.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse carries an error message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CPUStats describes system CPU usage.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
	IdlePercent float64 `json:"idle_percent"`
}

// MemoryStats describes system memory usage in megabytes.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// DeviceCounters mirrors the transport's interface statistics.
type DeviceCounters struct {
	InOctets   uint64 `json:"in_octets"`
	InPackets  uint64 `json:"in_packets"`
	InDiscards uint64 `json:"in_discards"`
	OutOctets  uint64 `json:"out_octets"`
	OutPackets uint64 `json:"out_packets"`
	OutErrors  uint64 `json:"out_errors"`
}

// ServerStatsResponse is the /stats payload.
type ServerStatsResponse struct {
	Uptime        string         `json:"uptime"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     time.Time      `json:"start_time"`
	CPU           CPUStats       `json:"cpu"`
	Memory        MemoryStats    `json:"memory"`
	Device        DeviceCounters `json:"device"`
}

// TransportResponse is the /transport payload: family availability,
// routing generations and the bound port.
type TransportResponse struct {
	IPv4Available       bool   `json:"ipv4_available"`
	IPv6Available       bool   `json:"ipv6_available"`
	RoutingGenerationV4 uint32 `json:"routing_generation_v4"`
	RoutingGenerationV6 uint32 `json:"routing_generation_v6"`
	IncomingPort        uint16 `json:"incoming_port"`
	AdministrativelyUp  bool   `json:"up"`
}

// PeerResponse is one entry of the /peers payload.
type PeerResponse struct {
	PublicKey         string `json:"public_key"`
	Endpoint          string `json:"endpoint,omitempty"`
	SourceAddress     string `json:"source_address,omitempty"`
	SourceIfIndex     int32  `json:"source_ifindex,omitempty"`
	TxBytes           uint64 `json:"tx_bytes"`
	RoutingGeneration uint32 `json:"routing_generation"`
	SourceStale       bool   `json:"source_stale"`
}
