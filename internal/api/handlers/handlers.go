// Package handlers implements the management API endpoints.
package handlers

import (
	"log/slog"
	"time"

	"github.com/jroosing/wgtunnel/internal/api/models"
)

// Deps wires the handlers to the running daemon. Function fields keep the
// handlers testable without a live transport.
type Deps struct {
	// TransportInfo snapshots the transport state for /transport.
	TransportInfo func() models.TransportResponse
	// DeviceCounters snapshots the device statistics for /stats.
	DeviceCounters func() models.DeviceCounters
	// Peers lists the live peers for /peers.
	Peers func() []models.PeerResponse
}

// Handler carries shared handler state.
type Handler struct {
	logger    *slog.Logger
	deps      Deps
	startTime time.Time
}

// New creates the handler set.
func New(logger *slog.Logger, deps Deps) *Handler {
	return &Handler{
		logger:    logger,
		deps:      deps,
		startTime: time.Now(),
	}
}
