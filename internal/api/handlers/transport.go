package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/wgtunnel/internal/api/models"
)

// Transport returns the transport state: family availability, routing
// generations and the bound port.
func (h *Handler) Transport(c *gin.Context) {
	if h.deps.TransportInfo == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "transport not running"})
		return
	}
	c.JSON(http.StatusOK, h.deps.TransportInfo())
}

// Peers lists the live peers with their endpoints and counters.
func (h *Handler) Peers(c *gin.Context) {
	var peers []models.PeerResponse
	if h.deps.Peers != nil {
		peers = h.deps.Peers()
	}
	if peers == nil {
		peers = []models.PeerResponse{}
	}
	c.JSON(http.StatusOK, peers)
}
