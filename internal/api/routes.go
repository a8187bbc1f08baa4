package api

import (
	"github.com/gin-gonic/gin"

	"github.com/jroosing/wgtunnel/internal/api/handlers"
	"github.com/jroosing/wgtunnel/internal/api/middleware"
	"github.com/jroosing/wgtunnel/internal/config"
)

// RegisterRoutes mounts the API endpoints. Everything except /health sits
// behind the API key when one is configured.
func RegisterRoutes(engine *gin.Engine, h *handlers.Handler, cfg *config.Config) {
	v1 := engine.Group("/api/v1")
	v1.GET("/health", h.Health)

	protected := v1.Group("")
	if cfg.API.APIKey != "" {
		protected.Use(middleware.RequireAPIKey(cfg.API.APIKey))
	}
	protected.GET("/stats", h.Stats)
	protected.GET("/transport", h.Transport)
	protected.GET("/peers", h.Peers)
}
