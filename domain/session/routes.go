package session

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers session HTTP routes.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/v1/sessions")
	g.POST("", h.CreateSession)
	g.GET("/:id", h.GetSession)
	g.POST("/:id/archive", h.ArchiveSession)
	g.PUT("/:id/database", h.SetDatabaseConnection)
}
