package sandbox

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers sandbox HTTP routes under the session resource.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/v1/sessions/:id/sandbox")

	g.POST("", h.Create)
	g.POST("/initialize", h.Initialize)
	g.POST("/recreate", h.Recreate)
	g.POST("/extend-timeout", h.ExtendTimeout)
	g.POST("/keepalive", h.KeepAlive)
	g.GET("/status", h.Status)

	g.POST("/files", h.WriteFile)
	g.GET("/files", h.ReadFile)
	g.POST("/command", h.RunCommand)

	g.DELETE("", h.Close)
}
