package session

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

// Module provides session dependencies.
var Module = fx.Options(
	fx.Provide(NewStore),
	fx.Provide(NewHandler),
	fx.Invoke(registerSessionRoutes),
)

func registerSessionRoutes(e *echo.Echo, h *Handler) {
	RegisterRoutes(e, h)
}
