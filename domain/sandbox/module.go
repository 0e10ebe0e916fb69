package sandbox

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/kmugalkhod/Promptly-V3-sub001/domain/session"
	"github.com/kmugalkhod/Promptly-V3-sub001/internal/config"
)

// Module provides sandbox dependencies.
var Module = fx.Options(
	fx.Provide(newProvider),
	fx.Provide(newProber),
	fx.Provide(newRestorer),
	fx.Provide(newService),
	fx.Provide(newMonitor),
	fx.Provide(NewHandler),
	fx.Invoke(registerSandboxRoutes),
	fx.Invoke(startMonitor),
)

func newProvider(cfg *config.Config, log *slog.Logger) (Provider, error) {
	return NewE2BProvider(&cfg.Sandbox, log)
}

func newProber(cfg *config.Config, log *slog.Logger) *Prober {
	return NewProber(cfg.Sandbox.ProbeTimeout, log)
}

func newRestorer(provider Provider, store *session.Store, cfg *config.Config, log *slog.Logger) *Restorer {
	return NewRestorer(provider, store, &cfg.Sandbox, log)
}

func newService(provider Provider, store *session.Store, prober *Prober, restorer *Restorer, cfg *config.Config, log *slog.Logger) *Service {
	return NewService(provider, store, prober, restorer, &cfg.Sandbox, log)
}

func newMonitor(store *session.Store, provider Provider, prober *Prober, cfg *config.Config, log *slog.Logger) *Monitor {
	return NewMonitor(store, provider, prober, cfg.Sandbox.MonitorInterval, log)
}

func registerSandboxRoutes(e *echo.Echo, h *Handler) {
	RegisterRoutes(e, h)
}

func startMonitor(lc fx.Lifecycle, m *Monitor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			m.Start(context.Background())
			return nil
		},
		OnStop: func(_ context.Context) error {
			m.Stop()
			return nil
		},
	})
}
