// Package main provides the entry point for the Promptly API server.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/kmugalkhod/Promptly-V3-sub001/domain/health"
	"github.com/kmugalkhod/Promptly-V3-sub001/domain/sandbox"
	"github.com/kmugalkhod/Promptly-V3-sub001/domain/session"
	"github.com/kmugalkhod/Promptly-V3-sub001/internal/config"
	"github.com/kmugalkhod/Promptly-V3-sub001/internal/database"
	"github.com/kmugalkhod/Promptly-V3-sub001/internal/migrate"
	"github.com/kmugalkhod/Promptly-V3-sub001/internal/server"
	"github.com/kmugalkhod/Promptly-V3-sub001/pkg/logger"
)

func main() {
	// Load .env files if present (for local development).
	// Load() won't overwrite existing vars, Overload() will.
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		migrate.Module,
		server.Module,

		// Domain modules
		health.Module,
		session.Module,
		sandbox.Module,
	).Run()
}
