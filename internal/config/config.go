package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"8000"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Database settings
	Database DatabaseConfig

	// Sandbox provider settings
	Sandbox SandboxConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"900s"` // restores block for minutes
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"900s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"promptly"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"promptly"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// SandboxConfig holds E2B sandbox provider settings.
type SandboxConfig struct {
	// APIKey is the E2B API key. Required for any sandbox operation.
	APIKey string `env:"E2B_API_KEY"`

	// Domain is the E2B domain sandboxes are reachable under.
	Domain string `env:"E2B_DOMAIN" envDefault:"e2b.app"`

	// APIURL is the E2B control plane URL. Defaults to "https://api.{Domain}".
	APIURL string `env:"E2B_API_URL"`

	// Template is the sandbox template ID (Next.js + Tailwind, dev server autostart).
	Template string `env:"E2B_TEMPLATE" envDefault:"nextjs16-tailwind4"`

	// TimeoutSec is the provider-side inactivity timeout requested at creation.
	TimeoutSec int `env:"E2B_TIMEOUT_SEC" envDefault:"600"`

	// PreviewPort is the dev server port exposed as the preview URL.
	PreviewPort int `env:"SANDBOX_PREVIEW_PORT" envDefault:"3000"`

	// ProjectDir is the project root inside the sandbox.
	ProjectDir string `env:"SANDBOX_PROJECT_DIR" envDefault:"/home/user"`

	// StartupSettle is the fixed wait after provisioning, before file replay.
	StartupSettle time.Duration `env:"SANDBOX_STARTUP_SETTLE" envDefault:"3s"`

	// ReadyTimeout bounds the dev-server readiness poll after restart.
	ReadyTimeout time.Duration `env:"SANDBOX_READY_TIMEOUT" envDefault:"60s"`

	// ProbeTimeout bounds each liveness probe command.
	ProbeTimeout time.Duration `env:"SANDBOX_PROBE_TIMEOUT" envDefault:"10s"`

	// MonitorInterval is how often the stale-sandbox monitor scans sessions.
	// Zero disables the monitor.
	MonitorInterval time.Duration `env:"SANDBOX_MONITOR_INTERVAL" envDefault:"0"`
}

// ControlPlaneURL returns the control plane URL, defaulting to https://api.{Domain}.
func (s *SandboxConfig) ControlPlaneURL() string {
	if s.APIURL != "" {
		return s.APIURL
	}
	return fmt.Sprintf("https://api.%s", s.Domain)
}

// IsConfigured returns true if the provider credentials are present.
func (s *SandboxConfig) IsConfigured() bool {
	return s.APIKey != ""
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.String("sandbox_template", cfg.Sandbox.Template),
	)

	return cfg, nil
}
