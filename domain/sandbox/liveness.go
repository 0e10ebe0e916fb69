package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/kmugalkhod/Promptly-V3-sub001/pkg/logger"
)

// Prober checks whether a sandbox is still responsive. A probe never returns
// an error; any failure, including timeouts and transport errors, simply
// means the sandbox is dead and a restore is needed.
type Prober struct {
	log     *slog.Logger
	timeout time.Duration
}

func NewProber(timeout time.Duration, log *slog.Logger) *Prober {
	return &Prober{
		log:     log.With(logger.Scope("prober")),
		timeout: timeout,
	}
}

// IsAlive runs a trivial command in the sandbox and reports whether it
// completed successfully within the probe timeout.
func (p *Prober) IsAlive(ctx context.Context, handle Handle) bool {
	result, err := handle.Run(ctx, "echo ok", p.timeout)
	if err != nil {
		p.log.Debug("liveness probe failed", "sandbox_id", handle.ID(), logger.Error(err))
		return false
	}
	if !result.Ok() {
		p.log.Debug("liveness probe exited non-zero",
			"sandbox_id", handle.ID(), "exit_code", result.ExitCode)
		return false
	}
	return true
}
