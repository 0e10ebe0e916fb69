package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kmugalkhod/Promptly-V3-sub001/domain/session"
	"github.com/kmugalkhod/Promptly-V3-sub001/pkg/logger"
)

// sessionLister is the slice of the session store the monitor needs.
type sessionLister interface {
	ListSessionsWithSandbox(ctx context.Context) ([]session.Session, error)
}

// Monitor periodically probes every recorded sandbox and logs the dead ones.
// It is advisory only: recovery happens lazily on the next session operation,
// never from here.
type Monitor struct {
	store    sessionLister
	provider Provider
	prober   *Prober
	log      *slog.Logger
	interval time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

func NewMonitor(store sessionLister, provider Provider, prober *Prober, interval time.Duration, log *slog.Logger) *Monitor {
	return &Monitor{
		store:    store,
		provider: provider,
		prober:   prober,
		log:      log.With(logger.Scope("sandbox.monitor")),
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the periodic scan goroutine. A non-positive interval disables
// the monitor entirely.
func (m *Monitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		m.log.Debug("sandbox monitor disabled")
		close(m.doneCh)
		return
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go func() {
		defer close(m.doneCh)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.runCycle(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	m.log.Info("sandbox monitor started", "interval", m.interval)
}

// Stop signals the scan goroutine to stop and waits for it to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	<-m.doneCh
}

// runCycle probes every recorded sandbox once.
func (m *Monitor) runCycle(ctx context.Context) {
	sessions, err := m.store.ListSessionsWithSandbox(ctx)
	if err != nil {
		m.log.Error("failed to list sessions with sandboxes", logger.Error(err))
		return
	}
	if len(sessions) == 0 {
		m.log.Debug("monitor cycle: no sandboxes recorded")
		return
	}

	alive := 0
	dead := 0
	for _, sess := range sessions {
		probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		handle, err := m.provider.Connect(probeCtx, *sess.SandboxID, time.Second)
		if err != nil || !m.prober.IsAlive(probeCtx, handle) {
			m.log.Warn("recorded sandbox is dead, will restore on next use",
				"session_id", sess.ID,
				"sandbox_id", *sess.SandboxID,
			)
			dead++
		} else {
			alive++
		}
		cancel()
	}

	m.log.Info("monitor cycle complete", "alive", alive, "dead", dead)
}
