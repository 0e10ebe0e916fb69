package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/kmugalkhod/Promptly-V3-sub001/domain/session"
	"github.com/kmugalkhod/Promptly-V3-sub001/internal/config"
	"github.com/kmugalkhod/Promptly-V3-sub001/pkg/logger"
)

// templateDefaults are files shipped by the sandbox template that get removed
// before replaying a snapshot, so stale scaffolding never shadows user code.
var templateDefaults = []string{
	"app/page.tsx",
	"app/layout.tsx",
	"app/globals.css",
	"components/ui/resizable.tsx",
}

// readyPollInterval is how often the dev-server readiness check runs.
const readyPollInterval = 2 * time.Second

// InstallRetryClassifier inspects a failed dependency install and decides
// whether to retry with a different command. It returns the retry command and
// true, or "" and false when the failure is not retryable.
type InstallRetryClassifier func(result *RunResult) (string, bool)

// DefaultInstallRetryClassifier retries peer-dependency resolution failures
// with npm's legacy resolver.
func DefaultInstallRetryClassifier(result *RunResult) (string, bool) {
	if strings.Contains(result.Stderr, "ERESOLVE") || strings.Contains(result.Stdout, "ERESOLVE") {
		return "npm install --legacy-peer-deps", true
	}
	return "", false
}

// RestoreResult reports the outcome of a sandbox restore. Diagnostics
// collects suppressed non-fatal failures so callers can surface them without
// the restore itself failing.
type RestoreResult struct {
	SandboxID     string   `json:"sandboxId"`
	PreviewURL    string   `json:"previewUrl"`
	RestoredFiles int      `json:"restoredFiles"`
	TotalFiles    int      `json:"totalFiles"`
	Diagnostics   []string `json:"diagnostics,omitempty"`
}

// Restorer builds a fresh sandbox for a session and replays the durable file
// snapshot into it. Only two failures are fatal: the provider refusing to
// provision, and losing the publish race to a concurrent restore. Everything
// else degrades to a diagnostic.
type Restorer struct {
	provider   Provider
	store      SessionStore
	cfg        *config.SandboxConfig
	classifier InstallRetryClassifier
	log        *slog.Logger
}

func NewRestorer(provider Provider, store SessionStore, cfg *config.SandboxConfig, log *slog.Logger) *Restorer {
	return &Restorer{
		provider:   provider,
		store:      store,
		cfg:        cfg,
		classifier: DefaultInstallRetryClassifier,
		log:        log.With(logger.Scope("restorer")),
	}
}

// SetInstallRetryClassifier replaces the install retry policy.
func (r *Restorer) SetInstallRetryClassifier(c InstallRetryClassifier) {
	if c != nil {
		r.classifier = c
	}
}

// Restore provisions a new sandbox, replays the session's snapshot into it,
// restarts the dev server, and publishes the new binding with compare-and-set
// against the expected previous sandbox id. On a lost race the new sandbox is
// killed and ErrSandboxConflict returned.
func (r *Restorer) Restore(ctx context.Context, sessionID string, expected *string) (*RestoreResult, Handle, error) {
	timeout := time.Duration(r.cfg.TimeoutSec) * time.Second

	handle, err := r.provider.Create(ctx, r.cfg.Template, timeout)
	if err != nil {
		return nil, nil, ErrProviderUnavailable.WithInternal(err)
	}

	result := &RestoreResult{SandboxID: handle.ID()}
	log := r.log.With("session_id", sessionID, "sandbox_id", handle.ID())

	if err := r.settle(ctx, handle); err != nil {
		return nil, nil, err
	}

	files, err := r.store.ListFiles(ctx, sessionID)
	if err != nil {
		r.killQuietly(handle)
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}
	result.TotalFiles = len(files)

	if len(files) > 0 {
		r.clearTemplateDefaults(ctx, handle, result)
		r.replaySnapshot(ctx, handle, files, result, log)
	}

	r.writeEnvFile(ctx, handle, sessionID, result, log)

	if len(files) > 0 {
		r.installDependencies(ctx, handle, result, log)
		r.restartDevServer(ctx, handle, result, log)
	}

	if err := r.publish(ctx, sessionID, expected, handle, result, log); err != nil {
		return nil, nil, err
	}

	log.Info("sandbox restored",
		"restored_files", result.RestoredFiles,
		"total_files", result.TotalFiles,
		"diagnostics", len(result.Diagnostics),
	)
	return result, handle, nil
}

// Fresh provisions a sandbox for a session that has no snapshot yet: template
// defaults are cleared so later generated files never collide with the
// scaffolding, and no snapshot replay or dependency install happens. The
// template's own dev server keeps running.
func (r *Restorer) Fresh(ctx context.Context, sessionID string, expected *string) (*RestoreResult, Handle, error) {
	timeout := time.Duration(r.cfg.TimeoutSec) * time.Second

	handle, err := r.provider.Create(ctx, r.cfg.Template, timeout)
	if err != nil {
		return nil, nil, ErrProviderUnavailable.WithInternal(err)
	}

	result := &RestoreResult{SandboxID: handle.ID()}
	log := r.log.With("session_id", sessionID, "sandbox_id", handle.ID())

	if err := r.settle(ctx, handle); err != nil {
		return nil, nil, err
	}

	r.clearTemplateDefaults(ctx, handle, result)
	r.writeEnvFile(ctx, handle, sessionID, result, log)

	if err := r.publish(ctx, sessionID, expected, handle, result, log); err != nil {
		return nil, nil, err
	}

	log.Info("sandbox created", "diagnostics", len(result.Diagnostics))
	return result, handle, nil
}

// settle waits out the template's own startup before the filesystem is
// touched.
func (r *Restorer) settle(ctx context.Context, handle Handle) error {
	select {
	case <-time.After(r.cfg.StartupSettle):
		return nil
	case <-ctx.Done():
		r.killQuietly(handle)
		return ctx.Err()
	}
}

// publish records the new binding with compare-and-set against the expected
// previous sandbox id. An unpublished sandbox is unreachable by any future
// caller, so failure here is fatal and the sandbox is killed.
func (r *Restorer) publish(ctx context.Context, sessionID string, expected *string, handle Handle, result *RestoreResult, log *slog.Logger) error {
	previewURL := fmt.Sprintf("https://%s", handle.PublicHost(r.cfg.PreviewPort))

	if err := r.store.UpdateSandbox(ctx, sessionID, expected, handle.ID(), previewURL, session.StatusActive); err != nil {
		r.killQuietly(handle)
		if errors.Is(err, session.ErrSandboxConflict) {
			log.Warn("lost sandbox publish race, killed fresh sandbox")
			return ErrSandboxConflict
		}
		return fmt.Errorf("publish sandbox: %w", err)
	}

	result.PreviewURL = previewURL
	return nil
}

func (r *Restorer) clearTemplateDefaults(ctx context.Context, handle Handle, result *RestoreResult) {
	var quoted []string
	for _, p := range templateDefaults {
		quoted = append(quoted, fmt.Sprintf("%q", path.Join(r.cfg.ProjectDir, p)))
	}
	cmd := "rm -f " + strings.Join(quoted, " ")
	if _, err := handle.Run(ctx, cmd, 30*time.Second); err != nil {
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("clear template defaults: %v", err))
	}
}

func (r *Restorer) replaySnapshot(ctx context.Context, handle Handle, files []session.ProjectFile, result *RestoreResult, log *slog.Logger) {
	for _, f := range files {
		target := path.Join(r.cfg.ProjectDir, f.Path)
		if err := handle.WriteFile(ctx, target, f.Content); err != nil {
			log.Warn("snapshot file replay failed", "path", f.Path, logger.Error(err))
			result.Diagnostics = append(result.Diagnostics,
				fmt.Sprintf("replay %s: %v", f.Path, err))
			continue
		}
		result.RestoredFiles++
	}
}

func (r *Restorer) writeEnvFile(ctx context.Context, handle Handle, sessionID string, result *RestoreResult, log *slog.Logger) {
	conn, err := r.store.GetDatabaseConnection(ctx, sessionID)
	if err != nil {
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("load database connection: %v", err))
		return
	}
	if conn == nil {
		return
	}

	content := fmt.Sprintf("NEXT_PUBLIC_SUPABASE_URL=%s\nNEXT_PUBLIC_SUPABASE_ANON_KEY=%s\n", conn.URL, conn.AnonKey)
	target := path.Join(r.cfg.ProjectDir, ".env.local")
	if err := handle.WriteFile(ctx, target, content); err != nil {
		log.Warn("env file write failed", logger.Error(err))
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("write .env.local: %v", err))
	}
}

func (r *Restorer) installDependencies(ctx context.Context, handle Handle, result *RestoreResult, log *slog.Logger) {
	cmd := fmt.Sprintf("cd %q && npm install", r.cfg.ProjectDir)
	runResult, err := handle.Run(ctx, cmd, 5*time.Minute)
	if err != nil {
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("npm install: %v", err))
		return
	}
	if runResult.Ok() {
		return
	}

	retry, ok := r.classifier(runResult)
	if !ok {
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("npm install exited %d: %s", runResult.ExitCode, tail(runResult.Stderr, 500)))
		return
	}

	log.Info("retrying dependency install", "command", retry)
	retryResult, err := handle.Run(ctx, fmt.Sprintf("cd %q && %s", r.cfg.ProjectDir, retry), 5*time.Minute)
	if err != nil {
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("install retry: %v", err))
		return
	}
	if !retryResult.Ok() {
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("install retry exited %d: %s", retryResult.ExitCode, tail(retryResult.Stderr, 500)))
	}
}

func (r *Restorer) restartDevServer(ctx context.Context, handle Handle, result *RestoreResult, log *slog.Logger) {
	if _, err := handle.Run(ctx, `pkill -f "next dev" || true`, 30*time.Second); err != nil {
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("stop dev server: %v", err))
	}

	start := fmt.Sprintf("sleep 1 && cd %q && nohup npm run dev > /tmp/dev-server.log 2>&1 &", r.cfg.ProjectDir)
	if _, err := handle.Run(ctx, start, 30*time.Second); err != nil {
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("start dev server: %v", err))
		return
	}

	if !r.waitForReady(ctx, handle) {
		log.Warn("dev server not ready before timeout")
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("dev server not ready after %s", r.cfg.ReadyTimeout))
	}
}

// waitForReady polls the dev server from inside the sandbox until it answers
// or the ready timeout lapses.
func (r *Restorer) waitForReady(ctx context.Context, handle Handle) bool {
	probe := fmt.Sprintf("curl -sf http://localhost:%d > /dev/null", r.cfg.PreviewPort)
	deadline := time.Now().Add(r.cfg.ReadyTimeout)

	for {
		result, err := handle.Run(ctx, probe, readyPollInterval+5*time.Second)
		if err == nil && result.Ok() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-time.After(readyPollInterval):
		case <-ctx.Done():
			return false
		}
	}
}

// killQuietly tears down a sandbox we no longer want, detached from the
// request context so cancellation cannot leak the sandbox.
func (r *Restorer) killQuietly(handle Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := handle.Kill(ctx); err != nil {
		r.log.Warn("failed to kill sandbox", "sandbox_id", handle.ID(), logger.Error(err))
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
