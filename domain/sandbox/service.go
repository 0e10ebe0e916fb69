package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kmugalkhod/Promptly-V3-sub001/domain/session"
	"github.com/kmugalkhod/Promptly-V3-sub001/internal/config"
	"github.com/kmugalkhod/Promptly-V3-sub001/pkg/logger"
)

// SessionStore is the durable state the sandbox service depends on. It is
// implemented by session.Store; tests substitute an in-memory fake.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
	UpdateSandbox(ctx context.Context, id string, expected *string, sandboxID, previewURL string, status session.Status) error
	ListFiles(ctx context.Context, sessionID string) ([]session.ProjectFile, error)
	UpsertFile(ctx context.Context, sessionID, path, content string) error
	GetFile(ctx context.Context, sessionID, path string) (*session.ProjectFile, error)
	CountFiles(ctx context.Context, sessionID string) (int, error)
	GetDatabaseConnection(ctx context.Context, sessionID string) (*session.DatabaseConnection, error)
}

// keyedMutex serializes sandbox operations per session. Entries are
// refcounted so the map does not grow with every session ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (km *keyedMutex) Lock(key string) {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &keyedLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	l.mu.Lock()
}

func (km *keyedMutex) Unlock(key string) {
	km.mu.Lock()
	l := km.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(km.locks, key)
	}
	km.mu.Unlock()

	l.mu.Unlock()
}

// Service orchestrates sandbox lifecycle for sessions: provisioning,
// liveness, restore-from-snapshot, file sync, and command execution. All
// operations on the same session are serialized through a keyed mutex;
// operations on different sessions run concurrently.
type Service struct {
	provider Provider
	store    SessionStore
	prober   *Prober
	restorer *Restorer
	cfg      *config.SandboxConfig
	locks    *keyedMutex
	log      *slog.Logger
}

func NewService(provider Provider, store SessionStore, prober *Prober, restorer *Restorer, cfg *config.SandboxConfig, log *slog.Logger) *Service {
	return &Service{
		provider: provider,
		store:    store,
		prober:   prober,
		restorer: restorer,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		log:      log.With(logger.Scope("sandbox.service")),
	}
}

// EnsureResult reports how a live sandbox was obtained. SandboxID and
// PreviewURL are empty when the session has nothing to serve yet.
type EnsureResult struct {
	SandboxID     string   `json:"sandboxId,omitempty"`
	PreviewURL    string   `json:"previewUrl,omitempty"`
	WasRecreated  bool     `json:"wasRecreated"`
	RestoredFiles int      `json:"restoredFiles,omitempty"`
	TotalFiles    int      `json:"totalFiles,omitempty"`
	Diagnostics   []string `json:"diagnostics,omitempty"`
}

// StatusResult is a read-only view of the session's sandbox state.
type StatusResult struct {
	SessionID  string `json:"sessionId"`
	HasSandbox bool   `json:"hasSandbox"`
	SandboxID  string `json:"sandboxId,omitempty"`
	PreviewURL string `json:"previewUrl,omitempty"`
	Alive      bool   `json:"alive"`
	FileCount  int    `json:"fileCount"`
}

// WriteFileResult reports the outcome of a write-through file write.
type WriteFileResult struct {
	Path           string   `json:"path"`
	SandboxWritten bool     `json:"sandboxWritten"`
	WasRecreated   bool     `json:"wasRecreated"`
	PreviewURL     string   `json:"previewUrl,omitempty"`
	Diagnostics    []string `json:"diagnostics,omitempty"`
}

// ReadFileResult carries file content and where it came from.
type ReadFileResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Source  string `json:"source"` // "sandbox" or "snapshot"
}

// CommandResult reports a command run inside the session's sandbox.
type CommandResult struct {
	ExitCode     int      `json:"exitCode"`
	Stdout       string   `json:"stdout"`
	Stderr       string   `json:"stderr"`
	WasRecreated bool     `json:"wasRecreated"`
	Diagnostics  []string `json:"diagnostics,omitempty"`
}

// Initialize guarantees a session with snapshot files has a live sandbox,
// restoring one when needed. Reconnecting to a healthy sandbox performs zero
// creates, which makes the operation idempotent. A session with an empty
// snapshot and no live sandbox is a no-op: there is nothing to restore, and
// brand-new sessions get their sandbox through Create.
func (s *Service) Initialize(ctx context.Context, sessionID string) (*EnsureResult, error) {
	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.HasSandbox() {
		timeout := time.Duration(s.cfg.TimeoutSec) * time.Second
		if handle, err := s.provider.Connect(ctx, *sess.SandboxID, timeout); err == nil && s.prober.IsAlive(ctx, handle) {
			previewURL := ""
			if sess.PreviewURL != nil {
				previewURL = *sess.PreviewURL
			}
			return &EnsureResult{SandboxID: handle.ID(), PreviewURL: previewURL}, nil
		}
		s.log.Info("recorded sandbox is dead",
			"session_id", sessionID, "sandbox_id", *sess.SandboxID)
	}

	count, err := s.store.CountFiles(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count snapshot files: %w", err)
	}
	if count == 0 {
		return &EnsureResult{}, nil
	}

	restored, _, err := s.restorer.Restore(ctx, sessionID, sess.SandboxID)
	if err != nil {
		return nil, err
	}
	return ensureFromRestore(restored, true), nil
}

// Create provisions a fresh sandbox for a brand-new session: template
// defaults are cleared and the snapshot is not replayed. Sessions that
// already have files belong in Initialize.
func (s *Service) Create(ctx context.Context, sessionID string) (*EnsureResult, error) {
	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.HasSandbox() {
		if handle, err := s.provider.Connect(ctx, *sess.SandboxID, time.Second); err == nil {
			s.restorer.killQuietly(handle)
		}
	}

	fresh, _, err := s.restorer.Fresh(ctx, sessionID, sess.SandboxID)
	if err != nil {
		return nil, err
	}
	return ensureFromRestore(fresh, false), nil
}

// Recreate discards the session's current sandbox and restores a fresh one
// from the snapshot, regardless of liveness.
func (s *Service) Recreate(ctx context.Context, sessionID string) (*EnsureResult, error) {
	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.HasSandbox() {
		if handle, err := s.provider.Connect(ctx, *sess.SandboxID, time.Second); err == nil {
			s.restorer.killQuietly(handle)
		}
	}

	restored, _, err := s.restorer.Restore(ctx, sessionID, sess.SandboxID)
	if err != nil {
		return nil, err
	}
	return ensureFromRestore(restored, true), nil
}

// ExtendTimeout refreshes the sandbox inactivity timeout. A dead or missing
// sandbox is restored instead, reported through WasRecreated so callers know
// the preview URL changed.
func (s *Service) ExtendTimeout(ctx context.Context, sessionID, claimedSandboxID string) (*EnsureResult, error) {
	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(sess, claimedSandboxID); err != nil {
		return nil, err
	}
	_, result, err := s.ensureLive(ctx, sess)
	return result, err
}

// KeepAlive best-effort refreshes the sandbox timeout without ever
// restoring. Returns whether the sandbox responded.
func (s *Service) KeepAlive(ctx context.Context, sessionID, claimedSandboxID string) (bool, error) {
	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if err := checkOwnership(sess, claimedSandboxID); err != nil {
		return false, err
	}
	if !sess.HasSandbox() {
		return false, nil
	}

	timeout := time.Duration(s.cfg.TimeoutSec) * time.Second
	handle, err := s.provider.Connect(ctx, *sess.SandboxID, timeout)
	if err != nil {
		return false, nil
	}
	if !s.prober.IsAlive(ctx, handle) {
		return false, nil
	}
	if err := handle.SetTimeout(ctx, timeout); err != nil {
		s.log.Warn("keepalive timeout refresh failed",
			"session_id", sessionID, "sandbox_id", handle.ID(), logger.Error(err))
		return false, nil
	}
	return true, nil
}

// WriteFile persists file content durably and mirrors it into the live
// sandbox. The durable write always happens; a dead sandbox triggers one
// restore-and-retry, and a still-failing sandbox write degrades to a
// diagnostic rather than an error.
func (s *Service) WriteFile(ctx context.Context, sessionID, claimedSandboxID, filePath, content string) (*WriteFileResult, error) {
	cleanPath, err := SanitizePath(filePath)
	if err != nil {
		return nil, err
	}
	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(sess, claimedSandboxID); err != nil {
		return nil, err
	}

	// Snapshot first: the durable store is the source of truth and must
	// reflect the write even if every sandbox attempt below fails.
	if err := s.store.UpsertFile(ctx, sessionID, cleanPath, content); err != nil {
		return nil, fmt.Errorf("persist file: %w", err)
	}

	result := &WriteFileResult{Path: cleanPath}
	target := s.cfg.ProjectDir + "/" + cleanPath

	handle, ensure, err := s.ensureLive(ctx, sess)
	if err != nil {
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("sandbox unavailable: %v", err))
		return result, nil
	}
	result.WasRecreated = ensure.WasRecreated
	result.PreviewURL = ensure.PreviewURL
	result.Diagnostics = append(result.Diagnostics, ensure.Diagnostics...)

	if err := handle.WriteFile(ctx, target, content); err == nil {
		result.SandboxWritten = true
		return result, nil
	} else if ensure.WasRecreated {
		// Fresh sandbox and the write still failed; no point restoring again.
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("sandbox write: %v", err))
		return result, nil
	}

	// The reconnected sandbox accepted the probe but rejected the write.
	// Treat it as dead and retry once on a fresh restore.
	restored, freshHandle, err := s.restorer.Restore(ctx, sessionID, sess.SandboxID)
	if err != nil {
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("sandbox restore: %v", err))
		return result, nil
	}
	result.WasRecreated = true
	result.PreviewURL = restored.PreviewURL
	result.Diagnostics = append(result.Diagnostics, restored.Diagnostics...)

	if err := freshHandle.WriteFile(ctx, target, content); err != nil {
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("sandbox write after restore: %v", err))
		return result, nil
	}
	result.SandboxWritten = true
	return result, nil
}

// ReadFile reads a file from the live sandbox, falling back to the durable
// snapshot when the sandbox is gone. A dead sandbox is not restored just to
// serve a read.
func (s *Service) ReadFile(ctx context.Context, sessionID, claimedSandboxID, filePath string) (*ReadFileResult, error) {
	cleanPath, err := SanitizePath(filePath)
	if err != nil {
		return nil, err
	}

	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(sess, claimedSandboxID); err != nil {
		return nil, err
	}

	if sess.HasSandbox() {
		timeout := time.Duration(s.cfg.TimeoutSec) * time.Second
		if handle, err := s.provider.Connect(ctx, *sess.SandboxID, timeout); err == nil {
			content, err := handle.ReadFile(ctx, s.cfg.ProjectDir+"/"+cleanPath)
			if err == nil {
				return &ReadFileResult{Path: cleanPath, Content: content, Source: "sandbox"}, nil
			}
			s.log.Debug("sandbox read failed, falling back to snapshot",
				"session_id", sessionID, "path", cleanPath, logger.Error(err))
		}
	}

	file, err := s.store.GetFile(ctx, sessionID, cleanPath)
	if err != nil {
		return nil, fmt.Errorf("load snapshot file: %w", err)
	}
	if file == nil {
		return nil, ErrPathInvalid.WithMessage(fmt.Sprintf("file %q not found", cleanPath))
	}
	return &ReadFileResult{Path: cleanPath, Content: file.Content, Source: "snapshot"}, nil
}

// CheckStatus reports the session's sandbox state without mutating anything;
// a dead sandbox is reported as not alive rather than restored.
func (s *Service) CheckStatus(ctx context.Context, sessionID, claimedSandboxID string) (*StatusResult, error) {
	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(sess, claimedSandboxID); err != nil {
		return nil, err
	}

	count, err := s.store.CountFiles(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count snapshot files: %w", err)
	}

	result := &StatusResult{
		SessionID: sessionID,
		FileCount: count,
	}
	if !sess.HasSandbox() {
		return result, nil
	}

	result.HasSandbox = true
	result.SandboxID = *sess.SandboxID
	if sess.PreviewURL != nil {
		result.PreviewURL = *sess.PreviewURL
	}

	timeout := time.Duration(s.cfg.TimeoutSec) * time.Second
	handle, err := s.provider.Connect(ctx, *sess.SandboxID, timeout)
	if err != nil {
		return result, nil
	}
	result.Alive = s.prober.IsAlive(ctx, handle)
	return result, nil
}

// RunCommand executes a shell command inside the session's live sandbox,
// restoring a dead one first. A session with no sandbox recorded is rejected;
// commands never provision implicitly.
func (s *Service) RunCommand(ctx context.Context, sessionID, claimedSandboxID, command string, timeout time.Duration) (*CommandResult, error) {
	if command == "" {
		return nil, ErrPathInvalid.WithMessage("command is empty")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(sess, claimedSandboxID); err != nil {
		return nil, err
	}
	if !sess.HasSandbox() {
		return nil, ErrNoSandbox
	}

	handle, ensure, err := s.ensureLive(ctx, sess)
	if err != nil {
		return nil, err
	}

	runResult, err := handle.Run(ctx, command, timeout)
	if err != nil {
		return nil, ErrNotResponsive.WithInternal(err)
	}
	return &CommandResult{
		ExitCode:     runResult.ExitCode,
		Stdout:       runResult.Stdout,
		Stderr:       runResult.Stderr,
		WasRecreated: ensure.WasRecreated,
		Diagnostics:  ensure.Diagnostics,
	}, nil
}

// Close kills the session's sandbox at the provider. The recorded binding is
// kept so a later operation can restore from the snapshot under the same
// session; killing an already-gone sandbox is a no-op.
func (s *Service) Close(ctx context.Context, sessionID, claimedSandboxID string) error {
	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := checkOwnership(sess, claimedSandboxID); err != nil {
		return err
	}
	if !sess.HasSandbox() {
		return nil
	}

	handle, err := s.provider.Connect(ctx, *sess.SandboxID, time.Second)
	if err != nil {
		s.log.Debug("close: sandbox already gone",
			"session_id", sessionID, "sandbox_id", *sess.SandboxID)
		return nil
	}
	if err := handle.Kill(ctx); err != nil {
		return ErrNotResponsive.WithInternal(err)
	}
	return nil
}

// ensureLive returns a handle to a live sandbox for the session, reconnecting
// to the recorded one when it is healthy and restoring from the snapshot when
// it is dead or missing.
func (s *Service) ensureLive(ctx context.Context, sess *session.Session) (Handle, *EnsureResult, error) {
	timeout := time.Duration(s.cfg.TimeoutSec) * time.Second

	if sess.HasSandbox() {
		handle, err := s.provider.Connect(ctx, *sess.SandboxID, timeout)
		if err == nil && s.prober.IsAlive(ctx, handle) {
			previewURL := ""
			if sess.PreviewURL != nil {
				previewURL = *sess.PreviewURL
			}
			return handle, &EnsureResult{
				SandboxID:  handle.ID(),
				PreviewURL: previewURL,
			}, nil
		}
		s.log.Info("recorded sandbox is dead, restoring from snapshot",
			"session_id", sess.ID, "sandbox_id", *sess.SandboxID)
	}

	restored, handle, err := s.restorer.Restore(ctx, sess.ID, sess.SandboxID)
	if err != nil {
		return nil, nil, err
	}
	return handle, ensureFromRestore(restored, true), nil
}

func (s *Service) getSession(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// checkOwnership rejects operations that claim a sandbox other than the one
// recorded for the session. An empty claim skips the check.
func checkOwnership(sess *session.Session, claimedSandboxID string) error {
	if claimedSandboxID == "" {
		return nil
	}
	if !sess.HasSandbox() || *sess.SandboxID != claimedSandboxID {
		return ErrOwnershipMismatch
	}
	return nil
}

func ensureFromRestore(r *RestoreResult, recreated bool) *EnsureResult {
	return &EnsureResult{
		SandboxID:     r.SandboxID,
		PreviewURL:    r.PreviewURL,
		WasRecreated:  recreated,
		RestoredFiles: r.RestoredFiles,
		TotalFiles:    r.TotalFiles,
		Diagnostics:   r.Diagnostics,
	}
}
