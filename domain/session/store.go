package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/kmugalkhod/Promptly-V3-sub001/pkg/logger"
)

// ErrSandboxConflict is returned by UpdateSandbox when the session's recorded
// sandbox no longer matches the expected value, meaning a concurrent restore
// won the publish race.
var ErrSandboxConflict = errors.New("session sandbox changed concurrently")

// Store provides persistence for sessions, their file snapshots, and
// database connection records.
type Store struct {
	db  bun.IDB
	log *slog.Logger
}

func NewStore(db bun.IDB, log *slog.Logger) *Store {
	return &Store{db: db, log: log.With(logger.Scope("session.store"))}
}

// CreateSession inserts a new session row and returns it.
func (s *Store) CreateSession(ctx context.Context) (*Session, error) {
	sess := &Session{Status: StatusNew}
	if _, err := s.db.NewInsert().
		Model(sess).
		Returning("*").
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession fetches a session by id. Returns (nil, nil) when no row exists.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := new(Session)
	err := s.db.NewSelect().
		Model(sess).
		Where("s.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	return sess, nil
}

// UpdateSandbox publishes a new sandbox binding for the session using
// compare-and-set semantics: the update only applies while the session still
// records the expected sandbox id (nil means "no sandbox recorded"). When the
// row has moved on, ErrSandboxConflict is returned and the caller must treat
// its own sandbox as the loser of the race.
func (s *Store) UpdateSandbox(ctx context.Context, id string, expected *string, sandboxID, previewURL string, status Status) error {
	res, err := s.db.NewUpdate().
		Model((*Session)(nil)).
		Set("sandbox_id = ?", sandboxID).
		Set("preview_url = ?", previewURL).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("sandbox_id IS NOT DISTINCT FROM ?", expected).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update session sandbox: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session sandbox: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSandboxConflict
	}
	return nil
}

// ClearSandbox removes the session's sandbox binding unconditionally. Used
// when archiving a session, not during restore races.
func (s *Store) ClearSandbox(ctx context.Context, id string, status Status) error {
	_, err := s.db.NewUpdate().
		Model((*Session)(nil)).
		Set("sandbox_id = NULL").
		Set("preview_url = NULL").
		Set("status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("clear session sandbox: %w", err)
	}
	return nil
}

// UpdateStatus sets the session lifecycle status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	_, err := s.db.NewUpdate().
		Model((*Session)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// ListSessionsWithSandbox returns all sessions that currently record a
// sandbox binding. Used by the advisory monitor.
func (s *Store) ListSessionsWithSandbox(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := s.db.NewSelect().
		Model(&sessions).
		Where("s.sandbox_id IS NOT NULL").
		Order("s.updated_at ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("list sessions with sandbox: %w", err)
	}
	return sessions, nil
}

// UpsertFile writes a file snapshot for the session, replacing any previous
// content at the same path.
func (s *Store) UpsertFile(ctx context.Context, sessionID, path, content string) error {
	file := &ProjectFile{
		SessionID: sessionID,
		Path:      path,
		Content:   content,
		UpdatedAt: time.Now(),
	}
	_, err := s.db.NewInsert().
		Model(file).
		On("CONFLICT (session_id, path) DO UPDATE").
		Set("content = EXCLUDED.content").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert project file: %w", err)
	}
	return nil
}

// GetFile fetches a single file snapshot. Returns (nil, nil) when the session
// has no snapshot at that path.
func (s *Store) GetFile(ctx context.Context, sessionID, path string) (*ProjectFile, error) {
	file := new(ProjectFile)
	err := s.db.NewSelect().
		Model(file).
		Where("pf.session_id = ?", sessionID).
		Where("pf.path = ?", path).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select project file: %w", err)
	}
	return file, nil
}

// ListFiles returns all file snapshots for the session ordered by path, which
// keeps restore replay deterministic.
func (s *Store) ListFiles(ctx context.Context, sessionID string) ([]ProjectFile, error) {
	var files []ProjectFile
	if err := s.db.NewSelect().
		Model(&files).
		Where("pf.session_id = ?", sessionID).
		Order("pf.path ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("list project files: %w", err)
	}
	return files, nil
}

// CountFiles returns the number of snapshot rows for the session.
func (s *Store) CountFiles(ctx context.Context, sessionID string) (int, error) {
	count, err := s.db.NewSelect().
		Model((*ProjectFile)(nil)).
		Where("pf.session_id = ?", sessionID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count project files: %w", err)
	}
	return count, nil
}

// GetDatabaseConnection returns the session's database binding, or (nil, nil)
// when the session has none or the binding is not connected.
func (s *Store) GetDatabaseConnection(ctx context.Context, sessionID string) (*DatabaseConnection, error) {
	conn := new(DatabaseConnection)
	err := s.db.NewSelect().
		Model(conn).
		Where("dc.session_id = ?", sessionID).
		Where("dc.connected = true").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select database connection: %w", err)
	}
	return conn, nil
}

// SetDatabaseConnection records or replaces the session's database binding.
func (s *Store) SetDatabaseConnection(ctx context.Context, conn *DatabaseConnection) error {
	conn.UpdatedAt = time.Now()
	_, err := s.db.NewInsert().
		Model(conn).
		On("CONFLICT (session_id) DO UPDATE").
		Set("connected = EXCLUDED.connected").
		Set("url = EXCLUDED.url").
		Set("anon_key = EXCLUDED.anon_key").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert database connection: %w", err)
	}
	return nil
}
