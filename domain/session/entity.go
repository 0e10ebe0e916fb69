package session

import (
	"time"

	"github.com/uptrace/bun"
)

// Status tracks the lifecycle of a project session.
type Status string

const (
	StatusNew      Status = "new"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Session represents a row in the app.sessions table.
//
// SandboxID and PreviewURL identify the session's current live sandbox; they
// are nullable and always updated together. The sandbox itself is ephemeral,
// only its id and derived preview endpoint are persisted here.
type Session struct {
	bun.BaseModel `bun:"table:app.sessions,alias:s"`

	ID         string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	SandboxID  *string   `bun:"sandbox_id" json:"sandbox_id,omitempty"`
	PreviewURL *string   `bun:"preview_url" json:"preview_url,omitempty"`
	Status     Status    `bun:"status,notnull,default:'new'" json:"status"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt  time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// HasSandbox reports whether the session currently records a sandbox.
func (s *Session) HasSandbox() bool {
	return s.SandboxID != nil && *s.SandboxID != ""
}

// ProjectFile represents a row in the app.project_files table.
//
// One row per (session, relative path). Content is the last value ever
// written through the write-file entry point, independent of sandbox state.
// The durable snapshot is the source of truth and the sandbox filesystem is
// a disposable cache of it.
type ProjectFile struct {
	bun.BaseModel `bun:"table:app.project_files,alias:pf"`

	ID        string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	SessionID string    `bun:"session_id,notnull,type:uuid" json:"session_id"`
	Path      string    `bun:"path,notnull" json:"path"`
	Content   string    `bun:"content,notnull" json:"content"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// DatabaseConnection records a session's hosted-database binding. When
// connected, the url and anon key are written into the sandbox's env file
// during a restore.
type DatabaseConnection struct {
	bun.BaseModel `bun:"table:app.database_connections,alias:dc"`

	SessionID string    `bun:"session_id,pk,type:uuid" json:"session_id"`
	Connected bool      `bun:"connected,notnull" json:"connected"`
	URL       string    `bun:"url,notnull" json:"url"`
	AnonKey   string    `bun:"anon_key,notnull" json:"anon_key"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}
