package sandbox

import (
	"context"
	"time"
)

// Provider provisions and reattaches to remote sandboxes. Implementations
// talk to a managed sandbox service; tests substitute fakes.
type Provider interface {
	// Create provisions a fresh sandbox from a template with the given
	// inactivity timeout.
	Create(ctx context.Context, template string, timeout time.Duration) (Handle, error)

	// Connect reattaches to an existing sandbox by id, refreshing its
	// inactivity timeout. Returns an error if the sandbox no longer exists.
	Connect(ctx context.Context, sandboxID string, timeout time.Duration) (Handle, error)
}

// Handle is a live connection to a single sandbox.
type Handle interface {
	// ID returns the provider-assigned sandbox id.
	ID() string

	// Run executes a shell command inside the sandbox and returns its
	// captured output. A non-zero exit code is not an error; err is
	// reserved for transport failures.
	Run(ctx context.Context, command string, timeout time.Duration) (*RunResult, error)

	// WriteFile writes content to an absolute path inside the sandbox,
	// creating parent directories as needed.
	WriteFile(ctx context.Context, path, content string) error

	// ReadFile reads an absolute path inside the sandbox.
	ReadFile(ctx context.Context, path string) (string, error)

	// PublicHost returns the externally reachable host for a port exposed
	// by the sandbox, without scheme.
	PublicHost(port int) string

	// SetTimeout resets the sandbox inactivity timeout.
	SetTimeout(ctx context.Context, timeout time.Duration) error

	// Kill destroys the sandbox. Killing an already-gone sandbox is not an
	// error.
	Kill(ctx context.Context) error
}

// RunResult holds the outcome of a command executed inside a sandbox.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Ok reports whether the command exited zero.
func (r *RunResult) Ok() bool {
	return r.ExitCode == 0
}
