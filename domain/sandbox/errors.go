package sandbox

import (
	"net/http"

	"github.com/kmugalkhod/Promptly-V3-sub001/pkg/apperror"
)

// Sandbox error definitions. All are apperror values so handlers can return
// them directly and the HTTP error handler maps them to status codes.
var (
	// ErrProviderUnavailable is returned when the sandbox provider is not
	// configured or its control plane cannot be reached.
	ErrProviderUnavailable = apperror.New(http.StatusServiceUnavailable, "provider_unavailable", "Sandbox provider unavailable")

	// ErrNotResponsive is returned when a sandbox exists but fails the
	// liveness probe and cannot be recovered.
	ErrNotResponsive = apperror.New(http.StatusServiceUnavailable, "sandbox_not_responsive", "Sandbox is not responding")

	// ErrOwnershipMismatch is returned when the caller supplies a sandbox id
	// that does not match the one recorded for the session.
	ErrOwnershipMismatch = apperror.New(http.StatusConflict, "sandbox_ownership_mismatch", "Sandbox does not belong to this session")

	// ErrSandboxConflict is returned when a concurrent restore published a
	// different sandbox for the session first.
	ErrSandboxConflict = apperror.New(http.StatusConflict, "sandbox_conflict", "Session sandbox changed concurrently")

	// ErrPathInvalid is returned for file paths that fail sanitization.
	ErrPathInvalid = apperror.New(http.StatusBadRequest, "path_invalid", "Invalid file path")

	// ErrContentTooLarge is returned for file contents above the size cap.
	ErrContentTooLarge = apperror.New(http.StatusBadRequest, "content_too_large", "File content exceeds size limit")

	// ErrSessionNotFound is returned when the target session does not exist.
	ErrSessionNotFound = apperror.New(http.StatusNotFound, "session_not_found", "Session not found")

	// ErrNoSandbox is returned by operations that require a live sandbox when
	// the session has none recorded.
	ErrNoSandbox = apperror.New(http.StatusNotFound, "no_sandbox", "Session has no sandbox")
)
