package sandbox

import (
	"strings"
)

const (
	// MaxPathLen caps sanitized file paths.
	MaxPathLen = 500

	// MaxContentBytes caps file contents accepted by write-file.
	MaxContentBytes = 1_000_000
)

// SanitizePath normalizes a project-relative file path and rejects anything
// that could escape the project directory. Backslashes are treated as path
// separators, absolute paths and any ".." segment are rejected outright
// rather than resolved, and trailing slashes are stripped.
func SanitizePath(path string) (string, error) {
	p := strings.ReplaceAll(path, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", ErrPathInvalid.WithMessage("file path is absolute")
	}
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ErrPathInvalid.WithMessage("file path is empty")
	}
	if len(p) > MaxPathLen {
		return "", ErrPathInvalid.WithMessage("file path too long")
	}
	if strings.ContainsRune(p, '\x00') {
		return "", ErrPathInvalid.WithMessage("file path contains NUL byte")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrPathInvalid.WithMessage("file path escapes project directory")
		}
	}
	return p, nil
}

// ValidateContent enforces the content size cap.
func ValidateContent(content string) error {
	if len(content) > MaxContentBytes {
		return ErrContentTooLarge
	}
	return nil
}
