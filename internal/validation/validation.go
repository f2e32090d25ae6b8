// Package validation checks externally supplied identifiers before they
// reach the session manager or the filesystem.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// UI session ids are minted by the request layer ("ui_" plus a UUID)
	// but callers may supply their own; they only need to be shell- and
	// path-safe because they key log lines and store rows.
	uiSessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Backend session ids are opaque but must stay shell- and path-safe
	// because they end up in log file names and store keys.
	backendIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

// ValidateUISessionID checks a UI-facing session identifier.
func ValidateUISessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if len(id) > 128 || !uiSessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID format: %s", id)
	}
	return nil
}

// ValidateBackendSessionID checks a backend-native session identifier.
func ValidateBackendSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("backend session ID cannot be empty")
	}
	if len(id) > 128 || !backendIDRegex.MatchString(id) {
		return fmt.Errorf("invalid backend session ID: %s", id)
	}
	return nil
}

// ValidateWorktreePath checks that a worktree path is absolute, clean, and
// free of traversal segments. The orchestrator never inspects git state;
// this only guards against malformed caller input.
func ValidateWorktreePath(path string) error {
	if path == "" {
		return fmt.Errorf("worktree path cannot be empty")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("worktree path must be absolute: %s", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal detected: %s", path)
	}
	if filepath.Clean(path) != path {
		return fmt.Errorf("worktree path is not clean: %s", path)
	}
	return nil
}

// ValidateRequestID checks a pending-request identifier (backend-assigned,
// opaque, but bounded).
func ValidateRequestID(id string) error {
	if id == "" {
		return fmt.Errorf("request ID cannot be empty")
	}
	if len(id) > 256 {
		return fmt.Errorf("request ID too long")
	}
	return nil
}
