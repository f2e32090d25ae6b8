package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentmux/agentmux/internal/backend"
)

// internalErrorPatterns are substrings that indicate backend-internal
// failures whose details should not leak to clients.
var internalErrorPatterns = []string{
	"failed to exec",
	"failed to start",
	"connection refused",
	"no such file",
	"permission denied",
	"context canceled",
	"EOF",
}

// sanitizeError returns a client-safe error. Typed backend errors carry
// their code through; untyped internals are logged and replaced with a
// generic message.
func sanitizeError(log *slog.Logger, err error, operation string) error {
	if err == nil {
		return nil
	}

	var berr *backend.Error
	if errors.As(err, &berr) {
		switch berr.Code {
		case backend.CodeUnexpected:
			// Internal detail stays in the logs.
			log.Error("operation failed", "op", operation, "error", err)
			return fmt.Errorf("[%s] %s failed: internal error", berr.Code, operation)
		default:
			return fmt.Errorf("[%s] %s", berr.Code, berr.Error())
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range internalErrorPatterns {
		if strings.Contains(errStr, strings.ToLower(pattern)) {
			log.Error("operation failed", "op", operation, "error", err)
			return fmt.Errorf("%s failed: internal error", operation)
		}
	}

	return fmt.Errorf("%s failed: %s", operation, err.Error())
}
