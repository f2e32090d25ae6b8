package rpc

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/agentmux/agentmux/internal/backend"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSanitizeTypedErrorsKeepCode(t *testing.T) {
	err := sanitizeError(discardLogger(), backend.ErrBusy("prompt", "ui_1"), "prompt")
	if !strings.Contains(err.Error(), string(backend.CodeSessionBusy)) {
		t.Errorf("sanitized error lost the code: %v", err)
	}
}

func TestSanitizeHidesUnexpectedDetail(t *testing.T) {
	inner := fmt.Errorf("read /etc/shadow: permission denied")
	err := sanitizeError(discardLogger(), backend.ErrUnexpected("connect", inner), "connect")
	if strings.Contains(err.Error(), "shadow") {
		t.Errorf("internal detail leaked: %v", err)
	}
	if !strings.Contains(err.Error(), "internal error") {
		t.Errorf("expected generic message, got: %v", err)
	}
}

func TestSanitizeHidesInternalPatterns(t *testing.T) {
	err := sanitizeError(discardLogger(), fmt.Errorf("dial tcp 127.0.0.1:9000: connection refused"), "connect")
	if strings.Contains(err.Error(), "127.0.0.1") {
		t.Errorf("internal detail leaked: %v", err)
	}
}

func TestSanitizeNil(t *testing.T) {
	if err := sanitizeError(discardLogger(), nil, "anything"); err != nil {
		t.Errorf("sanitizing nil = %v", err)
	}
}
