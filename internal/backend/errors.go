package backend

import (
	"errors"
	"fmt"
)

// Code classifies an operation failure. Every error crossing the manager
// boundary carries one; the UI decides presentation from it (reconnect
// action vs. inline error vs. disabled input).
type Code string

const (
	// CodeUnknownSession means the operation referenced a UI session id that
	// is not in the registry. UI state can legitimately race ahead of
	// backend teardown, so this is an error, never a crash.
	CodeUnknownSession Code = "unknown_session"
	// CodeBackendUnavailable means connect/reconnect failed to establish
	// transport with the backend.
	CodeBackendUnavailable Code = "backend_unavailable"
	// CodeSessionBusy means a prompt arrived while a turn was in flight and
	// the backend does not queue prompts.
	CodeSessionBusy Code = "session_busy"
	// CodeCapabilityUnsupported means the operation was called against a
	// backend whose descriptor denies it.
	CodeCapabilityUnsupported Code = "capability_unsupported"
	// CodeValidation means the request content was malformed.
	CodeValidation Code = "validation"
	// CodeUnexpected is a backend-internal failure surfaced as-is.
	CodeUnexpected Code = "unexpected"
)

// Error is the typed failure returned by backends and the session manager.
type Error struct {
	Code      Code
	Op        string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.SessionID != "":
		return fmt.Sprintf("%s: session %s: %s: %v", e.Op, e.SessionID, e.Code, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.SessionID != "":
		return fmt.Sprintf("%s: session %s: %s", e.Op, e.SessionID, e.Code)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUnknownSession builds an UnknownSession error for op and session id.
func ErrUnknownSession(op, sessionID string) *Error {
	return &Error{Code: CodeUnknownSession, Op: op, SessionID: sessionID}
}

// ErrUnavailable wraps a transport establishment failure.
func ErrUnavailable(op string, err error) *Error {
	return &Error{Code: CodeBackendUnavailable, Op: op, Err: err}
}

// ErrBusy signals a prompt collision on a non-queuing backend.
func ErrBusy(op, sessionID string) *Error {
	return &Error{Code: CodeSessionBusy, Op: op, SessionID: sessionID}
}

// ErrUnsupported signals an operation denied by the capability descriptor.
func ErrUnsupported(op, sessionID string) *Error {
	return &Error{Code: CodeCapabilityUnsupported, Op: op, SessionID: sessionID}
}

// ErrValidation wraps malformed request content.
func ErrValidation(op string, err error) *Error {
	return &Error{Code: CodeValidation, Op: op, Err: err}
}

// ErrUnexpected wraps a backend-internal failure.
func ErrUnexpected(op string, err error) *Error {
	return &Error{Code: CodeUnexpected, Op: op, Err: err}
}

// CodeOf extracts the code from err, or CodeUnexpected for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnexpected
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
