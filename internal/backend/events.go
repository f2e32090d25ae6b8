// Package backend defines the contract every agent backend implements.
//
// events.go - Normalized event model
//
// Backends convert their native streams (SSE, stdio JSON-RPC) into Event
// values and push them into the EventSink the host attached. Within one
// session events arrive in emit order; ordering across sessions is
// unspecified.
package backend

import "time"

// Event types emitted by backends. Backends may emit additional
// backend-defined types; consumers must tolerate unknown ones.
const (
	EventSessionStatus   = "session.status"
	EventMessage         = "message.updated"
	EventMessagePart     = "message.part.updated"
	EventPermissionAsked = "permission.asked"
	EventQuestionAsked   = "question.asked"
	EventCommandApproval = "command.approval.asked"
	EventSessionError    = "session.error"
	EventSessionRenamed  = "session.renamed"
)

// StatusKind is the per-session status machine state.
type StatusKind string

const (
	StatusIdle  StatusKind = "idle"
	StatusBusy  StatusKind = "busy"
	StatusRetry StatusKind = "retry"
)

// ValidStatusTransition reports whether moving from one status to the next
// is legal. retry is only reachable from busy; a backend emitting
// idle -> retry is misbehaving.
func ValidStatusTransition(from, to StatusKind) bool {
	switch from {
	case StatusIdle:
		return to == StatusBusy || to == StatusIdle
	case StatusBusy:
		return to == StatusIdle || to == StatusRetry || to == StatusBusy
	case StatusRetry:
		return to == StatusBusy || to == StatusIdle
	default:
		return false
	}
}

// StatusPayload accompanies session.status events. Attempt and Next are only
// set for retry so the UI can display (and detect stalled) retry loops.
type StatusPayload struct {
	Type    StatusKind    `json:"type"`
	Attempt int           `json:"attempt,omitempty"`
	Message string        `json:"message,omitempty"`
	Next    time.Duration `json:"next,omitempty"`
}

// Event is one entry in the unified stream delivered to the UI.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	// ChildSessionID is set for sub-agent / forked turns.
	ChildSessionID string         `json:"childSessionId,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Status         *StatusPayload `json:"statusPayload,omitempty"`
	// Generation is the stream epoch this event belongs to; the multiplexer
	// drops events whose generation predates the session's current one.
	Generation uint64 `json:"-"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// EventSink receives backend events. The host attaches one via SetSink
// before any event can be delivered; backends drop (and count) events
// emitted with no sink attached.
type EventSink interface {
	Emit(ev *Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ev *Event)

func (f SinkFunc) Emit(ev *Event) { f(ev) }
