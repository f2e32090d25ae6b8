// Package backend defines the contract every agent backend implements.
//
// backend.go - Backend interface and Kind enum
//
// A Backend is one agent execution family (the opencode subprocess server,
// the claudecode stdio agent). The session manager dispatches on Kind; it
// never inspects a backend structurally. Capability flags are declarative
// truth: a backend must not expose an operation's side effects unless the
// matching flag is set, and the manager does not re-validate per call.
package backend

import "context"

// Kind identifies a backend family.
type Kind string

const (
	KindOpenCode   Kind = "opencode"
	KindClaudeCode Kind = "claudecode"
)

// Valid reports whether k names a known backend family.
func (k Kind) Valid() bool {
	return k == KindOpenCode || k == KindClaudeCode
}

// ConnectRequest contains parameters for establishing a session.
type ConnectRequest struct {
	WorktreePath string
	UISessionID  string
	// Generation stamps every event the backend emits for this session;
	// the multiplexer drops events from superseded generations.
	Generation uint64
	Model      string
	Mode       string
}

// ConnectResult is returned once a backend session exists.
type ConnectResult struct {
	BackendSessionID string
}

// ReconnectRequest re-attaches to a backend session that survived a UI restart.
type ReconnectRequest struct {
	WorktreePath     string
	UISessionID      string
	BackendSessionID string
	Generation       uint64
}

// ReconnectResult reports the re-attached session's state.
type ReconnectResult struct {
	BackendSessionID string
	RevertMessageID  string
}

// Backend is the uniform operation set every agent backend implements.
// Connect and Reconnect may block on process startup or handshake; callers
// bound them with the ctx they pass in. All other operations are routed by
// UI session id.
type Backend interface {
	Kind() Kind
	Capabilities() Capabilities

	// Connection lifecycle.
	Connect(ctx context.Context, req *ConnectRequest) (*ConnectResult, error)
	Reconnect(ctx context.Context, req *ReconnectRequest) (*ReconnectResult, error)
	Disconnect(ctx context.Context, uiSessionID string) error
	// Cleanup releases all resources held for a worktree (the shared server
	// process or agent subprocesses). Called when the last session for the
	// worktree disconnects and again on app shutdown.
	Cleanup(ctx context.Context, worktreePath string) error

	// Turn lifecycle. Prompt returns once the message is accepted; output
	// arrives on the event stream. Abort is a best-effort signal.
	Prompt(ctx context.Context, uiSessionID string, content Prompt, model string) error
	Abort(ctx context.Context, uiSessionID string) bool
	Messages(ctx context.Context, uiSessionID string) ([]Message, error)

	// Model negotiation.
	ListModels(ctx context.Context, uiSessionID string) ([]ModelInfo, error)
	ModelInfo(ctx context.Context, uiSessionID string) (*ModelInfo, error)
	SetModel(ctx context.Context, uiSessionID, modelID string) error

	// Session introspection.
	SessionInfo(ctx context.Context, uiSessionID string) (*SessionInfo, error)

	// Interactive gating. Request ids are backend-assigned and opaque.
	QuestionReply(ctx context.Context, requestID string, answers []string) error
	QuestionReject(ctx context.Context, requestID string) error
	PermissionReply(ctx context.Context, requestID string, reply PermissionReply) error
	PermissionList(ctx context.Context, uiSessionID string) ([]PermissionRequest, error)

	// History control. Backends without the Undo/Redo capability return a
	// CapabilityUnsupported error rather than silently succeeding.
	Undo(ctx context.Context, uiSessionID string) (*RevertPointer, error)
	Redo(ctx context.Context, uiSessionID string) (*RevertPointer, error)

	// Extensibility.
	ListCommands(ctx context.Context, uiSessionID string) ([]Command, error)
	SendCommand(ctx context.Context, uiSessionID, command, arguments string) error
	RenameSession(ctx context.Context, uiSessionID, title string) error

	// SetSink attaches the event sink. Events emitted before a sink is
	// attached are dropped (and counted); backends do not buffer them.
	SetSink(sink EventSink)

	// Close releases every resource across all worktrees.
	Close() error
}
