package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBackend() *Backend {
	return New(config.Default().ClaudeCode, discardLogger())
}

// newPipedSession registers a session whose agent writes to a pipe instead
// of a real subprocess. The returned reader sees everything the backend
// would send the agent.
func newPipedSession(b *Backend, uiSessionID string) (*session, *bufio.Reader) {
	r, w := io.Pipe()
	sess := &session{
		uiSessionID:      uiSessionID,
		backendSessionID: "native-1",
		worktree:         "/w",
		agent: &agent{
			stdin:   w,
			log:     discardLogger(),
			exited:  make(chan struct{}),
			pending: make(map[string]chan rpcResult),
		},
	}
	b.mu.Lock()
	b.sessions[uiSessionID] = sess
	b.mu.Unlock()
	return sess, bufio.NewReader(r)
}

func TestCapabilitiesDenyHistoryControl(t *testing.T) {
	caps := newTestBackend().Capabilities()
	if caps.Undo || caps.Redo || caps.Commands || caps.Questions {
		t.Errorf("capabilities claim unsupported operations: %+v", caps)
	}
	if !caps.PermissionRequests || !caps.ModelSelection || !caps.Reconnect {
		t.Errorf("capabilities missing expected flags: %+v", caps)
	}
	if caps.PromptQueue {
		t.Error("prompts are rejected mid-turn; PromptQueue must be unset")
	}
}

func TestUnsupportedOperationsReturnTypedError(t *testing.T) {
	b := newTestBackend()
	ctx := context.Background()

	if _, err := b.Undo(ctx, "ui-1"); !backend.IsCode(err, backend.CodeCapabilityUnsupported) {
		t.Errorf("Undo error code = %v, want capability_unsupported", backend.CodeOf(err))
	}
	if _, err := b.Redo(ctx, "ui-1"); !backend.IsCode(err, backend.CodeCapabilityUnsupported) {
		t.Errorf("Redo error code = %v, want capability_unsupported", backend.CodeOf(err))
	}
	if _, err := b.ListCommands(ctx, "ui-1"); !backend.IsCode(err, backend.CodeCapabilityUnsupported) {
		t.Errorf("ListCommands error code = %v, want capability_unsupported", backend.CodeOf(err))
	}
	if err := b.SendCommand(ctx, "ui-1", "review", ""); !backend.IsCode(err, backend.CodeCapabilityUnsupported) {
		t.Errorf("SendCommand error code = %v, want capability_unsupported", backend.CodeOf(err))
	}
	if err := b.QuestionReply(ctx, "q-1", []string{"yes"}); !backend.IsCode(err, backend.CodeCapabilityUnsupported) {
		t.Errorf("QuestionReply error code = %v, want capability_unsupported", backend.CodeOf(err))
	}
}

func TestPromptWhileBusyRejected(t *testing.T) {
	b := newTestBackend()
	sess, _ := newPipedSession(b, "ui-1")
	sess.agent.setBusy(true)

	err := b.Prompt(context.Background(), "ui-1", backend.TextPrompt("next"), "")
	if !backend.IsCode(err, backend.CodeSessionBusy) {
		t.Errorf("error code = %v, want session_busy", backend.CodeOf(err))
	}
}

func TestPromptEmptyRejected(t *testing.T) {
	b := newTestBackend()
	newPipedSession(b, "ui-1")

	err := b.Prompt(context.Background(), "ui-1", backend.Prompt{}, "")
	if !backend.IsCode(err, backend.CodeValidation) {
		t.Errorf("error code = %v, want validation", backend.CodeOf(err))
	}
}

func TestPromptUnknownSession(t *testing.T) {
	b := newTestBackend()

	err := b.Prompt(context.Background(), "ui-missing", backend.TextPrompt("hi"), "")
	if !backend.IsCode(err, backend.CodeUnknownSession) {
		t.Errorf("error code = %v, want unknown_session", backend.CodeOf(err))
	}
}

func TestPromptMarksSessionBusy(t *testing.T) {
	b := newTestBackend()
	sess, r := newPipedSession(b, "ui-1")

	done := make(chan error, 1)
	go func() {
		done <- b.Prompt(context.Background(), "ui-1", backend.TextPrompt("hello"), "claude-sonnet-4-5")
	}()

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read prompt request: %v", err)
	}
	var req struct {
		Method string `json:"method"`
		Params struct {
			Parts []promptPart `json:"parts"`
			Model string       `json:"model"`
		} `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		t.Fatalf("decode prompt request: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Prompt() returned error: %v", err)
	}

	if req.Method != methodPrompt {
		t.Errorf("method = %q, want %q", req.Method, methodPrompt)
	}
	if len(req.Params.Parts) != 1 || req.Params.Parts[0].Text != "hello" {
		t.Errorf("parts = %+v", req.Params.Parts)
	}
	if req.Params.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", req.Params.Model)
	}
	if !sess.agent.isBusy() {
		t.Error("session should be busy after prompt accepted")
	}
}

func TestPermissionRoundTrip(t *testing.T) {
	b := newTestBackend()
	sess, r := newPipedSession(b, "ui-1")

	var asked *backend.Event
	b.SetSink(backend.SinkFunc(func(ev *backend.Event) {
		if ev.Type == backend.EventPermissionAsked {
			asked = ev
		}
	}))

	b.surfacePermission(sess, "rpc-42", map[string]any{
		"toolName": "bash",
		"patterns": []any{"go test *"},
	})

	if asked == nil {
		t.Fatal("permission.asked event not emitted")
	}
	requestID, _ := asked.Data["id"].(string)
	if requestID == "" {
		t.Fatal("event carries no request id")
	}
	if asked.SessionID != "ui-1" {
		t.Errorf("SessionID = %q, want 'ui-1'", asked.SessionID)
	}

	pending, err := b.PermissionList(context.Background(), "ui-1")
	if err != nil {
		t.Fatalf("PermissionList() returned error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != requestID {
		t.Errorf("pending = %+v, want the surfaced request", pending)
	}

	done := make(chan error, 1)
	go func() {
		done <- b.PermissionReply(context.Background(), requestID, backend.PermissionReply{
			Allow:    true,
			Remember: backend.RememberAllow,
		})
	}()

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read permission response: %v", err)
	}
	var resp struct {
		ID     string `json:"id"`
		Result struct {
			SelectedOption string `json:"selectedOption"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("decode permission response: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("PermissionReply() returned error: %v", err)
	}

	if resp.ID != "rpc-42" {
		t.Errorf("rpc id = %q, want 'rpc-42'", resp.ID)
	}
	if resp.Result.SelectedOption != "proceed_always" {
		t.Errorf("selectedOption = %q, want 'proceed_always'", resp.Result.SelectedOption)
	}

	// The reply consumed the pending entry; a second reply is unknown.
	err = b.PermissionReply(context.Background(), requestID, backend.PermissionReply{Allow: false})
	if !backend.IsCode(err, backend.CodeUnknownSession) {
		t.Errorf("second reply error code = %v, want unknown_session", backend.CodeOf(err))
	}
}

func TestRenameStoresTitleAndEmits(t *testing.T) {
	b := newTestBackend()
	newPipedSession(b, "ui-1")

	var renamed *backend.Event
	b.SetSink(backend.SinkFunc(func(ev *backend.Event) { renamed = ev }))

	if err := b.RenameSession(context.Background(), "ui-1", "fix flaky tests"); err != nil {
		t.Fatalf("RenameSession() returned error: %v", err)
	}

	info, err := b.SessionInfo(context.Background(), "ui-1")
	if err != nil {
		t.Fatalf("SessionInfo() returned error: %v", err)
	}
	if info.Title != "fix flaky tests" {
		t.Errorf("Title = %q", info.Title)
	}
	if renamed == nil || renamed.Type != backend.EventSessionRenamed {
		t.Errorf("expected session.renamed event, got %+v", renamed)
	}
}

func TestReplaceSessionReapsDisplacedAgent(t *testing.T) {
	b := newTestBackend()
	old, reader := newPipedSession(b, "ui-1")
	close(old.agent.exited) // pretend the process reaps instantly
	go func() {
		// Drain the interrupt the close handshake writes.
		_, _ = io.Copy(io.Discard, reader)
	}()

	b.mu.Lock()
	b.requests["perm-1"] = &pendingPermission{sess: old, rpcID: "1"}
	b.mu.Unlock()

	repl := &session{
		uiSessionID:      "ui-1",
		backendSessionID: "native-2",
		worktree:         "/w",
		agent: &agent{
			stdin:   nopWriteCloser{},
			log:     discardLogger(),
			exited:  make(chan struct{}),
			pending: make(map[string]chan rpcResult),
		},
	}
	b.replaceSession(repl)

	old.agent.mu.Lock()
	closed := old.agent.closed
	old.agent.mu.Unlock()
	if !closed {
		t.Error("displaced agent was not closed")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions["ui-1"] != repl {
		t.Error("replacement session not installed")
	}
	if _, ok := b.requests["perm-1"]; ok {
		t.Error("pending request for the displaced session survived")
	}
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
