// Package claudecode implements the SDK-family stdio backend.
//
// backend.go - backend.Backend implementation
//
// This file contains:
// - Backend struct tracking one agent subprocess per session
// - Connection lifecycle (Connect, Reconnect, Disconnect, Cleanup)
// - Capability gating: no undo/redo, no commands, no question prompts
// - Permission request bookkeeping for the reply path
package claudecode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/metrics"
)

// capabilities is the one descriptor for every claudecode session. Prompts
// sent mid-turn are rejected, not queued.
var capabilities = backend.Capabilities{
	PermissionRequests: true,
	ModelSelection:     true,
	Reconnect:          true,
	PartialStreaming:   true,
}

// session is one UI session backed by its own agent subprocess.
type session struct {
	uiSessionID      string
	backendSessionID string
	worktree         string
	generation       uint64
	agent            *agent

	mu    sync.Mutex
	model string
	title string
}

// pendingPermission links a surfaced request id to the agent-side rpc id.
type pendingPermission struct {
	sess    *session
	rpcID   string
	request backend.PermissionRequest
}

// Backend implements backend.Backend with one subprocess per session.
type Backend struct {
	cfg config.ClaudeCodeConfig
	log *slog.Logger

	mu       sync.RWMutex
	sink     backend.EventSink
	sessions map[string]*session // uiSessionID -> session
	// requests maps surfaced permission request ids to their agent rpc ids.
	requests map[string]*pendingPermission
}

var _ backend.Backend = (*Backend)(nil)

// New creates the claudecode backend.
func New(cfg config.ClaudeCodeConfig, log *slog.Logger) *Backend {
	return &Backend{
		cfg:      cfg,
		log:      log.With("backend", string(backend.KindClaudeCode)),
		sessions: make(map[string]*session),
		requests: make(map[string]*pendingPermission),
	}
}

func (b *Backend) Kind() backend.Kind {
	return backend.KindClaudeCode
}

func (b *Backend) Capabilities() backend.Capabilities {
	return capabilities
}

func (b *Backend) SetSink(sink backend.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Connect spawns an agent subprocess and initializes a fresh session.
func (b *Backend) Connect(ctx context.Context, req *backend.ConnectRequest) (*backend.ConnectResult, error) {
	model := req.Model
	if model == "" {
		model = b.cfg.DefaultModel
	}

	sess, err := b.startSession(ctx, req.UISessionID, req.WorktreePath, req.Generation, initializeParams{
		Cwd:   req.WorktreePath,
		Model: model,
		Mode:  req.Mode,
	}, model)
	if err != nil {
		return nil, backend.ErrUnavailable("connect", err)
	}

	b.log.Info("session connected", "ui_session", req.UISessionID, "backend_session", sess.backendSessionID, "worktree", req.WorktreePath)
	return &backend.ConnectResult{BackendSessionID: sess.backendSessionID}, nil
}

// Reconnect spawns a subprocess that resumes a native session id.
func (b *Backend) Reconnect(ctx context.Context, req *backend.ReconnectRequest) (*backend.ReconnectResult, error) {
	sess, err := b.startSession(ctx, req.UISessionID, req.WorktreePath, req.Generation, initializeParams{
		Cwd:    req.WorktreePath,
		Resume: req.BackendSessionID,
		Model:  b.cfg.DefaultModel,
	}, b.cfg.DefaultModel)
	if err != nil {
		return nil, backend.ErrUnavailable("reconnect", err)
	}
	return &backend.ReconnectResult{BackendSessionID: sess.backendSessionID}, nil
}

func (b *Backend) startSession(ctx context.Context, uiSessionID, worktree string, generation uint64, params initializeParams, model string) (*session, error) {
	ag, err := startAgent(ctx, b.cfg.Command, b.cfg.Args, worktree, b.log)
	if err != nil {
		return nil, err
	}

	sess := &session{
		uiSessionID: uiSessionID,
		worktree:    worktree,
		generation:  generation,
		agent:       ag,
		model:       model,
	}
	ag.setHandlers(handlers{
		onEvent:      func(ev *backend.Event) { b.emit(sess, ev) },
		onPermission: func(rpcID string, p map[string]any) { b.surfacePermission(sess, rpcID, p) },
	})

	nativeID, err := ag.initialize(ctx, params)
	if err != nil {
		ag.close()
		return nil, err
	}
	sess.backendSessionID = nativeID

	b.replaceSession(sess)
	return sess, nil
}

// replaceSession installs sess, reaping any still-live session it displaces
// (a reconnect of a live session) so every ui session holds at most one
// agent subprocess.
func (b *Backend) replaceSession(sess *session) {
	b.mu.Lock()
	displaced := b.sessions[sess.uiSessionID]
	b.sessions[sess.uiSessionID] = sess
	if displaced != nil {
		for id, pp := range b.requests {
			if pp.sess == displaced {
				delete(b.requests, id)
			}
		}
	}
	b.mu.Unlock()

	if displaced != nil {
		displaced.agent.close()
		metrics.BackendProcesses.WithLabelValues(string(backend.KindClaudeCode)).Dec()
	}
	metrics.BackendProcesses.WithLabelValues(string(backend.KindClaudeCode)).Inc()
}

// Disconnect terminates the session's subprocess. The native session id
// stays resumable on disk for a later Reconnect.
func (b *Backend) Disconnect(ctx context.Context, uiSessionID string) error {
	b.mu.Lock()
	sess, ok := b.sessions[uiSessionID]
	if !ok {
		b.mu.Unlock()
		return backend.ErrUnknownSession("disconnect", uiSessionID)
	}
	delete(b.sessions, uiSessionID)
	for id, pp := range b.requests {
		if pp.sess == sess {
			delete(b.requests, id)
		}
	}
	b.mu.Unlock()

	sess.agent.close()
	metrics.BackendProcesses.WithLabelValues(string(backend.KindClaudeCode)).Dec()
	return nil
}

// Cleanup terminates any remaining subprocesses for a worktree. Normally a
// no-op: each Disconnect already reaped its own subprocess.
func (b *Backend) Cleanup(ctx context.Context, worktreePath string) error {
	b.mu.Lock()
	var stale []*session
	for id, sess := range b.sessions {
		if sess.worktree == worktreePath {
			stale = append(stale, sess)
			delete(b.sessions, id)
		}
	}
	b.mu.Unlock()

	for _, sess := range stale {
		sess.agent.close()
		metrics.BackendProcesses.WithLabelValues(string(backend.KindClaudeCode)).Dec()
	}
	return nil
}

// Prompt submits a turn. A prompt while a turn is in flight is rejected;
// this backend does not queue.
func (b *Backend) Prompt(ctx context.Context, uiSessionID string, content backend.Prompt, model string) error {
	sess, err := b.lookup("prompt", uiSessionID)
	if err != nil {
		return err
	}
	if err := content.Validate(); err != nil {
		return backend.ErrValidation("prompt", err)
	}
	if sess.agent.isBusy() {
		return backend.ErrBusy("prompt", uiSessionID)
	}

	if model == "" {
		sess.mu.Lock()
		model = sess.model
		sess.mu.Unlock()
	}

	parts := make([]promptPart, 0, len(content.Parts)+1)
	for _, p := range content.Flatten() {
		switch p.Type {
		case backend.PartText:
			parts = append(parts, promptPart{Type: "text", Text: p.Text})
		case backend.PartFile:
			parts = append(parts, promptPart{Type: "file", Path: p.Path, Mime: p.MimeType})
		}
	}

	if err := sess.agent.notify(methodPrompt, promptParams{Parts: parts, Model: model}); err != nil {
		return backend.ErrUnexpected("prompt", err)
	}
	sess.agent.setBusy(true)
	return nil
}

func (b *Backend) Abort(ctx context.Context, uiSessionID string) bool {
	sess, err := b.lookup("abort", uiSessionID)
	if err != nil {
		return false
	}
	return sess.agent.notify(methodInterrupt, nil) == nil
}

func (b *Backend) Messages(ctx context.Context, uiSessionID string) ([]backend.Message, error) {
	sess, err := b.lookup("messages", uiSessionID)
	if err != nil {
		return nil, err
	}

	result, err := sess.agent.call(ctx, methodMessages, nil)
	if err != nil {
		return nil, backend.ErrUnexpected("messages", err)
	}

	var parsed struct {
		Messages []struct {
			ID      string `json:"id"`
			Role    string `json:"role"`
			Text    string `json:"text"`
			Created int64  `json:"created"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, backend.ErrUnexpected("messages", err)
	}

	messages := make([]backend.Message, 0, len(parsed.Messages))
	for _, m := range parsed.Messages {
		msg := backend.Message{ID: m.ID, Role: m.Role}
		if m.Text != "" {
			msg.Parts = []backend.Part{{Type: backend.PartText, Text: m.Text}}
		}
		if m.Created > 0 {
			msg.CreatedAt = time.UnixMilli(m.Created)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (b *Backend) ListModels(ctx context.Context, uiSessionID string) ([]backend.ModelInfo, error) {
	sess, err := b.lookup("list_models", uiSessionID)
	if err != nil {
		return nil, err
	}

	result, err := sess.agent.call(ctx, methodListModels, nil)
	if err != nil {
		return nil, backend.ErrUnexpected("list_models", err)
	}

	var parsed struct {
		Models []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Default bool   `json:"default"`
		} `json:"models"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, backend.ErrUnexpected("list_models", err)
	}

	models := make([]backend.ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, backend.ModelInfo{ID: m.ID, Name: m.Name, Default: m.Default})
	}
	return models, nil
}

func (b *Backend) ModelInfo(ctx context.Context, uiSessionID string) (*backend.ModelInfo, error) {
	sess, err := b.lookup("model_info", uiSessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &backend.ModelInfo{ID: sess.model}, nil
}

func (b *Backend) SetModel(ctx context.Context, uiSessionID, modelID string) error {
	sess, err := b.lookup("set_model", uiSessionID)
	if err != nil {
		return err
	}
	if modelID == "" {
		return backend.ErrValidation("set_model", fmt.Errorf("empty model id"))
	}
	if _, err := sess.agent.call(ctx, methodSetModel, map[string]string{"model": modelID}); err != nil {
		return backend.ErrUnexpected("set_model", err)
	}
	sess.mu.Lock()
	sess.model = modelID
	sess.mu.Unlock()
	return nil
}

func (b *Backend) SessionInfo(ctx context.Context, uiSessionID string) (*backend.SessionInfo, error) {
	sess, err := b.lookup("session_info", uiSessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &backend.SessionInfo{BackendSessionID: sess.backendSessionID, Title: sess.title}, nil
}

// Question prompts are not part of this backend's protocol.
func (b *Backend) QuestionReply(ctx context.Context, requestID string, answers []string) error {
	return backend.ErrUnsupported("question_reply", requestID)
}

func (b *Backend) QuestionReject(ctx context.Context, requestID string) error {
	return backend.ErrUnsupported("question_reject", requestID)
}

func (b *Backend) PermissionReply(ctx context.Context, requestID string, reply backend.PermissionReply) error {
	b.mu.Lock()
	pp, ok := b.requests[requestID]
	if ok {
		delete(b.requests, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return backend.ErrUnknownSession("permission_reply", requestID)
	}

	option := "reject_once"
	if reply.Allow {
		option = "proceed_once"
		if reply.Remember == backend.RememberAllow {
			option = "proceed_always"
		}
	} else if reply.Remember == backend.RememberBlock {
		option = "reject_always"
	}

	if err := pp.sess.agent.respondPermission(pp.rpcID, map[string]any{"selectedOption": option}); err != nil {
		return backend.ErrUnexpected("permission_reply", err)
	}
	return nil
}

func (b *Backend) PermissionList(ctx context.Context, uiSessionID string) ([]backend.PermissionRequest, error) {
	sess, err := b.lookup("permission_list", uiSessionID)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	var requests []backend.PermissionRequest
	for _, pp := range b.requests {
		if pp.sess == sess {
			requests = append(requests, pp.request)
		}
	}
	return requests, nil
}

// History control is not supported; the descriptor says so and callers get
// a typed error rather than a silent no-op.
func (b *Backend) Undo(ctx context.Context, uiSessionID string) (*backend.RevertPointer, error) {
	return nil, backend.ErrUnsupported("undo", uiSessionID)
}

func (b *Backend) Redo(ctx context.Context, uiSessionID string) (*backend.RevertPointer, error) {
	return nil, backend.ErrUnsupported("redo", uiSessionID)
}

func (b *Backend) ListCommands(ctx context.Context, uiSessionID string) ([]backend.Command, error) {
	return nil, backend.ErrUnsupported("list_commands", uiSessionID)
}

func (b *Backend) SendCommand(ctx context.Context, uiSessionID, command, arguments string) error {
	return backend.ErrUnsupported("send_command", uiSessionID)
}

// RenameSession stores the title locally; the agent has no title concept.
func (b *Backend) RenameSession(ctx context.Context, uiSessionID, title string) error {
	sess, err := b.lookup("rename_session", uiSessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.title = title
	sess.mu.Unlock()

	b.emit(sess, &backend.Event{
		Type:      backend.EventSessionRenamed,
		Data:      map[string]any{"title": title},
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

// Close terminates every subprocess.
func (b *Backend) Close() error {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, sess)
	}
	b.sessions = make(map[string]*session)
	b.requests = make(map[string]*pendingPermission)
	b.mu.Unlock()

	for _, sess := range sessions {
		sess.agent.close()
		metrics.BackendProcesses.WithLabelValues(string(backend.KindClaudeCode)).Dec()
	}
	return nil
}

// emit stamps and delivers one event for a session.
func (b *Backend) emit(sess *session, ev *backend.Event) {
	ev.SessionID = sess.uiSessionID
	ev.Generation = sess.generation

	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()

	if sink == nil {
		metrics.SinklessEventsDropped.WithLabelValues(string(backend.KindClaudeCode)).Inc()
		return
	}
	sink.Emit(ev)
}

// surfacePermission assigns the inbound request a stable id and raises it
// as an event so the host can route it to the UI.
func (b *Backend) surfacePermission(sess *session, rpcID string, params map[string]any) {
	requestID := uuid.NewString()

	title, _ := params["toolName"].(string)
	var patterns []string
	if raw, ok := params["patterns"].([]any); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				patterns = append(patterns, s)
			}
		}
	}

	request := backend.PermissionRequest{
		ID:        requestID,
		SessionID: sess.uiSessionID,
		Title:     title,
		Patterns:  patterns,
		Metadata:  params,
		CreatedAt: time.Now(),
	}

	b.mu.Lock()
	b.requests[requestID] = &pendingPermission{sess: sess, rpcID: rpcID, request: request}
	b.mu.Unlock()

	b.emit(sess, &backend.Event{
		Type: backend.EventPermissionAsked,
		Data: map[string]any{
			"id":       requestID,
			"title":    title,
			"patterns": patterns,
		},
		Timestamp: time.Now().UnixMilli(),
	})
}

func (b *Backend) lookup(op, uiSessionID string) (*session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess, ok := b.sessions[uiSessionID]
	if !ok {
		return nil, backend.ErrUnknownSession(op, uiSessionID)
	}
	return sess, nil
}
