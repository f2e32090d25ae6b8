// Package opencode implements the subprocess-server backend.
//
// backend.go - backend.Backend implementation
//
// This file contains:
// - Backend struct tracking servers per worktree and sessions per UI id
// - Connection lifecycle (Connect, Reconnect, Disconnect, Cleanup)
// - Operation pass-throughs onto the per-worktree HTTP client
// - The SSE pump translating server events into sink emissions
package opencode

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/sandbox"
)

// capabilities is the one descriptor for every opencode session. The server
// queues prompts submitted mid-turn, so PromptQueue is set.
var capabilities = backend.Capabilities{
	Undo:               true,
	Redo:               true,
	Commands:           true,
	PermissionRequests: true,
	Questions:          true,
	ModelSelection:     true,
	Reconnect:          true,
	PartialStreaming:   true,
	PromptQueue:        true,
}

// session is one UI session bound to a server session.
type session struct {
	uiSessionID      string
	backendSessionID string
	worktree         string
	generation       uint64
	model            string
}

// serverHandle is one running server plus its event pump.
type serverHandle struct {
	server *Server
	cancel context.CancelFunc
}

// Backend implements backend.Backend on top of per-worktree opencode servers.
type Backend struct {
	cfg     config.OpenCodeConfig
	sandbox *sandbox.Runtime
	log     *slog.Logger

	mu          sync.RWMutex
	sink        backend.EventSink
	servers     map[string]*serverHandle // worktree -> handle
	sessions    map[string]*session      // uiSessionID -> session
	byBackendID map[string]*session      // backendSessionID -> session
	// requests maps backend-assigned permission/question request ids to the
	// session that raised them, so replies can be routed without a session id.
	requests map[string]*session
	nextPort int
}

var _ backend.Backend = (*Backend)(nil)

// New creates the opencode backend. sandboxRuntime may be nil when no
// sandbox image is configured.
func New(cfg config.OpenCodeConfig, sandboxRuntime *sandbox.Runtime, log *slog.Logger) *Backend {
	return &Backend{
		cfg:         cfg,
		sandbox:     sandboxRuntime,
		log:         log.With("backend", string(backend.KindOpenCode)),
		servers:     make(map[string]*serverHandle),
		sessions:    make(map[string]*session),
		byBackendID: make(map[string]*session),
		requests:    make(map[string]*session),
		nextPort:    cfg.BasePort,
	}
}

func (b *Backend) Kind() backend.Kind {
	return backend.KindOpenCode
}

func (b *Backend) Capabilities() backend.Capabilities {
	return capabilities
}

// SetSink attaches the event sink. Events emitted before this are dropped.
func (b *Backend) SetSink(sink backend.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Connect starts (or reuses) the worktree's server and creates a session.
func (b *Backend) Connect(ctx context.Context, req *backend.ConnectRequest) (*backend.ConnectResult, error) {
	srv, err := b.ensureServer(ctx, req.WorktreePath)
	if err != nil {
		return nil, backend.ErrUnavailable("connect", err)
	}

	backendSessionID, err := srv.Client().CreateSession(ctx)
	if err != nil {
		return nil, backend.ErrUnavailable("connect", err)
	}

	model := req.Model
	if model == "" {
		model = b.cfg.DefaultModel
	}
	b.registerSession(&session{
		uiSessionID:      req.UISessionID,
		backendSessionID: backendSessionID,
		worktree:         req.WorktreePath,
		generation:       req.Generation,
		model:            model,
	})

	b.log.Info("session connected", "ui_session", req.UISessionID, "backend_session", backendSessionID, "worktree", req.WorktreePath)
	return &backend.ConnectResult{BackendSessionID: backendSessionID}, nil
}

// Reconnect re-attaches to a server session that survived a UI restart.
func (b *Backend) Reconnect(ctx context.Context, req *backend.ReconnectRequest) (*backend.ReconnectResult, error) {
	srv, err := b.ensureServer(ctx, req.WorktreePath)
	if err != nil {
		return nil, backend.ErrUnavailable("reconnect", err)
	}

	info, err := srv.Client().Session(ctx, req.BackendSessionID)
	if err != nil {
		return nil, backend.ErrUnavailable("reconnect", fmt.Errorf("backend session %s: %w", req.BackendSessionID, err))
	}

	b.registerSession(&session{
		uiSessionID:      req.UISessionID,
		backendSessionID: req.BackendSessionID,
		worktree:         req.WorktreePath,
		generation:       req.Generation,
		model:            b.cfg.DefaultModel,
	})

	result := &backend.ReconnectResult{BackendSessionID: req.BackendSessionID}
	if info.Revert != nil {
		result.RevertMessageID = info.Revert.MessageID
	}
	return result, nil
}

// Disconnect forgets the session. The server session stays alive on the
// server side so a later Reconnect can resume it.
func (b *Backend) Disconnect(ctx context.Context, uiSessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[uiSessionID]
	if !ok {
		return backend.ErrUnknownSession("disconnect", uiSessionID)
	}
	delete(b.sessions, uiSessionID)
	delete(b.byBackendID, sess.backendSessionID)
	for id, rs := range b.requests {
		if rs == sess {
			delete(b.requests, id)
		}
	}
	return nil
}

// Cleanup stops the worktree's server. The manager calls this when the
// last session for the worktree disconnects.
func (b *Backend) Cleanup(ctx context.Context, worktreePath string) error {
	b.mu.Lock()
	handle, ok := b.servers[worktreePath]
	if ok {
		delete(b.servers, worktreePath)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	handle.cancel()
	handle.server.Stop(ctx)
	metrics.BackendProcesses.WithLabelValues(string(backend.KindOpenCode)).Dec()
	b.log.Info("server stopped", "worktree", worktreePath)
	return nil
}

// Prompt submits a turn. The server queues prompts arriving mid-turn.
func (b *Backend) Prompt(ctx context.Context, uiSessionID string, content backend.Prompt, model string) error {
	sess, srv, err := b.lookup("prompt", uiSessionID)
	if err != nil {
		return err
	}
	if err := content.Validate(); err != nil {
		return backend.ErrValidation("prompt", err)
	}

	if model == "" {
		model = sess.model
	}
	model, variant := splitVariant(model)

	parts := make([]map[string]string, 0, len(content.Parts)+1)
	for _, p := range content.Flatten() {
		switch p.Type {
		case backend.PartText:
			parts = append(parts, map[string]string{"type": "text", "text": p.Text})
		case backend.PartFile:
			part := map[string]string{"type": "file", "path": p.Path}
			if p.MimeType != "" {
				part["mime"] = p.MimeType
			}
			parts = append(parts, part)
		}
	}

	if err := srv.Client().PromptAsync(ctx, sess.backendSessionID, parts, model, variant); err != nil {
		return backend.ErrUnexpected("prompt", err)
	}
	return nil
}

// Abort signals the current operation to stop. Success only means the
// signal was delivered.
func (b *Backend) Abort(ctx context.Context, uiSessionID string) bool {
	sess, srv, err := b.lookup("abort", uiSessionID)
	if err != nil {
		return false
	}
	return srv.Client().Abort(ctx, sess.backendSessionID) == nil
}

func (b *Backend) Messages(ctx context.Context, uiSessionID string) ([]backend.Message, error) {
	sess, srv, err := b.lookup("messages", uiSessionID)
	if err != nil {
		return nil, err
	}
	envelopes, err := srv.Client().Messages(ctx, sess.backendSessionID)
	if err != nil {
		return nil, backend.ErrUnexpected("messages", err)
	}

	messages := make([]backend.Message, 0, len(envelopes))
	for _, env := range envelopes {
		msg := backend.Message{ID: env.Info.ID, Role: env.Info.Role}
		for _, p := range env.Parts {
			switch p.Type {
			case "text":
				msg.Parts = append(msg.Parts, backend.Part{Type: backend.PartText, Text: p.Text})
			case "file":
				msg.Parts = append(msg.Parts, backend.Part{Type: backend.PartFile, Path: p.Path, MimeType: p.Mime})
			}
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (b *Backend) ListModels(ctx context.Context, uiSessionID string) ([]backend.ModelInfo, error) {
	_, srv, err := b.lookup("list_models", uiSessionID)
	if err != nil {
		return nil, err
	}
	catalog, err := srv.Client().Providers(ctx)
	if err != nil {
		return nil, backend.ErrUnexpected("list_models", err)
	}

	var models []backend.ModelInfo
	for _, provider := range catalog.Providers {
		defaultID := catalog.Default[provider.ID]
		for modelID, m := range provider.Models {
			models = append(models, backend.ModelInfo{
				ID:       provider.ID + "/" + modelID,
				Name:     m.Name,
				Provider: provider.ID,
				Default:  modelID == defaultID,
			})
		}
	}
	return models, nil
}

// ModelInfo reads the session's recorded model; no server call is needed.
func (b *Backend) ModelInfo(ctx context.Context, uiSessionID string) (*backend.ModelInfo, error) {
	b.mu.Lock()
	sess, ok := b.sessions[uiSessionID]
	var current string
	if ok {
		current = sess.model
	}
	b.mu.Unlock()
	if !ok {
		return nil, backend.ErrUnknownSession("model_info", uiSessionID)
	}
	model, variant := splitVariant(current)
	info := &backend.ModelInfo{ID: model, Variant: variant}
	if i := strings.IndexByte(model, '/'); i > 0 {
		info.Provider = model[:i]
	}
	return info, nil
}

// SetModel records the model for subsequent prompts. The server takes the
// model per prompt, so no server call is needed.
func (b *Backend) SetModel(ctx context.Context, uiSessionID, modelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[uiSessionID]
	if !ok {
		return backend.ErrUnknownSession("set_model", uiSessionID)
	}
	if modelID == "" {
		return backend.ErrValidation("set_model", fmt.Errorf("empty model id"))
	}
	sess.model = modelID
	return nil
}

func (b *Backend) SessionInfo(ctx context.Context, uiSessionID string) (*backend.SessionInfo, error) {
	sess, srv, err := b.lookup("session_info", uiSessionID)
	if err != nil {
		return nil, err
	}
	env, err := srv.Client().Session(ctx, sess.backendSessionID)
	if err != nil {
		return nil, backend.ErrUnexpected("session_info", err)
	}
	info := &backend.SessionInfo{BackendSessionID: env.ID, Title: env.Title}
	if env.Revert != nil {
		info.Revert = &backend.RevertPointer{MessageID: env.Revert.MessageID, Diff: env.Revert.Diff}
	}
	return info, nil
}

func (b *Backend) QuestionReply(ctx context.Context, requestID string, answers []string) error {
	_, srv, err := b.lookupRequest("question_reply", requestID)
	if err != nil {
		return err
	}
	if err := srv.Client().ReplyQuestion(ctx, requestID, answers); err != nil {
		return backend.ErrUnexpected("question_reply", err)
	}
	b.forgetRequest(requestID)
	return nil
}

func (b *Backend) QuestionReject(ctx context.Context, requestID string) error {
	_, srv, err := b.lookupRequest("question_reject", requestID)
	if err != nil {
		return err
	}
	if err := srv.Client().RejectQuestion(ctx, requestID); err != nil {
		return backend.ErrUnexpected("question_reject", err)
	}
	b.forgetRequest(requestID)
	return nil
}

func (b *Backend) PermissionReply(ctx context.Context, requestID string, reply backend.PermissionReply) error {
	sess, srv, err := b.lookupRequest("permission_reply", requestID)
	if err != nil {
		return err
	}

	response := "reject"
	if reply.Allow {
		response = "once"
		if reply.Remember == backend.RememberAllow {
			response = "always"
		}
	} else if reply.Remember == backend.RememberBlock {
		response = "never"
	}

	if err := srv.Client().ReplyPermission(ctx, sess.backendSessionID, requestID, response, reply.Pattern); err != nil {
		return backend.ErrUnexpected("permission_reply", err)
	}
	b.forgetRequest(requestID)
	return nil
}

func (b *Backend) PermissionList(ctx context.Context, uiSessionID string) ([]backend.PermissionRequest, error) {
	sess, srv, err := b.lookup("permission_list", uiSessionID)
	if err != nil {
		return nil, err
	}
	envelopes, err := srv.Client().Permissions(ctx, sess.backendSessionID)
	if err != nil {
		return nil, backend.ErrUnexpected("permission_list", err)
	}

	requests := make([]backend.PermissionRequest, 0, len(envelopes))
	for _, env := range envelopes {
		requests = append(requests, backend.PermissionRequest{
			ID:        env.ID,
			SessionID: uiSessionID,
			Title:     env.Title,
			Patterns:  env.Patterns,
			Metadata:  env.Metadata,
		})
	}
	return requests, nil
}

func (b *Backend) Undo(ctx context.Context, uiSessionID string) (*backend.RevertPointer, error) {
	sess, srv, err := b.lookup("undo", uiSessionID)
	if err != nil {
		return nil, err
	}
	env, err := srv.Client().Revert(ctx, sess.backendSessionID)
	if err != nil {
		return nil, backend.ErrUnexpected("undo", err)
	}
	if env == nil {
		return nil, nil
	}
	return &backend.RevertPointer{MessageID: env.MessageID, Diff: env.Diff}, nil
}

func (b *Backend) Redo(ctx context.Context, uiSessionID string) (*backend.RevertPointer, error) {
	sess, srv, err := b.lookup("redo", uiSessionID)
	if err != nil {
		return nil, err
	}
	env, err := srv.Client().Unrevert(ctx, sess.backendSessionID)
	if err != nil {
		return nil, backend.ErrUnexpected("redo", err)
	}
	if env == nil {
		return nil, nil
	}
	return &backend.RevertPointer{MessageID: env.MessageID, Diff: env.Diff}, nil
}

func (b *Backend) ListCommands(ctx context.Context, uiSessionID string) ([]backend.Command, error) {
	_, srv, err := b.lookup("list_commands", uiSessionID)
	if err != nil {
		return nil, err
	}
	envelopes, err := srv.Client().Commands(ctx)
	if err != nil {
		return nil, backend.ErrUnexpected("list_commands", err)
	}
	commands := make([]backend.Command, 0, len(envelopes))
	for _, env := range envelopes {
		commands = append(commands, backend.Command{Name: env.Name, Description: env.Description})
	}
	return commands, nil
}

func (b *Backend) SendCommand(ctx context.Context, uiSessionID, command, arguments string) error {
	sess, srv, err := b.lookup("send_command", uiSessionID)
	if err != nil {
		return err
	}
	if command == "" {
		return backend.ErrValidation("send_command", fmt.Errorf("empty command"))
	}
	if err := srv.Client().SendCommand(ctx, sess.backendSessionID, command, arguments); err != nil {
		return backend.ErrUnexpected("send_command", err)
	}
	return nil
}

func (b *Backend) RenameSession(ctx context.Context, uiSessionID, title string) error {
	sess, srv, err := b.lookup("rename_session", uiSessionID)
	if err != nil {
		return err
	}
	if err := srv.Client().Rename(ctx, sess.backendSessionID, title); err != nil {
		return backend.ErrUnexpected("rename_session", err)
	}
	return nil
}

// Close stops every server.
func (b *Backend) Close() error {
	b.mu.Lock()
	handles := make([]*serverHandle, 0, len(b.servers))
	for _, h := range b.servers {
		handles = append(handles, h)
	}
	b.servers = make(map[string]*serverHandle)
	b.sessions = make(map[string]*session)
	b.byBackendID = make(map[string]*session)
	b.requests = make(map[string]*session)
	b.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		h.server.Stop(context.Background())
		metrics.BackendProcesses.WithLabelValues(string(backend.KindOpenCode)).Dec()
	}
	return nil
}

// ensureServer returns the worktree's running server, starting one if needed.
func (b *Backend) ensureServer(ctx context.Context, worktree string) (*Server, error) {
	b.mu.Lock()
	if handle, ok := b.servers[worktree]; ok && handle.server.IsRunning() {
		b.mu.Unlock()
		return handle.server, nil
	}
	port := b.nextPort
	b.nextPort++
	b.mu.Unlock()

	srv, err := StartServer(ctx, ServerOptions{
		Command:      b.cfg.Command,
		Port:         port,
		Worktree:     worktree,
		SandboxImage: b.cfg.SandboxImage,
		Sandbox:      b.sandbox,
	}, b.log)
	if err != nil {
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	// Lost the race: another Connect started a server first.
	if handle, ok := b.servers[worktree]; ok && handle.server.IsRunning() {
		b.mu.Unlock()
		cancel()
		srv.Stop(ctx)
		return handle.server, nil
	}
	b.servers[worktree] = &serverHandle{server: srv, cancel: cancel}
	b.mu.Unlock()

	metrics.BackendProcesses.WithLabelValues(string(backend.KindOpenCode)).Inc()
	go b.pumpEvents(pumpCtx, srv)
	b.log.Info("server started", "worktree", worktree, "port", port)
	return srv, nil
}

// pumpEvents reads the server's SSE stream and emits normalized events for
// every tracked session, stamped with that session's generation.
func (b *Backend) pumpEvents(ctx context.Context, srv *Server) {
	stream, err := srv.Client().SubscribeEvents(ctx)
	if err != nil {
		b.log.Error("failed to subscribe to events", "port", srv.Port(), "error", err)
		return
	}
	defer func() { _ = stream.Close() }()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		serverSessionID, ev, err := parseSSEEvent(data)
		if err != nil || ev == nil {
			continue
		}
		b.dispatch(serverSessionID, ev)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		b.log.Warn("event stream closed", "port", srv.Port(), "error", err)
	}
}

// dispatch routes one normalized event to the sink, translating the server
// session id to the owning UI session id.
func (b *Backend) dispatch(serverSessionID string, ev *backend.Event) {
	b.mu.Lock()
	sess, ok := b.byBackendID[serverSessionID]
	if !ok {
		// Sub-agent sessions roll up under their parent when the server
		// reports one; otherwise the event belongs to no tracked session.
		b.mu.Unlock()
		return
	}
	ev.SessionID = sess.uiSessionID
	ev.Generation = sess.generation

	// Track request ids so replies route back to the right server.
	if ev.Type == backend.EventPermissionAsked || ev.Type == backend.EventQuestionAsked || ev.Type == backend.EventCommandApproval {
		if id, ok := ev.Data["id"].(string); ok && id != "" {
			b.requests[id] = sess
		}
	}
	sink := b.sink
	b.mu.Unlock()

	if sink == nil {
		metrics.SinklessEventsDropped.WithLabelValues(string(backend.KindOpenCode)).Inc()
		return
	}
	sink.Emit(ev)
}

func (b *Backend) registerSession(sess *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sess.uiSessionID] = sess
	b.byBackendID[sess.backendSessionID] = sess
}

// lookup resolves a UI session and its worktree's server.
func (b *Backend) lookup(op, uiSessionID string) (*session, *Server, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess, ok := b.sessions[uiSessionID]
	if !ok {
		return nil, nil, backend.ErrUnknownSession(op, uiSessionID)
	}
	handle, ok := b.servers[sess.worktree]
	if !ok {
		return nil, nil, backend.ErrUnavailable(op, fmt.Errorf("no server for worktree %s", sess.worktree))
	}
	return sess, handle.server, nil
}

// lookupRequest resolves a pending request id to its session and server.
func (b *Backend) lookupRequest(op, requestID string) (*session, *Server, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess, ok := b.requests[requestID]
	if !ok {
		return nil, nil, backend.ErrUnknownSession(op, requestID)
	}
	handle, ok := b.servers[sess.worktree]
	if !ok {
		return nil, nil, backend.ErrUnavailable(op, fmt.Errorf("no server for worktree %s", sess.worktree))
	}
	return sess, handle.server, nil
}

func (b *Backend) forgetRequest(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.requests, requestID)
}

// splitVariant separates a "provider/model#variant" id into its model and
// reasoning variant halves.
func splitVariant(model string) (string, string) {
	if i := strings.LastIndexByte(model, '#'); i >= 0 {
		return model[:i], model[i+1:]
	}
	return model, ""
}
