package rpc

import (
	"context"

	"github.com/google/uuid"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/session"
)

// Tool parameter and result types. Field names follow the wire casing the
// desktop UI sends.

type connectParams struct {
	WorktreePath string `json:"worktreePath" description:"Absolute path of the git worktree the session operates on"`
	UISessionID  string `json:"uiSessionId,omitempty" description:"Stable UI session id; minted by the daemon when omitted"`
	Backend      string `json:"backend,omitempty" description:"Backend kind: opencode or claudecode (daemon default when omitted)"`
	Model        string `json:"model,omitempty" description:"Model id to start the session with"`
	Mode         string `json:"mode,omitempty" description:"Agent mode (backend-specific)"`
}

type connectResult struct {
	UISessionID      string `json:"uiSessionId"`
	BackendSessionID string `json:"backendSessionId"`
	Generation       uint64 `json:"generation"`
}

func (s *Server) handleConnect(ctx context.Context, req *mcp_sdk.CallToolRequest, p connectParams) (any, error) {
	ui := p.UISessionID
	if ui == "" {
		ui = "ui_" + uuid.NewString()
	}
	rec, err := s.manager.Connect(ctx, p.WorktreePath, ui, backend.Kind(p.Backend), p.Model, p.Mode)
	if err != nil {
		return nil, sanitizeError(s.log, err, "connect")
	}
	s.watchSession(ui, req.Session)
	return connectResult{
		UISessionID:      rec.UISessionID,
		BackendSessionID: rec.BackendSessionID,
		Generation:       rec.Generation,
	}, nil
}

type reconnectParams struct {
	WorktreePath     string `json:"worktreePath,omitempty" description:"Optional when a persisted record exists for the session"`
	BackendSessionID string `json:"backendSessionId,omitempty" description:"Backend session id from a previous connect; optional when a persisted record exists"`
	UISessionID      string `json:"uiSessionId,omitempty"`
	Backend          string `json:"backend,omitempty"`
}

func (s *Server) handleReconnect(ctx context.Context, req *mcp_sdk.CallToolRequest, p reconnectParams) (any, error) {
	ui := p.UISessionID
	if ui == "" {
		ui = "ui_" + uuid.NewString()
	}
	rec, err := s.manager.Reconnect(ctx, p.WorktreePath, p.BackendSessionID, ui, backend.Kind(p.Backend))
	if err != nil {
		return nil, sanitizeError(s.log, err, "reconnect")
	}
	s.watchSession(ui, req.Session)
	return rec, nil
}

type sessionIDParams struct {
	UISessionID string `json:"uiSessionId"`
}

func (s *Server) handleDisconnect(ctx context.Context, _ *mcp_sdk.CallToolRequest, p sessionIDParams) (any, error) {
	s.unwatchSession(p.UISessionID)
	if err := s.manager.Disconnect(ctx, p.UISessionID); err != nil {
		return nil, sanitizeError(s.log, err, "disconnect")
	}
	return map[string]any{"disconnected": true}, nil
}

type promptParams struct {
	UISessionID string         `json:"uiSessionId"`
	Text        string         `json:"text,omitempty" description:"Plain-text prompt; alternative to parts"`
	Parts       []backend.Part `json:"parts,omitempty" description:"Structured parts mixing text and file attachments"`
	Model       string         `json:"model,omitempty" description:"Override model for this and following turns"`
}

func (s *Server) handlePrompt(ctx context.Context, _ *mcp_sdk.CallToolRequest, p promptParams) (any, error) {
	content := backend.Prompt{Text: p.Text, Parts: p.Parts}
	if err := s.manager.Prompt(ctx, p.UISessionID, content, p.Model); err != nil {
		return nil, sanitizeError(s.log, err, "prompt")
	}
	// Accepted only; output arrives on the event stream.
	return map[string]any{"accepted": true}, nil
}

func (s *Server) handleAbort(ctx context.Context, _ *mcp_sdk.CallToolRequest, p sessionIDParams) (any, error) {
	delivered := s.manager.Abort(ctx, p.UISessionID)
	return map[string]any{"delivered": delivered}, nil
}

func (s *Server) handleMessages(ctx context.Context, _ *mcp_sdk.CallToolRequest, p sessionIDParams) (any, error) {
	msgs, err := s.manager.Messages(ctx, p.UISessionID)
	if err != nil {
		return nil, sanitizeError(s.log, err, "messages")
	}
	return map[string]any{"messages": msgs}, nil
}

func (s *Server) handleSessionInfo(ctx context.Context, _ *mcp_sdk.CallToolRequest, p sessionIDParams) (any, error) {
	rec, err := s.manager.SessionInfo(ctx, p.UISessionID)
	if err != nil {
		return nil, sanitizeError(s.log, err, "session_info")
	}
	return rec, nil
}

type listSessionsParams struct {
	WorktreePath string `json:"worktreePath,omitempty" description:"Filter by worktree"`
}

func (s *Server) handleListSessions(_ context.Context, _ *mcp_sdk.CallToolRequest, p listSessionsParams) (any, error) {
	all := s.manager.Sessions()
	if p.WorktreePath == "" {
		return map[string]any{"sessions": all}, nil
	}
	filtered := make([]*session.Record, 0, len(all))
	for _, rec := range all {
		if rec.WorktreePath == p.WorktreePath {
			filtered = append(filtered, rec)
		}
	}
	return map[string]any{"sessions": filtered}, nil
}

type eventsParams struct {
	UISessionID string `json:"uiSessionId"`
	SinceIndex  *int   `json:"sinceIndex,omitempty" description:"Resume after this event index; omit for the full buffer"`
}

func (s *Server) handleEvents(_ context.Context, _ *mcp_sdk.CallToolRequest, p eventsParams) (any, error) {
	since := -1
	if p.SinceIndex != nil {
		since = *p.SinceIndex
	}
	events, err := s.manager.Mux().Replay(p.UISessionID, since)
	if err != nil {
		return nil, sanitizeError(s.log, err, "events")
	}
	return map[string]any{
		"events":    events,
		"lastIndex": s.manager.Mux().LastIndex(p.UISessionID),
	}, nil
}

func (s *Server) handleListModels(ctx context.Context, _ *mcp_sdk.CallToolRequest, p sessionIDParams) (any, error) {
	models, err := s.manager.ListModels(ctx, p.UISessionID)
	if err != nil {
		return nil, sanitizeError(s.log, err, "list_models")
	}
	return map[string]any{"models": models}, nil
}

func (s *Server) handleModelInfo(ctx context.Context, _ *mcp_sdk.CallToolRequest, p sessionIDParams) (any, error) {
	info, err := s.manager.ModelInfo(ctx, p.UISessionID)
	if err != nil {
		return nil, sanitizeError(s.log, err, "model_info")
	}
	return info, nil
}

type setModelParams struct {
	UISessionID string `json:"uiSessionId"`
	ModelID     string `json:"modelId" description:"Model id, provider/model[#variant] for opencode"`
}

func (s *Server) handleSetModel(ctx context.Context, _ *mcp_sdk.CallToolRequest, p setModelParams) (any, error) {
	if err := s.manager.SetModel(ctx, p.UISessionID, p.ModelID); err != nil {
		return nil, sanitizeError(s.log, err, "set_model")
	}
	return map[string]any{"model": p.ModelID}, nil
}

func (s *Server) handleUndo(ctx context.Context, _ *mcp_sdk.CallToolRequest, p sessionIDParams) (any, error) {
	rp, err := s.manager.Undo(ctx, p.UISessionID)
	if err != nil {
		return nil, sanitizeError(s.log, err, "undo")
	}
	return map[string]any{"revert": rp}, nil
}

func (s *Server) handleRedo(ctx context.Context, _ *mcp_sdk.CallToolRequest, p sessionIDParams) (any, error) {
	rp, err := s.manager.Redo(ctx, p.UISessionID)
	if err != nil {
		return nil, sanitizeError(s.log, err, "redo")
	}
	return map[string]any{"revert": rp}, nil
}

type questionReplyParams struct {
	RequestID string   `json:"requestId"`
	Answers   []string `json:"answers" description:"One answer per question in the request"`
	Backend   string   `json:"backend,omitempty" description:"Routing hint for sessions not tracked by uiSessionId"`
}

func (s *Server) handleQuestionReply(ctx context.Context, _ *mcp_sdk.CallToolRequest, p questionReplyParams) (any, error) {
	if err := s.manager.QuestionReply(ctx, p.RequestID, p.Answers, backend.Kind(p.Backend)); err != nil {
		return nil, sanitizeError(s.log, err, "question_reply")
	}
	return map[string]any{"resolved": true}, nil
}

type questionRejectParams struct {
	RequestID string `json:"requestId"`
	Backend   string `json:"backend,omitempty"`
}

func (s *Server) handleQuestionReject(ctx context.Context, _ *mcp_sdk.CallToolRequest, p questionRejectParams) (any, error) {
	if err := s.manager.QuestionReject(ctx, p.RequestID, backend.Kind(p.Backend)); err != nil {
		return nil, sanitizeError(s.log, err, "question_reject")
	}
	return map[string]any{"resolved": true}, nil
}

type permissionReplyParams struct {
	RequestID string `json:"requestId"`
	Allow     bool   `json:"allow"`
	Remember  string `json:"remember,omitempty" description:"Standing policy: allow or block future matching commands"`
	Pattern   string `json:"pattern,omitempty" description:"Command pattern the standing policy applies to"`
	Backend   string `json:"backend,omitempty"`
}

func (s *Server) handlePermissionReply(ctx context.Context, _ *mcp_sdk.CallToolRequest, p permissionReplyParams) (any, error) {
	reply := backend.PermissionReply{
		Allow:    p.Allow,
		Remember: backend.RememberMode(p.Remember),
		Pattern:  p.Pattern,
	}
	if err := s.manager.PermissionReply(ctx, p.RequestID, reply, backend.Kind(p.Backend)); err != nil {
		return nil, sanitizeError(s.log, err, "permission_reply")
	}
	return map[string]any{"resolved": true}, nil
}

type pendingParams struct {
	UISessionID string `json:"uiSessionId,omitempty" description:"Filter by session; omit for all"`
}

func (s *Server) handlePendingRequests(_ context.Context, _ *mcp_sdk.CallToolRequest, p pendingParams) (any, error) {
	return map[string]any{"requests": s.manager.PendingRequests(p.UISessionID)}, nil
}

func (s *Server) handleListCommands(ctx context.Context, _ *mcp_sdk.CallToolRequest, p sessionIDParams) (any, error) {
	cmds, err := s.manager.ListCommands(ctx, p.UISessionID)
	if err != nil {
		return nil, sanitizeError(s.log, err, "list_commands")
	}
	return map[string]any{"commands": cmds}, nil
}

type sendCommandParams struct {
	UISessionID string `json:"uiSessionId"`
	Command     string `json:"command"`
	Arguments   string `json:"arguments,omitempty"`
}

func (s *Server) handleSendCommand(ctx context.Context, _ *mcp_sdk.CallToolRequest, p sendCommandParams) (any, error) {
	if err := s.manager.SendCommand(ctx, p.UISessionID, p.Command, p.Arguments); err != nil {
		return nil, sanitizeError(s.log, err, "send_command")
	}
	return map[string]any{"sent": true}, nil
}

type renameParams struct {
	UISessionID string `json:"uiSessionId"`
	Title       string `json:"title"`
}

func (s *Server) handleRename(ctx context.Context, _ *mcp_sdk.CallToolRequest, p renameParams) (any, error) {
	if err := s.manager.RenameSession(ctx, p.UISessionID, p.Title); err != nil {
		return nil, sanitizeError(s.log, err, "rename_session")
	}
	return map[string]any{"title": p.Title}, nil
}

type capabilitiesParams struct {
	UISessionID string `json:"uiSessionId,omitempty" description:"Session whose backend to describe; omit for the union"`
}

func (s *Server) handleCapabilities(_ context.Context, _ *mcp_sdk.CallToolRequest, p capabilitiesParams) (any, error) {
	return s.manager.Capabilities(p.UISessionID), nil
}
