// Package session is the orchestration core.
//
// manager.go - Agent session manager
//
// The Manager owns the registry and is the only writer to it. Registry
// mutations for one UI session serialize on a per-session lock; operations
// against different sessions run concurrently. Every backend event passes
// through the Manager's sink: stale generations are dropped, status
// transitions validated, waiting-for-input events turned into ledger
// entries, and the survivors published to the Mux.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/validation"
)

// RecordStore persists session records across daemon restarts. The Manager
// tolerates a nil store; persistence failures are logged, never fatal to
// the operation that triggered them.
type RecordStore interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, uiSessionID string) (*Record, error)
	Delete(ctx context.Context, uiSessionID string) error
}

// Options configure a Manager.
type Options struct {
	DefaultKind backend.Kind
	MaxSessions int
	// EventChannelBuffer sizes subscriber channels and replay buffers.
	EventChannelBuffer int
	Store              RecordStore
	Logger             *slog.Logger
}

// Manager routes UI operations to backends and owns all session state.
type Manager struct {
	log         *slog.Logger
	registry    *Registry
	mux         *Mux
	locks       keyLocks
	backends    map[backend.Kind]backend.Backend
	permissions *Ledger
	questions   *Ledger
	store       RecordStore
	defaultKind backend.Kind
	maxSessions int

	// promptStarts tracks accepted-prompt times until the idle status
	// event closes the turn.
	promptStarts sync.Map
	// lastActivity tracks the newest prompt or event per session so the
	// janitor can reap sessions nobody is using.
	lastActivity sync.Map
}

// NewManager wires the given backends into a Manager and attaches itself
// as their event sink.
func NewManager(opts Options, backends ...backend.Backend) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		log:         log,
		registry:    NewRegistry(),
		mux:         NewMux(opts.EventChannelBuffer, opts.EventChannelBuffer, log),
		backends:    make(map[backend.Kind]backend.Backend, len(backends)),
		permissions: NewLedger("permission"),
		questions:   NewLedger("question"),
		store:       opts.Store,
		defaultKind: opts.DefaultKind,
		maxSessions: opts.MaxSessions,
	}
	for _, b := range backends {
		m.backends[b.Kind()] = b
		b.SetSink(backend.SinkFunc(m.handleEvent))
	}
	if m.defaultKind == "" {
		m.defaultKind = backend.KindOpenCode
	}
	return m
}

// Mux exposes the event stream for subscribers.
func (m *Manager) Mux() *Mux {
	return m.mux
}

// Connect establishes a session. Idempotent: a second connect for an
// already-active id returns the existing backend session id. Concurrent
// connects for one id collapse onto the per-session lock.
func (m *Manager) Connect(ctx context.Context, worktreePath, uiSessionID string, kind backend.Kind, model, mode string) (*Record, error) {
	if err := validation.ValidateUISessionID(uiSessionID); err != nil {
		return nil, backend.ErrValidation("connect", err)
	}
	if err := validation.ValidateWorktreePath(worktreePath); err != nil {
		return nil, backend.ErrValidation("connect", err)
	}
	if kind == "" {
		kind = m.defaultKind
	}
	b, ok := m.backends[kind]
	if !ok {
		return nil, backend.ErrValidation("connect", fmt.Errorf("unknown backend kind %q", kind))
	}

	m.locks.Lock(uiSessionID)
	defer m.locks.Unlock(uiSessionID)

	if rec, exists := m.registry.Get(uiSessionID); exists {
		if rec.Active() {
			return rec, nil
		}
		// A pending record with the lock free means an earlier attempt died
		// mid-connect; clear it and retry.
		m.registry.RemovePending(uiSessionID)
	}

	if m.maxSessions > 0 && m.registry.Len() >= m.maxSessions {
		return nil, backend.ErrUnavailable("connect", fmt.Errorf("session limit %d reached", m.maxSessions))
	}

	pending, err := m.registry.AddPending(uiSessionID, worktreePath, kind, model, mode)
	if err != nil {
		return nil, backend.ErrUnexpected("connect", err)
	}

	result, err := b.Connect(ctx, &backend.ConnectRequest{
		WorktreePath: worktreePath,
		UISessionID:  uiSessionID,
		Generation:   pending.Generation,
		Model:        model,
		Mode:         mode,
	})
	if err != nil {
		m.registry.RemovePending(uiSessionID)
		metrics.BackendConnects.WithLabelValues(string(kind), "connect", "error").Inc()
		return nil, err
	}

	rec, err := m.registry.Activate(uiSessionID, result.BackendSessionID)
	if err != nil {
		// Registry raced ahead (e.g. shutdown); release the backend session.
		_ = b.Disconnect(ctx, uiSessionID)
		return nil, backend.ErrUnexpected("connect", err)
	}

	metrics.BackendConnects.WithLabelValues(string(kind), "connect", "ok").Inc()
	metrics.ActiveSessions.WithLabelValues(string(kind)).Inc()
	m.lastActivity.Store(uiSessionID, time.Now())
	m.persist(ctx, rec)
	m.log.Info("session connected", "ui_session", uiSessionID, "kind", string(kind), "worktree", worktreePath)
	return rec, nil
}

// Reconnect re-attaches to a backend session that survived a UI restart,
// advancing the stream generation so in-flight events from the previous
// attachment are discarded.
func (m *Manager) Reconnect(ctx context.Context, worktreePath, backendSessionID, uiSessionID string, kind backend.Kind) (*Record, error) {
	if err := validation.ValidateUISessionID(uiSessionID); err != nil {
		return nil, backend.ErrValidation("reconnect", err)
	}

	// A session is bound to one backend kind for its lifetime; a live
	// record pins the kind no matter what the caller passes.
	var persisted *Record
	if rec, live := m.registry.Get(uiSessionID); live {
		if kind != "" && kind != rec.Kind {
			return nil, backend.ErrValidation("reconnect",
				fmt.Errorf("session %s is bound to backend %q, not %q", uiSessionID, rec.Kind, kind))
		}
		kind = rec.Kind
	} else if (worktreePath == "" || backendSessionID == "") && m.store != nil {
		// A UI reconnecting after a daemon restart only knows its own
		// session id. Fill the gaps from the persisted record.
		if rec, err := m.store.Get(ctx, uiSessionID); err == nil {
			persisted = rec
			if worktreePath == "" {
				worktreePath = rec.WorktreePath
			}
			if backendSessionID == "" {
				backendSessionID = rec.BackendSessionID
			}
			if kind == "" {
				kind = rec.Kind
			}
		}
	}

	if err := validation.ValidateBackendSessionID(backendSessionID); err != nil {
		return nil, backend.ErrValidation("reconnect", err)
	}
	if err := validation.ValidateWorktreePath(worktreePath); err != nil {
		return nil, backend.ErrValidation("reconnect", err)
	}
	if kind == "" {
		kind = m.defaultKind
	}
	b, ok := m.backends[kind]
	if !ok {
		return nil, backend.ErrValidation("reconnect", fmt.Errorf("unknown backend kind %q", kind))
	}

	m.locks.Lock(uiSessionID)
	defer m.locks.Unlock(uiSessionID)

	var generation uint64
	fresh := false
	if _, exists := m.registry.Get(uiSessionID); exists {
		generation, _ = m.registry.BumpGeneration(uiSessionID)
	} else {
		model, mode := "", ""
		if persisted != nil {
			model, mode = persisted.Model, persisted.Mode
		}
		pending, err := m.registry.AddPending(uiSessionID, worktreePath, kind, model, mode)
		if err != nil {
			return nil, backend.ErrUnexpected("reconnect", err)
		}
		generation = pending.Generation
		fresh = true
	}

	result, err := b.Reconnect(ctx, &backend.ReconnectRequest{
		WorktreePath:     worktreePath,
		UISessionID:      uiSessionID,
		BackendSessionID: backendSessionID,
		Generation:       generation,
	})
	if err != nil {
		if fresh {
			m.registry.RemovePending(uiSessionID)
		}
		metrics.BackendConnects.WithLabelValues(string(kind), "reconnect", "error").Inc()
		return nil, err
	}

	var rec *Record
	if fresh {
		rec, err = m.registry.Activate(uiSessionID, result.BackendSessionID)
		if err != nil {
			_ = b.Disconnect(ctx, uiSessionID)
			return nil, backend.ErrUnexpected("reconnect", err)
		}
		metrics.ActiveSessions.WithLabelValues(string(kind)).Inc()
		if persisted != nil && persisted.Title != "" {
			m.registry.SetTitle(uiSessionID, persisted.Title)
			rec.Title = persisted.Title
		}
	} else {
		m.registry.SetBackendSessionID(uiSessionID, result.BackendSessionID)
		rec, _ = m.registry.Get(uiSessionID)
	}
	if result.RevertMessageID != "" {
		m.registry.SetRevert(uiSessionID, &backend.RevertPointer{MessageID: result.RevertMessageID})
		rec.Revert = &backend.RevertPointer{MessageID: result.RevertMessageID}
	}

	metrics.BackendConnects.WithLabelValues(string(kind), "reconnect", "ok").Inc()
	m.persist(ctx, rec)
	m.log.Info("session reconnected", "ui_session", uiSessionID, "kind", string(kind), "generation", generation)
	return rec, nil
}

// Disconnect removes the session and tears down the shared backend when
// this was the worktree's last session of its kind.
func (m *Manager) Disconnect(ctx context.Context, uiSessionID string) error {
	m.locks.Lock(uiSessionID)
	rec, last, ok := m.registry.Remove(uiSessionID)
	m.locks.Unlock(uiSessionID)
	m.locks.Delete(uiSessionID)

	if !ok {
		return backend.ErrUnknownSession("disconnect", uiSessionID)
	}

	b := m.backends[rec.Kind]
	if err := b.Disconnect(ctx, uiSessionID); err != nil && !backend.IsCode(err, backend.CodeUnknownSession) {
		m.log.Warn("backend disconnect failed", "ui_session", uiSessionID, "error", err)
	}

	m.permissions.PurgeSession(uiSessionID)
	m.questions.PurgeSession(uiSessionID)
	m.mux.DropSession(uiSessionID)
	m.promptStarts.Delete(uiSessionID)
	m.lastActivity.Delete(uiSessionID)

	if last {
		if err := b.Cleanup(ctx, rec.WorktreePath); err != nil {
			m.log.Warn("backend cleanup failed", "worktree", rec.WorktreePath, "error", err)
		}
	}

	if rec.Active() {
		metrics.ActiveSessions.WithLabelValues(string(rec.Kind)).Dec()
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, uiSessionID); err != nil {
			m.log.Warn("failed to delete session record", "ui_session", uiSessionID, "error", err)
		}
	}
	m.log.Info("session disconnected", "ui_session", uiSessionID, "last_for_backend", last)
	return nil
}

// Prompt forwards one turn. Busy sessions on non-queuing backends are
// rejected, never silently dropped.
func (m *Manager) Prompt(ctx context.Context, uiSessionID string, content backend.Prompt, model string) error {
	rec, b, err := m.resolve("prompt", uiSessionID)
	if err != nil {
		return err
	}
	if rec.Status == backend.StatusBusy && !b.Capabilities().PromptQueue {
		return backend.ErrBusy("prompt", uiSessionID)
	}
	if err := b.Prompt(ctx, uiSessionID, content, model); err != nil {
		return err
	}
	if model != "" {
		m.registry.SetModel(uiSessionID, model)
	}
	now := time.Now()
	m.promptStarts.Store(uiSessionID, now)
	m.lastActivity.Store(uiSessionID, now)
	return nil
}

// Abort sends a best-effort cancellation signal. The status event stream
// is authoritative for when the turn actually ends.
func (m *Manager) Abort(ctx context.Context, uiSessionID string) bool {
	_, b, err := m.resolve("abort", uiSessionID)
	if err != nil {
		return false
	}
	return b.Abort(ctx, uiSessionID)
}

func (m *Manager) Messages(ctx context.Context, uiSessionID string) ([]backend.Message, error) {
	_, b, err := m.resolve("messages", uiSessionID)
	if err != nil {
		return nil, err
	}
	return b.Messages(ctx, uiSessionID)
}

func (m *Manager) ListModels(ctx context.Context, uiSessionID string) ([]backend.ModelInfo, error) {
	_, b, err := m.resolve("list_models", uiSessionID)
	if err != nil {
		return nil, err
	}
	return b.ListModels(ctx, uiSessionID)
}

func (m *Manager) ModelInfo(ctx context.Context, uiSessionID string) (*backend.ModelInfo, error) {
	_, b, err := m.resolve("model_info", uiSessionID)
	if err != nil {
		return nil, err
	}
	return b.ModelInfo(ctx, uiSessionID)
}

func (m *Manager) SetModel(ctx context.Context, uiSessionID, modelID string) error {
	_, b, err := m.resolve("set_model", uiSessionID)
	if err != nil {
		return err
	}
	if err := b.SetModel(ctx, uiSessionID, modelID); err != nil {
		return err
	}
	m.registry.SetModel(uiSessionID, modelID)
	return nil
}

// SessionInfo returns the registry record enriched with the backend's
// current view (title, revert pointer).
func (m *Manager) SessionInfo(ctx context.Context, uiSessionID string) (*Record, error) {
	rec, b, err := m.resolve("session_info", uiSessionID)
	if err != nil {
		return nil, err
	}
	info, err := b.SessionInfo(ctx, uiSessionID)
	if err != nil {
		return nil, err
	}
	if info.Title != "" {
		rec.Title = info.Title
		m.registry.SetTitle(uiSessionID, info.Title)
	}
	if info.Revert != nil {
		rec.Revert = info.Revert
		m.registry.SetRevert(uiSessionID, info.Revert)
	}
	return rec, nil
}

// Undo reverts the last turn and updates the cached revert pointer.
func (m *Manager) Undo(ctx context.Context, uiSessionID string) (*backend.RevertPointer, error) {
	_, b, err := m.resolve("undo", uiSessionID)
	if err != nil {
		return nil, err
	}
	rp, err := b.Undo(ctx, uiSessionID)
	if err != nil {
		return nil, err
	}
	m.registry.SetRevert(uiSessionID, rp)
	return rp, nil
}

// Redo restores the last reverted turn and updates the cached pointer.
func (m *Manager) Redo(ctx context.Context, uiSessionID string) (*backend.RevertPointer, error) {
	_, b, err := m.resolve("redo", uiSessionID)
	if err != nil {
		return nil, err
	}
	rp, err := b.Redo(ctx, uiSessionID)
	if err != nil {
		return nil, err
	}
	m.registry.SetRevert(uiSessionID, rp)
	return rp, nil
}

func (m *Manager) ListCommands(ctx context.Context, uiSessionID string) ([]backend.Command, error) {
	_, b, err := m.resolve("list_commands", uiSessionID)
	if err != nil {
		return nil, err
	}
	return b.ListCommands(ctx, uiSessionID)
}

func (m *Manager) SendCommand(ctx context.Context, uiSessionID, command, arguments string) error {
	_, b, err := m.resolve("send_command", uiSessionID)
	if err != nil {
		return err
	}
	return b.SendCommand(ctx, uiSessionID, command, arguments)
}

func (m *Manager) RenameSession(ctx context.Context, uiSessionID, title string) error {
	_, b, err := m.resolve("rename_session", uiSessionID)
	if err != nil {
		return err
	}
	if err := b.RenameSession(ctx, uiSessionID, title); err != nil {
		return err
	}
	m.registry.SetTitle(uiSessionID, title)
	return nil
}

// QuestionReply answers a pending question. Unknown ids are a no-op
// success unless a kind hint routes the reply to a backend anyway.
func (m *Manager) QuestionReply(ctx context.Context, requestID string, answers []string, kindHint backend.Kind) error {
	return m.resolvePending(ctx, m.questions, requestID, kindHint, func(b backend.Backend) error {
		return b.QuestionReply(ctx, requestID, answers)
	})
}

// QuestionReject dismisses a pending question.
func (m *Manager) QuestionReject(ctx context.Context, requestID string, kindHint backend.Kind) error {
	return m.resolvePending(ctx, m.questions, requestID, kindHint, func(b backend.Backend) error {
		return b.QuestionReject(ctx, requestID)
	})
}

// PermissionReply resolves a pending permission or command approval.
func (m *Manager) PermissionReply(ctx context.Context, requestID string, reply backend.PermissionReply, kindHint backend.Kind) error {
	return m.resolvePending(ctx, m.permissions, requestID, kindHint, func(b backend.Backend) error {
		return b.PermissionReply(ctx, requestID, reply)
	})
}

// resolvePending routes a reply for a ledger entry to the owning backend.
// Ledger misses resolve idempotently: double-clicked replies succeed with
// no side effect, unless a kind hint says to forward anyway (covers
// sessions not currently tracked by uiSessionId).
func (m *Manager) resolvePending(ctx context.Context, ledger *Ledger, requestID string, kindHint backend.Kind, route func(backend.Backend) error) error {
	entry, ok := ledger.Get(requestID)
	if !ok {
		if !kindHint.Valid() {
			return nil
		}
		b, found := m.backends[kindHint]
		if !found {
			return nil
		}
		if err := route(b); err != nil && !backend.IsCode(err, backend.CodeUnknownSession) {
			return err
		}
		return nil
	}

	var b backend.Backend
	if rec, found := m.registry.Get(entry.UISessionID); found {
		b = m.backends[rec.Kind]
	} else if kindHint.Valid() {
		b = m.backends[kindHint]
	}
	if b == nil {
		// Session vanished and no hint; resolving the entry is all we can do.
		ledger.Resolve(requestID)
		return nil
	}

	if err := route(b); err != nil && !backend.IsCode(err, backend.CodeUnknownSession) {
		return err
	}
	ledger.Resolve(requestID)
	return nil
}

// PendingRequests lists unresolved permission and question entries,
// optionally filtered by session.
func (m *Manager) PendingRequests(sessionFilter string) []*PendingRequest {
	out := m.permissions.List(sessionFilter)
	out = append(out, m.questions.List(sessionFilter)...)
	return out
}

// PurgePendingOlderThan reaps orphaned ledger entries. Returns the total purged.
func (m *Manager) PurgePendingOlderThan(cutoff time.Time) int {
	return m.permissions.PurgeOlderThan(cutoff) + m.questions.PurgeOlderThan(cutoff)
}

// Capabilities returns the descriptor for the session's backend kind, or
// the union of all registered backends when no session is given.
func (m *Manager) Capabilities(uiSessionID string) backend.Capabilities {
	if uiSessionID != "" {
		if rec, ok := m.registry.Get(uiSessionID); ok {
			if b, found := m.backends[rec.Kind]; found {
				return b.Capabilities()
			}
		}
	}
	all := make([]backend.Capabilities, 0, len(m.backends))
	for _, b := range m.backends {
		all = append(all, b.Capabilities())
	}
	return backend.Union(all...)
}

// Sessions returns snapshots of every registered session.
func (m *Manager) Sessions() []*Record {
	return m.registry.List()
}

// Session returns one session's snapshot.
func (m *Manager) Session(uiSessionID string) (*Record, error) {
	rec, ok := m.registry.Get(uiSessionID)
	if !ok {
		return nil, backend.ErrUnknownSession("session", uiSessionID)
	}
	return rec, nil
}

// Cleanup releases every backend on app shutdown.
func (m *Manager) Cleanup(ctx context.Context) error {
	var errs []error
	for kind, b := range m.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	for _, rec := range m.registry.List() {
		m.registry.Remove(rec.UISessionID)
		if rec.Active() {
			metrics.ActiveSessions.WithLabelValues(string(rec.Kind)).Dec()
		}
	}
	return errors.Join(errs...)
}

// handleEvent is the sink attached to every backend. It enforces the
// generation check, the status machine, and ledger creation before events
// reach subscribers.
func (m *Manager) handleEvent(ev *backend.Event) {
	rec, ok := m.registry.Get(ev.SessionID)
	if !ok {
		metrics.StaleEventsDropped.Inc()
		return
	}
	if ev.Generation != 0 && ev.Generation < rec.Generation {
		metrics.StaleEventsDropped.Inc()
		return
	}

	if ev.Type == backend.EventSessionStatus && ev.Status != nil {
		if !backend.ValidStatusTransition(rec.Status, ev.Status.Type) {
			m.log.Warn("backend emitted invalid status transition",
				"ui_session", ev.SessionID, "from", string(rec.Status), "to", string(ev.Status.Type))
			return
		}
		m.registry.SetStatus(ev.SessionID, ev.Status.Type)
		if ev.Status.Type == backend.StatusIdle {
			if start, loaded := m.promptStarts.LoadAndDelete(ev.SessionID); loaded {
				metrics.PromptDuration.WithLabelValues(string(rec.Kind)).Observe(time.Since(start.(time.Time)).Seconds())
			}
		}
	}

	switch ev.Type {
	case backend.EventPermissionAsked:
		m.recordPending(m.permissions, RequestPermission, ev)
	case backend.EventCommandApproval:
		m.recordPending(m.permissions, RequestCommandApproval, ev)
	case backend.EventQuestionAsked:
		m.recordPending(m.questions, RequestQuestion, ev)
	case backend.EventSessionRenamed:
		if title, ok := ev.Data["title"].(string); ok && title != "" {
			m.registry.SetTitle(ev.SessionID, title)
		}
	}

	m.lastActivity.Store(ev.SessionID, time.Now())
	metrics.EventsDelivered.WithLabelValues(string(rec.Kind)).Inc()
	m.mux.Publish(ev)
}

// DisconnectIdle reaps sessions that have been idle with no activity since
// the cutoff, which in turn tears down backends nobody uses. Returns how
// many sessions were removed.
func (m *Manager) DisconnectIdle(ctx context.Context, cutoff time.Time) int {
	reaped := 0
	for _, rec := range m.registry.List() {
		if rec.Status == backend.StatusBusy || rec.Status == backend.StatusRetry {
			continue
		}
		last := rec.CreatedAt
		if v, ok := m.lastActivity.Load(rec.UISessionID); ok {
			last = v.(time.Time)
		}
		if last.After(cutoff) {
			continue
		}
		if err := m.Disconnect(ctx, rec.UISessionID); err != nil {
			m.log.Warn("idle reap failed", "ui_session", rec.UISessionID, "error", err)
			continue
		}
		m.log.Info("reaped idle session", "ui_session", rec.UISessionID, "last_activity", last)
		reaped++
	}
	return reaped
}

func (m *Manager) recordPending(ledger *Ledger, kind RequestKind, ev *backend.Event) {
	id, _ := ev.Data["id"].(string)
	if id == "" {
		m.log.Warn("waiting-for-input event without request id", "ui_session", ev.SessionID, "type", ev.Type)
		return
	}
	title, _ := ev.Data["title"].(string)
	ledger.Create(&PendingRequest{
		ID:          id,
		UISessionID: ev.SessionID,
		Kind:        kind,
		Title:       title,
		Payload:     ev.Data,
	})
}

// resolve looks up the record and its backend for a routed operation.
func (m *Manager) resolve(op, uiSessionID string) (*Record, backend.Backend, error) {
	rec, ok := m.registry.Get(uiSessionID)
	if !ok || !rec.Active() {
		return nil, nil, backend.ErrUnknownSession(op, uiSessionID)
	}
	b, found := m.backends[rec.Kind]
	if !found {
		return nil, nil, backend.ErrUnexpected(op, fmt.Errorf("no backend registered for kind %q", rec.Kind))
	}
	return rec, b, nil
}

func (m *Manager) persist(ctx context.Context, rec *Record) {
	if m.store == nil {
		return
	}
	if err := m.store.Put(ctx, rec); err != nil {
		m.log.Warn("failed to persist session record", "ui_session", rec.UISessionID, "error", err)
	}
}
