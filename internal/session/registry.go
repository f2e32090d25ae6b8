// Package session is the orchestration core: it owns the session registry,
// the event multiplexer, the pending-request ledgers, and the Manager that
// routes UI operations to backends.
//
// registry.go - Session registry
//
// The registry is the single source of truth for which UI sessions exist,
// which backend each one is bound to, and how many sessions share each
// (worktree, kind) backend. Records move through two phases: pending
// (connect in flight, no backend id yet) and active. A pending record is
// never handed to other subsystems as if it were a live session.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/backend"
)

// Record is one UI session's registry entry.
type Record struct {
	UISessionID  string       `json:"uiSessionId"`
	WorktreePath string       `json:"worktreePath"`
	Kind         backend.Kind `json:"kind"`
	// BackendSessionID is empty while the record is pending.
	BackendSessionID string             `json:"backendSessionId,omitempty"`
	Status           backend.StatusKind `json:"status"`
	// Revert is the cached last undoable boundary, updated after undo/redo.
	Revert *backend.RevertPointer `json:"revert,omitempty"`
	// Generation is the stream epoch; bumped on every reconnect so stale
	// in-flight events from the previous attachment can be discarded.
	Generation uint64    `json:"generation"`
	Model      string    `json:"model,omitempty"`
	Mode       string    `json:"mode,omitempty"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Active reports whether the record finished connecting.
func (r *Record) Active() bool {
	return r.BackendSessionID != ""
}

type refKey struct {
	worktree string
	kind     backend.Kind
}

// Registry holds all session records plus the per-(worktree, kind)
// reference counts that drive shared-backend teardown.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	refs    map[refKey]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		refs:    make(map[refKey]int),
	}
}

// AddPending inserts a pending record for a connect attempt. Fails if the
// id is already taken; the caller serializes attempts per id.
func (r *Registry) AddPending(uiSessionID, worktreePath string, kind backend.Kind, model, mode string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[uiSessionID]; exists {
		return nil, fmt.Errorf("session %s already registered", uiSessionID)
	}
	rec := &Record{
		UISessionID:  uiSessionID,
		WorktreePath: worktreePath,
		Kind:         kind,
		Status:       backend.StatusIdle,
		Generation:   1,
		Model:        model,
		Mode:         mode,
		CreatedAt:    time.Now(),
	}
	r.records[uiSessionID] = rec
	snap := *rec
	return &snap, nil
}

// Activate promotes a pending record with its backend-assigned id and
// increments the shared-backend refcount.
func (r *Registry) Activate(uiSessionID, backendSessionID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[uiSessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not registered", uiSessionID)
	}
	if rec.Active() {
		return nil, fmt.Errorf("session %s already active", uiSessionID)
	}
	rec.BackendSessionID = backendSessionID
	r.refs[refKey{rec.WorktreePath, rec.Kind}]++
	snap := *rec
	return &snap, nil
}

// RemovePending discards a pending record after a failed connect.
func (r *Registry) RemovePending(uiSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[uiSessionID]; ok && !rec.Active() {
		delete(r.records, uiSessionID)
	}
}

// Remove deletes a record. For active records it decrements the shared
// refcount and reports whether this was the last session for the record's
// (worktree, kind), which must trigger backend teardown exactly once.
func (r *Registry) Remove(uiSessionID string) (rec *Record, lastForBackend bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, found := r.records[uiSessionID]
	if !found {
		return nil, false, false
	}
	delete(r.records, uiSessionID)

	if stored.Active() {
		key := refKey{stored.WorktreePath, stored.Kind}
		r.refs[key]--
		if r.refs[key] <= 0 {
			delete(r.refs, key)
			lastForBackend = true
		}
	}
	snap := *stored
	return &snap, lastForBackend, true
}

// Get returns a snapshot of one record.
func (r *Registry) Get(uiSessionID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[uiSessionID]
	if !ok {
		return nil, false
	}
	snap := *rec
	return &snap, true
}

// List returns snapshots of every record.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		snap := *rec
		out = append(out, &snap)
	}
	return out
}

// Len returns the number of registered sessions, pending included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Refcount returns the active-session count for a (worktree, kind) pair.
func (r *Registry) Refcount(worktreePath string, kind backend.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[refKey{worktreePath, kind}]
}

// Generation returns the session's current stream epoch.
func (r *Registry) Generation(uiSessionID string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[uiSessionID]
	if !ok {
		return 0, false
	}
	return rec.Generation, true
}

// BumpGeneration advances the session's stream epoch and returns it.
func (r *Registry) BumpGeneration(uiSessionID string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[uiSessionID]
	if !ok {
		return 0, false
	}
	rec.Generation++
	return rec.Generation, true
}

// SetStatus records a backend-reported status transition.
func (r *Registry) SetStatus(uiSessionID string, status backend.StatusKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[uiSessionID]
	if !ok {
		return false
	}
	rec.Status = status
	return true
}

// SetRevert updates the cached revert pointer.
func (r *Registry) SetRevert(uiSessionID string, revert *backend.RevertPointer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[uiSessionID]; ok {
		rec.Revert = revert
	}
}

// SetBackendSessionID rebinds an active record after a reconnect.
func (r *Registry) SetBackendSessionID(uiSessionID, backendSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[uiSessionID]; ok {
		rec.BackendSessionID = backendSessionID
	}
}

// SetTitle updates the display title.
func (r *Registry) SetTitle(uiSessionID, title string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[uiSessionID]; ok {
		rec.Title = title
	}
}

// SetModel updates the recorded model selection.
func (r *Registry) SetModel(uiSessionID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[uiSessionID]; ok {
		rec.Model = model
	}
}
