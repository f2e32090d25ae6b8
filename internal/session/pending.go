// Package session is the orchestration core.
//
// pending.go - Pending-request ledgers
//
// The Manager keeps two independent ledgers: permission requests (command
// approvals included) and question/plan prompts. An entry is created when a
// backend emits a waiting-for-input event and destroyed on reply, reject,
// or session disconnect. Resolve on an unknown id is a no-op success so a
// double-clicked UI reply never surfaces an error.
package session

import (
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/metrics"
)

// RequestKind classifies a pending request.
type RequestKind string

const (
	RequestPermission      RequestKind = "permission"
	RequestQuestion        RequestKind = "question"
	RequestCommandApproval RequestKind = "command_approval"
)

// PendingRequest is one unresolved backend-side wait.
type PendingRequest struct {
	ID          string         `json:"id"`
	UISessionID string         `json:"sessionId"`
	Kind        RequestKind    `json:"kind"`
	Title       string         `json:"title,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Ledger is one keyed store of pending requests. It is pattern-agnostic;
// standing-policy persistence on replies belongs to the backend.
type Ledger struct {
	name string // metrics label

	mu   sync.Mutex
	byID map[string]*PendingRequest
}

// NewLedger creates an empty ledger. name labels the pending-depth gauge.
func NewLedger(name string) *Ledger {
	return &Ledger{
		name: name,
		byID: make(map[string]*PendingRequest),
	}
}

// Create registers a pending request. Duplicate ids overwrite: the backend
// re-announcing a wait supersedes the earlier announcement.
func (l *Ledger) Create(req *PendingRequest) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	l.mu.Lock()
	l.byID[req.ID] = req
	depth := len(l.byID)
	l.mu.Unlock()
	metrics.PendingRequests.WithLabelValues(l.name).Set(float64(depth))
}

// Get returns a pending request by id.
func (l *Ledger) Get(id string) (*PendingRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	snap := *req
	return &snap, true
}

// List returns pending requests, optionally filtered by session id.
func (l *Ledger) List(sessionFilter string) []*PendingRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*PendingRequest, 0, len(l.byID))
	for _, req := range l.byID {
		if sessionFilter != "" && req.UISessionID != sessionFilter {
			continue
		}
		snap := *req
		out = append(out, &snap)
	}
	return out
}

// Resolve removes a pending request. Unknown ids report false but are not
// an error: replies may legitimately race each other.
func (l *Ledger) Resolve(id string) bool {
	l.mu.Lock()
	_, ok := l.byID[id]
	delete(l.byID, id)
	depth := len(l.byID)
	l.mu.Unlock()

	metrics.PendingRequests.WithLabelValues(l.name).Set(float64(depth))
	return ok
}

// PurgeSession drops every entry for a disconnected session.
func (l *Ledger) PurgeSession(uiSessionID string) int {
	l.mu.Lock()
	purged := 0
	for id, req := range l.byID {
		if req.UISessionID == uiSessionID {
			delete(l.byID, id)
			purged++
		}
	}
	depth := len(l.byID)
	l.mu.Unlock()

	metrics.PendingRequests.WithLabelValues(l.name).Set(float64(depth))
	return purged
}

// PurgeOlderThan drops entries created before the cutoff. The janitor runs
// this to reap orphans whose session never resolved them.
func (l *Ledger) PurgeOlderThan(cutoff time.Time) int {
	l.mu.Lock()
	purged := 0
	for id, req := range l.byID {
		if req.CreatedAt.Before(cutoff) {
			delete(l.byID, id)
			purged++
		}
	}
	depth := len(l.byID)
	l.mu.Unlock()

	metrics.PendingRequests.WithLabelValues(l.name).Set(float64(depth))
	return purged
}

// Len returns the number of unresolved entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}
