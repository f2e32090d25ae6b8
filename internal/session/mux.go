// Package session is the orchestration core.
//
// mux.go - Event multiplexer
//
// The Mux fans one already-validated event stream out to subscribers.
// Subscriptions are plain channels bound to a context: when the context is
// cancelled the subscription is removed and its channel closed, so there is
// no unsubscribe callback to leak. Within one session events keep emit
// order; cross-session ordering is unspecified.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agentmux/agentmux/internal/backend"
)

type subscriber struct {
	ch chan *backend.Event
	// sessionID is empty for firehose subscribers.
	sessionID string
}

// Mux distributes session events to channel subscribers and keeps a replay
// buffer per session for late attachers.
type Mux struct {
	log     *slog.Logger
	chanBuf int
	bufSize int

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	buffers map[string]*eventBuffer
}

// NewMux creates a multiplexer. chanBuf sizes subscriber channels; bufSize
// sizes per-session replay buffers.
func NewMux(chanBuf, bufSize int, log *slog.Logger) *Mux {
	if chanBuf <= 0 {
		chanBuf = 256
	}
	return &Mux{
		log:     log,
		chanBuf: chanBuf,
		bufSize: bufSize,
		subs:    make(map[*subscriber]struct{}),
		buffers: make(map[string]*eventBuffer),
	}
}

// Publish buffers the event and delivers it to matching subscribers. A
// subscriber that cannot keep up loses the event; the replay buffer is the
// recovery path.
func (m *Mux) Publish(ev *backend.Event) {
	m.mu.Lock()
	buf, ok := m.buffers[ev.SessionID]
	if !ok {
		buf = newEventBuffer(m.bufSize)
		m.buffers[ev.SessionID] = buf
	}
	m.mu.Unlock()

	buf.append(ev)

	// Sends happen under the read lock; unsubscribe closes channels under
	// the write lock, so a send can never hit a closed channel.
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sub := range m.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			m.log.Debug("subscriber lagging, event dropped from channel", "session", ev.SessionID, "type", ev.Type)
		}
	}
}

// Subscribe delivers one session's events until ctx is cancelled.
func (m *Mux) Subscribe(ctx context.Context, sessionID string) <-chan *backend.Event {
	return m.subscribe(ctx, sessionID)
}

// SubscribeAll delivers every session's events until ctx is cancelled.
func (m *Mux) SubscribeAll(ctx context.Context) <-chan *backend.Event {
	return m.subscribe(ctx, "")
}

func (m *Mux) subscribe(ctx context.Context, sessionID string) <-chan *backend.Event {
	sub := &subscriber{
		ch:        make(chan *backend.Event, m.chanBuf),
		sessionID: sessionID,
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, sub)
		close(sub.ch)
		m.mu.Unlock()
	}()

	return sub.ch
}

// Replay returns buffered events for a session after the given index.
// since = -1 replays everything still buffered.
func (m *Mux) Replay(sessionID string, since int) ([]*BufferedEvent, error) {
	m.mu.RLock()
	buf, ok := m.buffers[sessionID]
	m.mu.RUnlock()

	if !ok {
		return []*BufferedEvent{}, nil
	}
	return buf.after(since)
}

// LastIndex returns the newest buffered index for a session, -1 if none.
func (m *Mux) LastIndex(sessionID string) int {
	m.mu.RLock()
	buf, ok := m.buffers[sessionID]
	m.mu.RUnlock()

	if !ok {
		return -1
	}
	return buf.lastIndex()
}

// DropSession discards the session's replay buffer after disconnect.
func (m *Mux) DropSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, sessionID)
}
