package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/backend"
)

func newTestMux(chanBuf int) *Mux {
	return NewMux(chanBuf, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func ev(sessionID string, n int) *backend.Event {
	return &backend.Event{
		Type:      backend.EventMessage,
		SessionID: sessionID,
		Data:      map[string]any{"n": n},
	}
}

func TestSubscribeFiltersBySession(t *testing.T) {
	m := newTestMux(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := m.Subscribe(ctx, "ui_1")
	m.Publish(ev("ui_1", 1))
	m.Publish(ev("ui_other", 2))
	m.Publish(ev("ui_1", 3))

	got := drain(t, ch, 2)
	for _, e := range got {
		if e.SessionID != "ui_1" {
			t.Errorf("received event for session %q", e.SessionID)
		}
	}
}

func TestSubscribeAllSeesEverySession(t *testing.T) {
	m := newTestMux(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := m.SubscribeAll(ctx)
	m.Publish(ev("ui_1", 1))
	m.Publish(ev("ui_2", 2))

	got := drain(t, ch, 2)
	if got[0].SessionID == got[1].SessionID {
		t.Errorf("firehose missed a session: %q, %q", got[0].SessionID, got[1].SessionID)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	m := newTestMux(8)
	ctx, cancel := context.WithCancel(context.Background())
	ch := m.Subscribe(ctx, "ui_1")

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				// Publishing after the close must not panic.
				m.Publish(ev("ui_1", 1))
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestLaggingSubscriberDoesNotBlockPublish(t *testing.T) {
	m := newTestMux(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = m.Subscribe(ctx, "ui_1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			m.Publish(ev("ui_1", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a lagging subscriber")
	}
}

func TestReplayAfterIndex(t *testing.T) {
	m := newTestMux(8)
	for i := 0; i < 5; i++ {
		m.Publish(ev("ui_1", i))
	}

	all, err := m.Replay("ui_1", -1)
	if err != nil {
		t.Fatalf("Replay(-1): %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("replayed %d events, want 5", len(all))
	}

	tail, err := m.Replay("ui_1", all[2].Index)
	if err != nil {
		t.Fatalf("Replay(after): %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("replayed %d events after index %d, want 2", len(tail), all[2].Index)
	}

	if got, _ := m.Replay("ui_unknown", -1); len(got) != 0 {
		t.Errorf("unknown session replayed %d events", len(got))
	}
}

func TestDropSessionDiscardsBuffer(t *testing.T) {
	m := newTestMux(8)
	m.Publish(ev("ui_1", 1))
	m.DropSession("ui_1")
	if idx := m.LastIndex("ui_1"); idx != -1 {
		t.Errorf("LastIndex after drop = %d, want -1", idx)
	}
}

func drain(t *testing.T, ch <-chan *backend.Event, n int) []*backend.Event {
	t.Helper()
	out := make([]*backend.Event, 0, n)
	deadline := time.After(time.Second)
	for len(out) < n {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-deadline:
			t.Fatalf("received %d events, want %d", len(out), n)
		}
	}
	return out
}
