package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(ui string) *session.Record {
	return &session.Record{
		UISessionID:      ui,
		WorktreePath:     "/work/a",
		Kind:             backend.KindOpenCode,
		BackendSessionID: "be_" + ui,
		Model:            "anthropic/claude-sonnet-4",
		Mode:             "code",
		Title:            "test session",
		Revert:           &backend.RevertPointer{MessageID: "msg_9"},
		CreatedAt:        time.Now().Truncate(time.Second),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := testRecord("ui_1")
	if err := s.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "ui_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BackendSessionID != want.BackendSessionID ||
		got.Kind != want.Kind ||
		got.WorktreePath != want.WorktreePath ||
		got.Model != want.Model {
		t.Errorf("loaded record = %+v, want %+v", got, want)
	}
	if got.Revert == nil || got.Revert.MessageID != "msg_9" {
		t.Errorf("revert pointer = %+v", got.Revert)
	}
}

func TestPutUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("ui_1")
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec.BackendSessionID = "be_rotated"
	rec.Revert = nil
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, err := s.Get(ctx, "ui_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BackendSessionID != "be_rotated" {
		t.Errorf("backend session id = %q after upsert", got.BackendSessionID)
	}
	if got.Revert != nil {
		t.Errorf("revert pointer survived upsert: %+v", got.Revert)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("List = %d records after upsert, want 1", len(all))
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "ui_missing")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("error = %v, want ErrRecordNotFound", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testRecord("ui_1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "ui_1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "ui_1"); err != nil {
		t.Fatalf("repeat Delete: %v", err)
	}
	if _, err := s.Get(ctx, "ui_1"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("record survived delete: %v", err)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testRecord("ui_old")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Backdate the record past the cutoff.
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE ui_session_id = ?`,
		time.Now().Add(-48*time.Hour), "ui_old"); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	if err := s.Put(ctx, testRecord("ui_new")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	n, err := s.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d records, want 1", n)
	}
	if _, err := s.Get(ctx, "ui_new"); err != nil {
		t.Errorf("fresh record pruned: %v", err)
	}
}
