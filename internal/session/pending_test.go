package session

import (
	"testing"
	"time"
)

func TestLedgerResolveIdempotent(t *testing.T) {
	l := NewLedger("permission")
	l.Create(&PendingRequest{ID: "perm_1", UISessionID: "ui_1", Kind: RequestPermission})

	if !l.Resolve("perm_1") {
		t.Fatal("first resolve returned false")
	}
	// Unknown and already-resolved ids are no-ops, never errors.
	if l.Resolve("perm_1") {
		t.Error("second resolve returned true")
	}
	if l.Resolve("perm_never_existed") {
		t.Error("resolve of unknown id returned true")
	}
	if l.Len() != 0 {
		t.Errorf("ledger holds %d entries after resolve", l.Len())
	}
}

func TestLedgerListFiltersBySession(t *testing.T) {
	l := NewLedger("question")
	l.Create(&PendingRequest{ID: "q_1", UISessionID: "ui_1", Kind: RequestQuestion})
	l.Create(&PendingRequest{ID: "q_2", UISessionID: "ui_2", Kind: RequestQuestion})
	l.Create(&PendingRequest{ID: "q_3", UISessionID: "ui_1", Kind: RequestQuestion})

	if got := l.List("ui_1"); len(got) != 2 {
		t.Errorf("List(ui_1) = %d entries, want 2", len(got))
	}
	if got := l.List(""); len(got) != 3 {
		t.Errorf("List() = %d entries, want 3", len(got))
	}
}

func TestLedgerPurgeSession(t *testing.T) {
	l := NewLedger("permission")
	l.Create(&PendingRequest{ID: "p_1", UISessionID: "ui_1", Kind: RequestPermission})
	l.Create(&PendingRequest{ID: "p_2", UISessionID: "ui_2", Kind: RequestPermission})

	if n := l.PurgeSession("ui_1"); n != 1 {
		t.Errorf("PurgeSession = %d, want 1", n)
	}
	if _, ok := l.Get("p_1"); ok {
		t.Error("purged entry still retrievable")
	}
	if _, ok := l.Get("p_2"); !ok {
		t.Error("unrelated entry purged")
	}
}

func TestLedgerPurgeOlderThan(t *testing.T) {
	l := NewLedger("permission")
	l.Create(&PendingRequest{ID: "old", UISessionID: "ui_1", Kind: RequestPermission, CreatedAt: time.Now().Add(-time.Hour)})
	l.Create(&PendingRequest{ID: "new", UISessionID: "ui_1", Kind: RequestPermission})

	if n := l.PurgeOlderThan(time.Now().Add(-time.Minute)); n != 1 {
		t.Errorf("PurgeOlderThan = %d, want 1", n)
	}
	if _, ok := l.Get("new"); !ok {
		t.Error("fresh entry purged")
	}
}

func TestLedgerGetReturnsSnapshot(t *testing.T) {
	l := NewLedger("question")
	l.Create(&PendingRequest{ID: "q_1", UISessionID: "ui_1", Kind: RequestQuestion, Title: "pick one"})

	snap, _ := l.Get("q_1")
	snap.Title = "mutated"
	fresh, _ := l.Get("q_1")
	if fresh.Title != "pick one" {
		t.Error("mutating a snapshot leaked into the ledger")
	}
}
