package session

import (
	"testing"

	"github.com/agentmux/agentmux/internal/backend"
)

func TestPendingThenActivate(t *testing.T) {
	r := NewRegistry()

	rec, err := r.AddPending("ui_1", "/work/a", backend.KindOpenCode, "", "")
	if err != nil {
		t.Fatalf("AddPending: %v", err)
	}
	if rec.Active() {
		t.Fatal("pending record reports active")
	}
	if rec.Generation != 1 {
		t.Errorf("initial generation = %d, want 1", rec.Generation)
	}
	// A pending record holds no backend reference yet.
	if n := r.Refcount("/work/a", backend.KindOpenCode); n != 0 {
		t.Errorf("refcount before activation = %d", n)
	}

	rec, err = r.Activate("ui_1", "be_1")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !rec.Active() || rec.BackendSessionID != "be_1" {
		t.Errorf("activated record = %+v", rec)
	}
	if n := r.Refcount("/work/a", backend.KindOpenCode); n != 1 {
		t.Errorf("refcount after activation = %d", n)
	}
}

func TestAddPendingDuplicate(t *testing.T) {
	r := NewRegistry()
	if _, err := r.AddPending("ui_1", "/work/a", backend.KindOpenCode, "", ""); err != nil {
		t.Fatalf("AddPending: %v", err)
	}
	if _, err := r.AddPending("ui_1", "/work/a", backend.KindOpenCode, "", ""); err == nil {
		t.Fatal("duplicate AddPending succeeded")
	}
}

func TestRemoveReportsLastForBackend(t *testing.T) {
	r := NewRegistry()
	for _, ui := range []string{"ui_1", "ui_2"} {
		if _, err := r.AddPending(ui, "/work/a", backend.KindOpenCode, "", ""); err != nil {
			t.Fatalf("AddPending(%s): %v", ui, err)
		}
		if _, err := r.Activate(ui, "be_"+ui); err != nil {
			t.Fatalf("Activate(%s): %v", ui, err)
		}
	}

	_, last, ok := r.Remove("ui_1")
	if !ok || last {
		t.Fatalf("first remove: ok=%v last=%v, want ok and not last", ok, last)
	}
	_, last, ok = r.Remove("ui_2")
	if !ok || !last {
		t.Fatalf("second remove: ok=%v last=%v, want ok and last", ok, last)
	}
	if _, _, ok := r.Remove("ui_2"); ok {
		t.Fatal("removing a removed session reported ok")
	}
}

func TestRefcountsAreKindScoped(t *testing.T) {
	r := NewRegistry()
	r.AddPending("ui_oc", "/work/a", backend.KindOpenCode, "", "")
	r.Activate("ui_oc", "be_1")
	r.AddPending("ui_cc", "/work/a", backend.KindClaudeCode, "", "")
	r.Activate("ui_cc", "be_2")

	_, last, _ := r.Remove("ui_oc")
	if !last {
		t.Error("opencode removal not last for its kind despite claudecode sharing the worktree")
	}
}

func TestBumpGeneration(t *testing.T) {
	r := NewRegistry()
	r.AddPending("ui_1", "/work/a", backend.KindOpenCode, "", "")

	gen, ok := r.BumpGeneration("ui_1")
	if !ok || gen != 2 {
		t.Errorf("BumpGeneration = (%d, %v), want (2, true)", gen, ok)
	}
	if _, ok := r.BumpGeneration("ui_missing"); ok {
		t.Error("BumpGeneration on unknown session reported ok")
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	r := NewRegistry()
	r.AddPending("ui_1", "/work/a", backend.KindOpenCode, "model-x", "code")
	r.Activate("ui_1", "be_1")

	snap, _ := r.Get("ui_1")
	snap.Title = "mutated"
	snap.Status = backend.StatusBusy

	fresh, _ := r.Get("ui_1")
	if fresh.Title == "mutated" || fresh.Status == backend.StatusBusy {
		t.Error("mutating a snapshot leaked into the registry")
	}
}
