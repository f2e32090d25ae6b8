package janitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/session"
)

type fakePruner struct {
	mu     sync.Mutex
	calls  int
	pruned int64
}

func (f *fakePruner) DeleteOlderThan(_ context.Context, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.pruned, nil
}

func newTestJanitor(t *testing.T, specs config.JanitorConfig) (*Janitor, *fakePruner) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := session.NewManager(session.Options{EventChannelBuffer: 8, Logger: log})
	pruner := &fakePruner{pruned: 2}
	limits := config.LimitsConfig{PendingRequestTTLMinutes: 60, IdleBackendMinutes: 30}
	return New(mgr, pruner, limits, specs, log), pruner
}

func TestStartRejectsBadSpec(t *testing.T) {
	j, _ := newTestJanitor(t, config.JanitorConfig{PendingSweep: "not a cron spec"})
	if err := j.Start(); err == nil {
		t.Error("bad cron spec accepted")
	}
}

func TestStartAndStop(t *testing.T) {
	j, _ := newTestJanitor(t, config.JanitorConfig{
		PendingSweep: "@every 1h",
		BackendSweep: "@every 1h",
		RecordSweep:  "@every 1h",
	})
	if err := j.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j.Stop()
}

func TestSweepsRunDirectly(t *testing.T) {
	j, pruner := newTestJanitor(t, config.JanitorConfig{})

	// With nothing registered the sweeps are no-ops that must not panic.
	j.sweepPending()
	j.sweepIdleSessions()
	j.sweepRecords()

	if pruner.calls != 1 {
		t.Errorf("record sweep ran %d times, want 1", pruner.calls)
	}
}

func TestSweepsDisabledByZeroLimits(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := session.NewManager(session.Options{EventChannelBuffer: 8, Logger: log})
	j := New(mgr, nil, config.LimitsConfig{}, config.JanitorConfig{}, log)

	// Zero TTL and idle window disable the sweeps entirely.
	j.sweepPending()
	j.sweepIdleSessions()
}
