// Package janitor runs the background sweeps: orphaned pending requests,
// idle sessions (and with them, unused backend processes), and stale
// persisted records.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/session"
)

const (
	sweepTimeout = 30 * time.Second
	// recordMaxAge bounds how long a persisted record without a reconnect
	// stays eligible for rehydration.
	recordMaxAge = 48 * time.Hour
)

// RecordPruner prunes stale persisted session records.
type RecordPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor schedules the sweeps on cron specs from config.
type Janitor struct {
	cron    *cron.Cron
	log     *slog.Logger
	manager *session.Manager
	pruner  RecordPruner // nil when persistence is off
	limits  config.LimitsConfig
	specs   config.JanitorConfig
}

// New creates a janitor. pruner may be nil.
func New(manager *session.Manager, pruner RecordPruner, limits config.LimitsConfig, specs config.JanitorConfig, log *slog.Logger) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		cron:    cron.New(),
		log:     log,
		manager: manager,
		pruner:  pruner,
		limits:  limits,
		specs:   specs,
	}
}

// Start registers the sweeps and begins the scheduler.
func (j *Janitor) Start() error {
	if j.specs.PendingSweep != "" {
		if _, err := j.cron.AddFunc(j.specs.PendingSweep, j.sweepPending); err != nil {
			return fmt.Errorf("invalid pending sweep spec %q: %w", j.specs.PendingSweep, err)
		}
	}
	if j.specs.BackendSweep != "" {
		if _, err := j.cron.AddFunc(j.specs.BackendSweep, j.sweepIdleSessions); err != nil {
			return fmt.Errorf("invalid backend sweep spec %q: %w", j.specs.BackendSweep, err)
		}
	}
	if j.specs.RecordSweep != "" && j.pruner != nil {
		if _, err := j.cron.AddFunc(j.specs.RecordSweep, j.sweepRecords); err != nil {
			return fmt.Errorf("invalid record sweep spec %q: %w", j.specs.RecordSweep, err)
		}
	}
	j.cron.Start()
	j.log.Info("janitor started",
		"pending_sweep", j.specs.PendingSweep,
		"backend_sweep", j.specs.BackendSweep,
		"record_sweep", j.specs.RecordSweep)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.log.Info("janitor stopped")
}

// sweepPending purges pending requests older than the TTL. Those entries
// are waits whose session died without resolving them; the UI can no
// longer answer them meaningfully.
func (j *Janitor) sweepPending() {
	ttl := time.Duration(j.limits.PendingRequestTTLMinutes) * time.Minute
	if ttl <= 0 {
		return
	}
	purged := j.manager.PurgePendingOlderThan(time.Now().Add(-ttl))
	if purged > 0 {
		j.log.Info("purged orphaned pending requests", "count", purged)
	}
	metrics.JanitorSweeps.WithLabelValues("pending", "ok").Inc()
}

// sweepIdleSessions disconnects sessions with no activity past the idle
// window; the last session of a worktree takes its backend process down.
func (j *Janitor) sweepIdleSessions() {
	idle := time.Duration(j.limits.IdleBackendMinutes) * time.Minute
	if idle <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	reaped := j.manager.DisconnectIdle(ctx, time.Now().Add(-idle))
	if reaped > 0 {
		j.log.Info("reaped idle sessions", "count", reaped)
	}
	metrics.JanitorSweeps.WithLabelValues("idle_sessions", "ok").Inc()
}

// sweepRecords prunes persisted records whose sessions never reconnected.
func (j *Janitor) sweepRecords() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	cutoff := time.Now().Add(-recordMaxAge)
	pruned, err := j.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.log.Warn("record sweep failed", "error", err)
		metrics.JanitorSweeps.WithLabelValues("records", "error").Inc()
		return
	}
	if pruned > 0 {
		j.log.Info("pruned stale session records", "count", pruned)
	}
	metrics.JanitorSweeps.WithLabelValues("records", "ok").Inc()
}
