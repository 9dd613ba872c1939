// Package worker contains background coordinators that run alongside the
// sync engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/divvyhq/divvy-sync/internal/engine"
	"github.com/divvyhq/divvy-sync/internal/types"
)

// Syncer defines the operations the scheduler needs from the sync engine.
// Implemented by engine.Engine.
type Syncer interface {
	SyncQueuedChanges(ctx context.Context) error
	ConnectionState() types.ConnectionState
	QueuedChangesCount() int
}

// SyncScheduler drains the offline queue on a cron schedule. The scheduled
// drain is a safety net behind the reconnect-triggered drain: it catches
// entries queued while connected that no explicit sync call picked up.
type SyncScheduler struct {
	syncer   Syncer
	schedule string
	cron     *cron.Cron
}

// NewSyncScheduler creates a scheduler over the syncer. The schedule accepts
// standard cron expressions and descriptors such as "@every 30s".
func NewSyncScheduler(syncer Syncer, schedule string) *SyncScheduler {
	return &SyncScheduler{
		syncer:   syncer,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Run starts the scheduler loop. It blocks until ctx is cancelled, then
// waits for any in-flight drain to finish before returning.
func (s *SyncScheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.trigger(ctx) }); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	slog.Info("sync scheduler started",
		"component", "worker",
		"worker", "sync-scheduler",
		"schedule", s.schedule,
	)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("sync scheduler stopped",
		"component", "worker",
		"worker", "sync-scheduler",
		"reason", "context_cancelled",
	)
	return nil
}

// trigger runs one scheduled drain. Ticks while disconnected, with an empty
// queue, or while another pass is in flight are skipped quietly.
func (s *SyncScheduler) trigger(ctx context.Context) {
	if s.syncer.ConnectionState() != types.StateConnected {
		slog.Debug("scheduled sync skipped, link not connected",
			"component", "worker",
			"worker", "sync-scheduler",
			"state", string(s.syncer.ConnectionState()),
		)
		return
	}
	pending := s.syncer.QueuedChangesCount()
	if pending == 0 {
		return
	}

	start := time.Now()
	if err := s.syncer.SyncQueuedChanges(ctx); err != nil {
		if errors.Is(err, engine.ErrSyncInProgress) {
			slog.Debug("scheduled sync skipped, pass already running",
				"component", "worker",
				"worker", "sync-scheduler",
			)
			return
		}
		if ctx.Err() != nil {
			return
		}
		slog.Error("scheduled sync failed",
			"component", "worker",
			"worker", "sync-scheduler",
			"error", err,
		)
		return
	}

	slog.Info("scheduled sync completed",
		"component", "worker",
		"worker", "sync-scheduler",
		"drained", pending,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
