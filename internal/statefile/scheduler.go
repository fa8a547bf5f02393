// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statefile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Snapshotter produces the records a periodic snapshot persists — the
// live server pool rendered as of now. Concrete pool iteration lives with
// the lifecycle engine (internal/lb); this package only needs the
// resulting slice.
type Snapshotter interface {
	Snapshot() []Record
}

// Scheduler drives periodic state-file snapshots and DNS-resync ticks
// through a single cron.Cron instance, the same one-cron/N-jobs shape as
// the teacher's agent.Scheduler (internal/agent/scheduler.go), adapted
// from per-backup-entry jobs to a fixed pair of maintenance jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	store  Store
	source Snapshotter

	mu       sync.Mutex
	lastSave time.Time
	lastErr  error
}

// NewScheduler builds a Scheduler that snapshots source into store on
// snapshotSchedule (a standard cron expression, e.g. "@every 30s") and
// invokes resync on resyncSchedule (e.g. DNS re-resolution, "@every 5s").
// Either schedule may be empty to skip that job.
func NewScheduler(store Store, source Snapshotter, logger *slog.Logger, snapshotSchedule string, resyncSchedule string, resync func(ctx context.Context)) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger: logger,
		store:  store,
		source: source,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if snapshotSchedule != "" {
		if _, err := c.AddFunc(snapshotSchedule, func() { s.runSnapshot(context.Background()) }); err != nil {
			return nil, fmt.Errorf("statefile: adding snapshot schedule %q: %w", snapshotSchedule, err)
		}
	}
	if resyncSchedule != "" && resync != nil {
		if _, err := c.AddFunc(resyncSchedule, func() { resync(context.Background()) }); err != nil {
			return nil, fmt.Errorf("statefile: adding resync schedule %q: %w", resyncSchedule, err)
		}
	}

	s.cron = c
	return s, nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.logger.Info("state-file scheduler started")
	s.cron.Start()
}

// Stop halts the scheduler, waiting for an in-flight job to finish or ctx
// to expire, mirroring agent.Scheduler.Stop's graceful/timeout split.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("state-file scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("state-file scheduler stop timed out")
	}
}

// LastSnapshot reports when the last snapshot ran and whether it
// succeeded.
func (s *Scheduler) LastSnapshot() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSave, s.lastErr
}

func (s *Scheduler) runSnapshot(ctx context.Context) {
	records := s.source.Snapshot()
	err := s.store.Save(ctx, records)

	s.mu.Lock()
	s.lastSave = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("state-file snapshot failed", "error", err)
		return
	}
	s.logger.Debug("state-file snapshot saved", "records", len(records))
}
