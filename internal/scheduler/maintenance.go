package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"alembic/internal/logging"
	"alembic/internal/queue"
)

// runMaintenance drives the periodic housekeeping work: promoting due
// scheduled tasks, expiring overdue ones, reclaiming stale claims, and
// sweeping old terminal tasks with their stored artifacts.
func (m *Manager) runMaintenance(ctx context.Context) {
	defer m.wg.Done()
	logger := m.logger.With(logging.String(logging.FieldComponent, "scheduler-maintenance"))

	promoteInterval := time.Duration(m.cfg.Scheduler.PromoteInterval) * time.Second
	if promoteInterval <= 0 {
		promoteInterval = time.Second
	}
	sweepInterval := time.Duration(m.cfg.Scheduler.SweepInterval) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}

	promoteTicker := time.NewTicker(promoteInterval)
	defer promoteTicker.Stop()
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promoteTicker.C:
			m.promoteAndReclaim(ctx, logger)
		case <-sweepTicker.C:
			m.sweep(ctx, logger)
		}
	}
}

func (m *Manager) promoteAndReclaim(ctx context.Context, logger *slog.Logger) {
	now := time.Now().UTC()

	promoted, err := m.store.PromoteScheduled(ctx, now)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.setLastError(err)
		logger.Error("failed to promote scheduled tasks", logging.Error(err))
	} else if promoted > 0 {
		logger.Info("promoted scheduled tasks", logging.Int64("count", promoted))
	}

	expired, err := m.store.ExpireOverdue(ctx, now)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.setLastError(err)
		logger.Error("failed to expire overdue tasks", logging.Error(err))
	} else if expired > 0 {
		logger.Info("expired overdue tasks", logging.Int64("count", expired))
	}

	if err := m.heartbeat.ReclaimStale(ctx, logger); err != nil && !errors.Is(err, context.Canceled) {
		m.setLastError(err)
		logger.Warn("reclaim stale processing failed; stuck tasks may remain", logging.Error(err))
	}
}

// sweep runs the retention pass. Completed tasks past the retention window
// move to expired and lose their artifacts; terminal rows linger one more
// window before the record itself is removed.
func (m *Manager) sweep(ctx context.Context, logger *slog.Logger) {
	retention := time.Duration(m.cfg.Scheduler.RetentionHours) * time.Hour
	if retention <= 0 {
		return
	}
	now := time.Now().UTC()

	expired, err := m.store.ExpireCompleted(ctx, now.Add(-retention))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.setLastError(err)
			logger.Error("retention expiry failed", logging.Error(err))
		}
		return
	}
	m.deleteArtifacts(ctx, logger, expired)
	if len(expired) > 0 {
		logger.Info("expired completed tasks", logging.Int("count", len(expired)))
	}

	swept, err := m.store.SweepTerminal(ctx, now.Add(-2*retention))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.setLastError(err)
			logger.Error("retention sweep failed", logging.Error(err))
		}
		return
	}
	m.deleteArtifacts(ctx, logger, swept)
	if len(swept) > 0 {
		logger.Info("swept terminal tasks", logging.Int("count", len(swept)))
	}

	if _, err := m.store.PruneQuotaUsage(ctx, now.Add(-retention)); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("failed to prune quota counters", logging.Error(err))
	}
}

func (m *Manager) deleteArtifacts(ctx context.Context, logger *slog.Logger, tasks []*queue.Task) {
	for _, task := range tasks {
		for _, ref := range []string{task.SourceRef, task.TargetRef} {
			if ref == "" {
				continue
			}
			if err := m.backend.Delete(ctx, ref); err != nil {
				logger.Warn("failed to delete artifact",
					logging.String(logging.FieldTaskID, task.ID),
					logging.String("ref", ref),
					logging.Error(err))
			}
		}
	}
}
