package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alembic/internal/logging"
	"alembic/internal/queue"
	"alembic/internal/services"
)

func (m *Manager) runWorker(ctx context.Context, workerID int) {
	defer m.wg.Done()
	workerName := fmt.Sprintf("worker-%d", workerID)
	logger := m.logger.With(
		logging.String(logging.FieldComponent, "scheduler"),
		logging.Int(logging.FieldWorker, workerID),
	)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := m.store.ClaimNextReady(ctx, workerName)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.setLastError(err)
			logger.Error("failed to claim next task",
				logging.Error(err),
				logging.String(logging.FieldEventType, "claim_failed"))
			m.waitOrShutdown(ctx, time.Duration(m.cfg.Scheduler.ErrorRetryInterval)*time.Second)
			continue
		}
		if task == nil {
			m.waitOrShutdown(ctx, m.pollInterval)
			continue
		}

		taskCtx := services.WithWorker(services.WithTaskID(ctx, task.ID), workerID)
		if err := m.processTask(taskCtx, logger, task); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
		}
	}
}

// processTask drives a claimed task through its conversion path while a
// heartbeat loop keeps the claim alive.
func (m *Manager) processTask(ctx context.Context, logger *slog.Logger, task *queue.Task) error {
	taskLogger := logging.WithContext(ctx, logger)
	started := time.Now()
	taskLogger.Info("task started",
		logging.String(logging.FieldEventType, "task_start"),
		logging.String("source_format", task.SourceFormat),
		logging.String("target_format", task.TargetFormat),
		logging.Int("attempt", task.Attempts))

	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, task.ID)

	execErr := m.executeTask(ctx, taskLogger, task)
	hbCancel()
	hbWG.Wait()

	if execErr != nil {
		if errors.Is(execErr, context.Canceled) {
			taskLogger.Debug("task interrupted by shutdown")
			return execErr
		}
		m.handleTaskFailure(ctx, taskLogger, task, execErr)
		return execErr
	}

	taskLogger.Info("task finished",
		logging.String(logging.FieldEventType, "task_complete"),
		logging.Duration("task_duration", time.Since(started)))
	return nil
}
