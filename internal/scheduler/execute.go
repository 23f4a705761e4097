package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"alembic/internal/formats"
	"alembic/internal/logging"
	"alembic/internal/queue"
	"alembic/internal/services"
)

// executeTask runs every step of the task's conversion path and persists the
// outcome. Cancellation is honored at step boundaries: the current step
// finishes, then the task lands in cancelled instead of starting the next
// step.
func (m *Manager) executeTask(ctx context.Context, logger *slog.Logger, task *queue.Task) error {
	var path formats.Path
	if err := json.Unmarshal([]byte(task.PathJSON), &path); err != nil {
		return services.Wrap(services.ErrValidation, "scheduler", "execute", "decode conversion path", err)
	}
	if err := path.Validate(); err != nil {
		return services.Wrap(services.ErrValidation, "scheduler", "execute", "conversion path invalid", err)
	}

	workDir := filepath.Join(m.cfg.Paths.WorkDir, "tasks", task.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "scheduler", "execute", "create task work directory", err)
	}
	defer os.RemoveAll(workDir)

	totalSteps := path.Hops()
	if err := m.store.SetProgress(ctx, task.ID, 0, totalSteps, 0, "fetching input"); err != nil {
		return services.Wrap(services.ErrTransient, "scheduler", "execute", "record initial progress", err)
	}

	current := filepath.Join(workDir, "step-0."+path.Source())
	if err := m.backend.Fetch(ctx, task.SourceRef, current); err != nil {
		return err
	}

	for i, edge := range path {
		cancelled, err := m.cancelRequested(ctx, task.ID)
		if err != nil {
			return err
		}
		if cancelled {
			return services.Wrap(services.ErrCancelled, "scheduler", "execute", "cancellation requested", nil)
		}

		stepCtx := services.WithStep(ctx, edge.Capability)
		stepLogger := logging.WithContext(stepCtx, logger)
		stepLogger.Info("step started",
			logging.String(logging.FieldEventType, "step_start"),
			logging.String("edge", edge.Source+"->"+edge.Target))

		capability, err := m.registry.Capability(edge.Capability)
		if err != nil {
			return err
		}
		next := filepath.Join(workDir, fmt.Sprintf("step-%d.%s", i+1, edge.Target))
		stepStart := time.Now()
		if err := capability.Convert(stepCtx, current, next); err != nil {
			return err
		}
		current = next

		percent := float64(i+1) / float64(totalSteps) * 100
		message := fmt.Sprintf("converted to %s", edge.Target)
		if err := m.store.SetProgress(ctx, task.ID, i+1, totalSteps, percent, message); err != nil {
			return services.Wrap(services.ErrTransient, "scheduler", "execute", "record step progress", err)
		}
		stepLogger.Info("step completed",
			logging.String(logging.FieldEventType, "step_complete"),
			logging.Duration("step_duration", time.Since(stepStart)))
	}

	targetFilename := deriveTargetFilename(task.SourceFilename, path.Target())
	targetRef := filepath.ToSlash(filepath.Join("outputs", task.ID, targetFilename))
	if err := m.backend.Store(ctx, current, targetRef); err != nil {
		return err
	}

	status, err := m.store.CompleteTask(ctx, task.ID, targetRef, targetFilename)
	if err != nil {
		return services.Wrap(services.ErrTransient, "scheduler", "execute", "finalize task", err)
	}
	if status == queue.StatusCancelled {
		// The cancellation won the race; discard the produced output.
		if err := m.backend.Delete(ctx, targetRef); err != nil {
			logger.Warn("failed to remove output of cancelled task", logging.Error(err))
		}
		logger.Info("task cancelled during completion",
			logging.String(logging.FieldEventType, "task_cancelled"))
	}

	m.finalizeTask(ctx, logger, task.ID)
	return nil
}

func (m *Manager) cancelRequested(ctx context.Context, taskID string) (bool, error) {
	fresh, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, services.Wrap(services.ErrTransient, "scheduler", "execute", "reload task", err)
	}
	if fresh == nil {
		return false, services.Wrap(services.ErrNotFound, "scheduler", "execute", "task disappeared mid-flight", nil)
	}
	return fresh.CancelRequested, nil
}

// handleTaskFailure records a failed attempt, scheduling a retry when the
// error is transient and attempts remain.
func (m *Manager) handleTaskFailure(ctx context.Context, logger *slog.Logger, task *queue.Task, taskErr error) {
	m.setLastError(taskErr)

	kind := services.ErrorKind(taskErr)
	message := services.UserMessage(taskErr)

	var retryAt *time.Time
	if services.Retryable(taskErr) && task.Attempts < m.cfg.Scheduler.MaxAttempts {
		at := time.Now().UTC().Add(m.retryDelay(task.Attempts))
		retryAt = &at
	}

	status, err := m.store.FailTask(ctx, task.ID, kind, message, retryAt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, could not record task failure")
			return
		}
		logger.Error("failed to persist task failure", logging.Error(err))
		return
	}

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "task_failure"),
		logging.String(logging.FieldErrorKind, kind),
		logging.String("resolved_status", string(status)),
		logging.Int("attempt", task.Attempts),
		logging.Error(taskErr),
	}
	if retryAt != nil {
		attrs = append(attrs, logging.String("retry_at", retryAt.Format(time.RFC3339)))
		logger.Warn("task failed, retry scheduled", logging.Args(attrs...)...)
		return
	}
	logger.Error("task failed", logging.Args(attrs...)...)

	m.finalizeTask(ctx, logger, task.ID)
}

// retryDelay doubles per attempt from the configured base, capped at the
// configured maximum.
func (m *Manager) retryDelay(attempts int) time.Duration {
	base := time.Duration(m.cfg.Scheduler.RetryBaseDelay) * time.Second
	if base <= 0 {
		base = time.Second
	}
	maxDelay := time.Duration(m.cfg.Scheduler.RetryMaxDelay) * time.Second
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// finalizeTask dispatches terminal-state notifications and refreshes the
// batch aggregate when the task belongs to one.
func (m *Manager) finalizeTask(ctx context.Context, logger *slog.Logger, taskID string) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		if err != nil {
			logger.Warn("failed to reload task for notification", logging.Error(err))
		}
		return
	}
	if !task.IsTerminal() {
		return
	}

	if err := m.notifier.NotifyTaskFinished(ctx, task); err != nil {
		logger.Warn("task webhook delivery failed", logging.Error(err))
	}

	if task.BatchID == "" {
		return
	}
	updated, progress, err := m.batches.Recompute(ctx, task.BatchID)
	if err != nil {
		logger.Warn("batch recompute failed",
			logging.String(logging.FieldBatchID, task.BatchID),
			logging.Error(err))
		return
	}
	switch updated.Status {
	case queue.StatusCompleted, queue.StatusFailed, queue.StatusCancelled, queue.StatusExpired:
		if err := m.notifier.NotifyBatchFinished(ctx, updated, progress.Completed, progress.Failed); err != nil {
			logger.Warn("batch webhook delivery failed",
				logging.String(logging.FieldBatchID, task.BatchID),
				logging.Error(err))
		}
	}
}

func deriveTargetFilename(sourceFilename, targetFormat string) string {
	base := filepath.Base(sourceFilename)
	if base == "." || base == "/" || base == "" {
		base = "output"
	}
	ext := filepath.Ext(base)
	if ext != "" {
		base = base[:len(base)-len(ext)]
	}
	return base + "." + targetFormat
}
