package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ClaimNextReady atomically claims the oldest runnable task for a worker and
// moves it to processing. Runnable means pending, or failed with a due retry
// time. The attempt counter increments on every claim. Returns nil when
// nothing is runnable.
func (s *Store) ClaimNextReady(ctx context.Context, claimedBy string) (*Task, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, attempts = attempts + 1, claimed_by = ?, last_heartbeat = ?,
             retry_at = NULL, error_kind = NULL, error_message = NULL, updated_at = ?
         WHERE id = (
             SELECT id FROM tasks
             WHERE cancel_requested = 0
               AND (status = ? OR (status = ? AND retry_at IS NOT NULL AND retry_at <= ?))
             ORDER BY created_at
             LIMIT 1
         )`,
		StatusProcessing,
		claimedBy,
		timestamp,
		timestamp,
		StatusPending,
		StatusFailed,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	// Each worker claims under a unique name and only while idle, so at
	// most one processing row carries it.
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE claimed_by = ? AND status = ? ORDER BY updated_at DESC LIMIT 1`,
		claimedBy,
		StatusProcessing,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load claimed task: %w", err)
	}
	return task, nil
}

// CompleteTask finalizes a processing task. A cancellation requested while
// the task was running wins over the completed result, so the task lands in
// cancelled and the produced output is discarded by the caller.
func (s *Store) CompleteTask(ctx context.Context, id, targetRef, targetFilename string) (Status, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, target_ref = ?, target_filename = ?,
             progress_step = progress_total, progress_percent = 100, progress_message = NULL,
             claimed_by = NULL, last_heartbeat = NULL, completed_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND cancel_requested = 0`,
		StatusCompleted,
		nullableString(targetRef),
		nullableString(targetFilename),
		timestamp,
		timestamp,
		id,
		StatusProcessing,
	)
	if err != nil {
		return "", fmt.Errorf("complete task: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	} else if affected > 0 {
		return StatusCompleted, nil
	}

	status, err := s.finalizeCancel(ctx, id)
	if err != nil {
		return "", err
	}
	if status != "" {
		return status, nil
	}
	return "", fmt.Errorf("complete task %s: task is not processing", id)
}

// FailTask records a failed attempt. When retryAt is set the task remains
// eligible for another claim; otherwise the failure is terminal. A pending
// cancellation request wins over the failure result.
func (s *Store) FailTask(ctx context.Context, id, errorKind, errorMessage string, retryAt *time.Time) (Status, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	completedAt := any(timestamp)
	if retryAt != nil {
		completedAt = nil
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, error_kind = ?, error_message = ?, retry_at = ?,
             claimed_by = NULL, last_heartbeat = NULL, completed_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND cancel_requested = 0`,
		StatusFailed,
		nullableString(errorKind),
		nullableString(errorMessage),
		nullableTime(retryAt),
		completedAt,
		timestamp,
		id,
		StatusProcessing,
	)
	if err != nil {
		return "", fmt.Errorf("fail task: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	} else if affected > 0 {
		return StatusFailed, nil
	}

	status, err := s.finalizeCancel(ctx, id)
	if err != nil {
		return "", err
	}
	if status != "" {
		return status, nil
	}
	return "", fmt.Errorf("fail task %s: task is not processing", id)
}

func (s *Store) finalizeCancel(ctx context.Context, id string) (Status, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, retry_at = NULL, claimed_by = NULL, last_heartbeat = NULL,
             completed_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND cancel_requested = 1`,
		StatusCancelled,
		timestamp,
		timestamp,
		id,
		StatusProcessing,
	)
	if err != nil {
		return "", fmt.Errorf("finalize cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return StatusCancelled, nil
	}
	return "", nil
}

// RequestCancel cancels a task. Tasks not yet claimed move straight to
// cancelled; a processing task gets a cancellation flag the worker observes
// at the next step boundary. Cancelling a terminal task is a no-op. The bool
// reports whether this call performed the transition to cancelled; the task
// is nil when it does not exist.
func (s *Store) RequestCancel(ctx context.Context, id string) (*Task, bool, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, cancel_requested = 1, retry_at = NULL,
             claimed_by = NULL, last_heartbeat = NULL, completed_at = ?, updated_at = ?
         WHERE id = ?
           AND (status IN (?, ?) OR (status = ? AND retry_at IS NOT NULL))`,
		StatusCancelled,
		timestamp,
		timestamp,
		id,
		StatusPending,
		StatusScheduled,
		StatusFailed,
	)
	if err != nil {
		return nil, false, fmt.Errorf("cancel task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if err := s.execWithoutResultRetry(
			ctx,
			`UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status = ?`,
			timestamp,
			id,
			StatusProcessing,
		); err != nil {
			return nil, false, fmt.Errorf("flag cancel: %w", err)
		}
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return task, affected > 0, nil
}

// UpdateHeartbeat refreshes the liveness timestamp of an in-flight task.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE tasks SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now,
		now,
		id,
		StatusProcessing,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// PromoteScheduled moves due scheduled tasks into the pending state.
func (s *Store) PromoteScheduled(ctx context.Context, now time.Time) (int64, error) {
	timestamp := now.UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
         WHERE status = ? AND cancel_requested = 0 AND scheduled_at IS NOT NULL AND scheduled_at <= ?`,
		StatusPending,
		timestamp,
		StatusScheduled,
		timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("promote scheduled tasks: %w", err)
	}
	return res.RowsAffected()
}

// ExpireOverdue expires unstarted tasks whose deadline has passed. Tasks
// already claimed by a worker are left to finish their attempt.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	timestamp := now.UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks SET status = ?, retry_at = NULL, completed_at = ?, updated_at = ?
         WHERE expires_at IS NOT NULL AND expires_at <= ?
           AND (status IN (?, ?) OR (status = ? AND retry_at IS NOT NULL))`,
		StatusExpired,
		timestamp,
		timestamp,
		timestamp,
		StatusPending,
		StatusScheduled,
		StatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("expire overdue tasks: %w", err)
	}
	return res.RowsAffected()
}

// ExpireCompleted applies the administrative retention transition: completed
// tasks last touched before the cutoff move to expired. The affected tasks
// are returned so the caller can release their stored artifacts.
func (s *Store) ExpireCompleted(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	tasks, err := s.queryTasks(
		ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ?`,
		StatusCompleted,
	)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	var expired []*Task
	for _, task := range tasks {
		if !task.UpdatedAt.Before(cutoff) {
			continue
		}
		res, err := s.execWithRetry(
			ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			StatusExpired,
			timestamp,
			task.ID,
			StatusCompleted,
		)
		if err != nil {
			return expired, fmt.Errorf("expire completed task %s: %w", task.ID, err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return expired, fmt.Errorf("rows affected: %w", err)
		} else if affected > 0 {
			expired = append(expired, task)
		}
	}
	return expired, nil
}

// ReclaimStaleProcessing returns tasks whose worker stopped heartbeating to
// the pending state so another worker can pick them up. Stale tasks with a
// pending cancellation land in cancelled instead.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)

	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, claimed_by = NULL, last_heartbeat = NULL, completed_at = ?, updated_at = ?
         WHERE status = ? AND cancel_requested = 1
           AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		StatusCancelled,
		timestamp,
		timestamp,
		StatusProcessing,
		cutoffStr,
	); err != nil {
		return 0, fmt.Errorf("cancel stale tasks: %w", err)
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, claimed_by = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		StatusPending,
		timestamp,
		StatusProcessing,
		cutoffStr,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	return res.RowsAffected()
}

// SweepTerminal deletes terminal tasks last touched before the cutoff and
// returns them so the caller can release their stored artifacts.
func (s *Store) SweepTerminal(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	tasks, err := s.queryTasks(
		ctx,
		`SELECT `+taskColumns+` FROM tasks
         WHERE status IN (?, ?, ?) OR (status = ? AND retry_at IS NULL)`,
		StatusCompleted,
		StatusExpired,
		StatusCancelled,
		StatusFailed,
	)
	if err != nil {
		return nil, err
	}

	var swept []*Task
	for _, task := range tasks {
		if !task.UpdatedAt.Before(cutoff) {
			continue
		}
		removed, err := s.Remove(ctx, task.ID)
		if err != nil {
			return swept, err
		}
		if removed {
			swept = append(swept, task)
		}
	}
	return swept, nil
}
