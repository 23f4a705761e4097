package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewTaskParams carries the caller-supplied fields for task creation.
type NewTaskParams struct {
	UserID         string
	Tier           Tier
	BatchID        string
	SourceFormat   string
	TargetFormat   string
	SourceRef      string
	SourceFilename string
	PathJSON       string
	OptionsJSON    string
	WebhookURL     string
	ScheduledAt    *time.Time
	ExpiresAt      *time.Time
}

// NewTask inserts a conversion task. Tasks with a future schedule start in
// the scheduled state and are promoted to pending when due.
func (s *Store) NewTask(ctx context.Context, params NewTaskParams) (*Task, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	status := StatusPending
	if params.ScheduledAt != nil && params.ScheduledAt.After(now) {
		status = StatusScheduled
	}
	tier := params.Tier
	if tier == "" {
		tier = TierFree
	}

	id := uuid.NewString()
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO tasks (
            id, user_id, tier, batch_id, source_format, target_format,
            source_ref, source_filename, path_json, options_json, status,
            webhook_url, scheduled_at, expires_at, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		params.UserID,
		string(tier),
		nullableString(params.BatchID),
		params.SourceFormat,
		params.TargetFormat,
		nullableString(params.SourceRef),
		nullableString(params.SourceFilename),
		params.PathJSON,
		nullableString(params.OptionsJSON),
		status,
		nullableString(params.WebhookURL),
		nullableTime(params.ScheduledAt),
		nullableTime(params.ExpiresAt),
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	return s.GetTask(ctx, id)
}

// GetTask fetches a task by identifier. A missing task returns nil without
// an error.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// Update persists mutable fields of an existing task.
func (s *Store) Update(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	task.UpdatedAt = time.Now().UTC()
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, attempts = ?, cancel_requested = ?, claimed_by = ?,
             target_ref = ?, target_filename = ?, error_kind = ?, error_message = ?,
             progress_step = ?, progress_total = ?, progress_percent = ?, progress_message = ?,
             scheduled_at = ?, retry_at = ?, expires_at = ?, last_heartbeat = ?,
             updated_at = ?, completed_at = ?
         WHERE id = ?`,
		task.Status,
		task.Attempts,
		boolToInt(task.CancelRequested),
		nullableString(task.ClaimedBy),
		nullableString(task.TargetRef),
		nullableString(task.TargetFilename),
		nullableString(task.ErrorKind),
		nullableString(task.ErrorMessage),
		task.ProgressStep,
		task.ProgressTotal,
		task.ProgressPercent,
		nullableString(task.ProgressMessage),
		nullableTime(task.ScheduledAt),
		nullableTime(task.RetryAt),
		nullableTime(task.ExpiresAt),
		nullableTime(task.LastHeartbeat),
		task.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(task.CompletedAt),
		task.ID,
	); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// SetProgress updates the step counters without touching the rest of the row.
func (s *Store) SetProgress(ctx context.Context, id string, step, total int, percent float64, message string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE tasks
         SET progress_step = ?, progress_total = ?, progress_percent = ?, progress_message = ?, updated_at = ?
         WHERE id = ?`,
		step,
		total,
		percent,
		nullableString(message),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	); err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// List returns tasks filtered by status set, oldest first. Without statuses
// it returns everything.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Task, error) {
	baseQuery := `SELECT ` + taskColumns + ` FROM tasks`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		return s.queryTasks(ctx, baseQuery+orderClause)
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}
	return s.queryTasks(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
}

// TasksForUser returns a user's tasks, newest first.
func (s *Store) TasksForUser(ctx context.Context, userID string, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		return s.queryTasks(ctx, query+` LIMIT ?`, userID, limit)
	}
	return s.queryTasks(ctx, query, userID)
}

// TasksForBatch returns the member tasks of a batch, oldest first.
func (s *Store) TasksForBatch(ctx context.Context, batchID string) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE batch_id = ? ORDER BY created_at`, batchID)
}

// Remove deletes a task by identifier.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Stats aggregates task counts per lifecycle state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var statusStr string
		var count int
		if err := rows.Scan(&statusStr, &count); err != nil {
			return Stats{}, err
		}
		stats.Total += count
		switch Status(statusStr) {
		case StatusPending:
			stats.Pending = count
		case StatusScheduled:
			stats.Scheduled = count
		case StatusProcessing:
			stats.Processing = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusExpired:
			stats.Expired = count
		case StatusCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}
