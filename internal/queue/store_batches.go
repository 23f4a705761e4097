package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewBatch inserts a batch record tasks can attach to.
func (s *Store) NewBatch(ctx context.Context, userID string, policy BatchPolicy, webhookURL string) (*Batch, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	if policy == "" {
		policy = BatchPartialSuccess
	}

	id := uuid.NewString()
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO batches (id, user_id, policy, status, webhook_url, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id,
		userID,
		string(policy),
		StatusPending,
		nullableString(webhookURL),
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	return s.GetBatch(ctx, id)
}

// GetBatch fetches a batch by identifier. A missing batch returns nil
// without an error.
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

// SetBatchStatus updates a batch's aggregate status. Terminal statuses also
// stamp the completion time.
func (s *Store) SetBatchStatus(ctx context.Context, id string, status Status) error {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	var completedAt any
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		completedAt = timestamp
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE batches SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		status,
		completedAt,
		timestamp,
		id,
	); err != nil {
		return fmt.Errorf("set batch status: %w", err)
	}
	return nil
}

// ListBatches returns batches newest first, optionally filtered by user.
func (s *Store) ListBatches(ctx context.Context, userID string) ([]*Batch, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE user_id = ? ORDER BY created_at DESC`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

// RemoveBatch deletes a batch and, through the schema's cascade, its member
// tasks.
func (s *Store) RemoveBatch(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete batch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}
