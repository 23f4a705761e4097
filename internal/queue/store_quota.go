package queue

import (
	"context"
	"fmt"
	"time"
)

// quotaDay formats a timestamp as the UTC day bucket quota counters rotate
// on.
func quotaDay(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

// ConsumeQuota atomically takes one slot from a user's daily allowance and
// reports whether the slot was granted. The conditional upsert makes the
// check-and-increment a single statement, so concurrent submissions cannot
// both take the last slot. A limit below zero means unlimited.
func (s *Store) ConsumeQuota(ctx context.Context, userID string, at time.Time, limit int) (bool, error) {
	if limit < 0 {
		return true, nil
	}
	if limit == 0 {
		return false, nil
	}
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO quota_usage (user_id, day, count) VALUES (?, ?, 1)
         ON CONFLICT(user_id, day) DO UPDATE SET count = count + 1
         WHERE count < ?`,
		userID,
		quotaDay(at),
		limit,
	)
	if err != nil {
		return false, fmt.Errorf("consume quota: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReleaseQuota returns a previously granted slot, used when a submission
// fails after admission.
func (s *Store) ReleaseQuota(ctx context.Context, userID string, at time.Time) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE quota_usage SET count = count - 1 WHERE user_id = ? AND day = ? AND count > 0`,
		userID,
		quotaDay(at),
	); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// QuotaUsage reports how many slots a user has consumed on the given day.
func (s *Store) QuotaUsage(ctx context.Context, userID string, at time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(count), 0) FROM quota_usage WHERE user_id = ? AND day = ?`,
		userID,
		quotaDay(at),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("quota usage: %w", err)
	}
	return count, nil
}

// PruneQuotaUsage deletes counters for days before the cutoff.
func (s *Store) PruneQuotaUsage(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM quota_usage WHERE day < ?`,
		quotaDay(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("prune quota usage: %w", err)
	}
	return res.RowsAffected()
}
