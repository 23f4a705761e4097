package queue

import (
	"database/sql"
	"errors"
	"time"
)

const taskColumns = "id, user_id, tier, batch_id, source_format, target_format, source_ref, source_filename, target_ref, target_filename, path_json, options_json, status, attempts, cancel_requested, claimed_by, webhook_url, error_kind, error_message, progress_step, progress_total, progress_percent, progress_message, scheduled_at, retry_at, expires_at, last_heartbeat, created_at, updated_at, completed_at"

const batchColumns = "id, user_id, policy, status, webhook_url, created_at, updated_at, completed_at"

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		id              string
		userID          string
		tier            string
		batchID         sql.NullString
		sourceFormat    string
		targetFormat    string
		sourceRef       sql.NullString
		sourceFilename  sql.NullString
		targetRef       sql.NullString
		targetFilename  sql.NullString
		pathJSON        string
		optionsJSON     sql.NullString
		statusStr       string
		attempts        int
		cancelRequested sql.NullInt64
		claimedBy       sql.NullString
		webhookURL      sql.NullString
		errorKind       sql.NullString
		errorMessage    sql.NullString
		progressStep    sql.NullInt64
		progressTotal   sql.NullInt64
		progressPercent sql.NullFloat64
		progressMessage sql.NullString
		scheduledRaw    sql.NullString
		retryRaw        sql.NullString
		expiresRaw      sql.NullString
		heartbeatRaw    sql.NullString
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
		completedRaw    sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&userID,
		&tier,
		&batchID,
		&sourceFormat,
		&targetFormat,
		&sourceRef,
		&sourceFilename,
		&targetRef,
		&targetFilename,
		&pathJSON,
		&optionsJSON,
		&statusStr,
		&attempts,
		&cancelRequested,
		&claimedBy,
		&webhookURL,
		&errorKind,
		&errorMessage,
		&progressStep,
		&progressTotal,
		&progressPercent,
		&progressMessage,
		&scheduledRaw,
		&retryRaw,
		&expiresRaw,
		&heartbeatRaw,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	task := &Task{
		ID:              id,
		UserID:          userID,
		Tier:            Tier(tier),
		BatchID:         batchID.String,
		SourceFormat:    sourceFormat,
		TargetFormat:    targetFormat,
		SourceRef:       sourceRef.String,
		SourceFilename:  sourceFilename.String,
		TargetRef:       targetRef.String,
		TargetFilename:  targetFilename.String,
		PathJSON:        pathJSON,
		OptionsJSON:     optionsJSON.String,
		Status:          Status(statusStr),
		Attempts:        attempts,
		ClaimedBy:       claimedBy.String,
		WebhookURL:      webhookURL.String,
		ErrorKind:       errorKind.String,
		ErrorMessage:    errorMessage.String,
		ProgressStep:    int(progressStep.Int64),
		ProgressTotal:   int(progressTotal.Int64),
		ProgressPercent: progressPercent.Float64,
		ProgressMessage: progressMessage.String,
	}
	if cancelRequested.Valid {
		task.CancelRequested = cancelRequested.Int64 != 0
	}
	task.ScheduledAt = parseNullableTime(scheduledRaw)
	task.RetryAt = parseNullableTime(retryRaw)
	task.ExpiresAt = parseNullableTime(expiresRaw)
	task.LastHeartbeat = parseNullableTime(heartbeatRaw)
	task.CompletedAt = parseNullableTime(completedRaw)
	if created, err := parseTimeString(createdRaw.String); err == nil {
		task.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		task.UpdatedAt = updated
	}
	return task, nil
}

func scanBatch(scanner interface{ Scan(dest ...any) error }) (*Batch, error) {
	var (
		id           string
		userID       string
		policy       string
		statusStr    string
		webhookURL   sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
		completedRaw sql.NullString
	)
	if err := scanner.Scan(&id, &userID, &policy, &statusStr, &webhookURL, &createdRaw, &updatedRaw, &completedRaw); err != nil {
		return nil, err
	}
	batch := &Batch{
		ID:         id,
		UserID:     userID,
		Policy:     BatchPolicy(policy),
		Status:     Status(statusStr),
		WebhookURL: webhookURL.String,
	}
	batch.CompletedAt = parseNullableTime(completedRaw)
	if created, err := parseTimeString(createdRaw.String); err == nil {
		batch.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		batch.UpdatedAt = updated
	}
	return batch, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseNullableTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	parsed, err := parseTimeString(raw.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
