package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"alembic/internal/config"
	"alembic/internal/logging"
	"alembic/internal/queue"
)

const userAgent = "Alembic/0.1.0"

// Service delivers terminal-state webhooks to submitters.
type Service interface {
	NotifyTaskFinished(ctx context.Context, task *queue.Task) error
	NotifyBatchFinished(ctx context.Context, batch *queue.Batch, completed, failed int) error
}

// NewService builds a webhook dispatcher. When notifications are disabled a
// noop implementation is returned.
func NewService(cfg *config.Config, logger *slog.Logger) Service {
	if !cfg.Notifications.Enabled {
		return noopService{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxAttempts := cfg.Notifications.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := time.Duration(cfg.Notifications.RetryBaseDelay) * time.Second
	if baseDelay < 0 {
		baseDelay = time.Second
	}

	return &webhookService{
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      logger.With(logging.String(logging.FieldComponent, "notifications")),
	}
}

// taskPayload is the JSON body posted for a finished task.
type taskPayload struct {
	Event          string `json:"event"`
	TaskID         string `json:"taskId"`
	BatchID        string `json:"batchId,omitempty"`
	Status         string `json:"status"`
	SourceFormat   string `json:"sourceFormat"`
	TargetFormat   string `json:"targetFormat"`
	SourceFilename string `json:"sourceFilename,omitempty"`
	TargetFilename string `json:"targetFilename,omitempty"`
	ErrorKind      string `json:"errorKind,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	UpdatedAt      string `json:"updatedAt"`
}

// batchPayload is the JSON body posted for a finished batch.
type batchPayload struct {
	Event     string `json:"event"`
	BatchID   string `json:"batchId"`
	Status    string `json:"status"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	UpdatedAt string `json:"updatedAt"`
}

type webhookService struct {
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

func (w *webhookService) NotifyTaskFinished(ctx context.Context, task *queue.Task) error {
	if task == nil || strings.TrimSpace(task.WebhookURL) == "" {
		return nil
	}
	body := taskPayload{
		Event:          "task.finished",
		TaskID:         task.ID,
		BatchID:        task.BatchID,
		Status:         string(task.Status),
		SourceFormat:   task.SourceFormat,
		TargetFormat:   task.TargetFormat,
		SourceFilename: task.SourceFilename,
		TargetFilename: task.TargetFilename,
		ErrorKind:      task.ErrorKind,
		ErrorMessage:   task.ErrorMessage,
		UpdatedAt:      task.UpdatedAt.UTC().Format(time.RFC3339),
	}
	return w.send(ctx, task.WebhookURL, body, logging.String(logging.FieldTaskID, task.ID))
}

func (w *webhookService) NotifyBatchFinished(ctx context.Context, batch *queue.Batch, completed, failed int) error {
	if batch == nil || strings.TrimSpace(batch.WebhookURL) == "" {
		return nil
	}
	body := batchPayload{
		Event:     "batch.finished",
		BatchID:   batch.ID,
		Status:    string(batch.Status),
		Completed: completed,
		Failed:    failed,
		UpdatedAt: batch.UpdatedAt.UTC().Format(time.RFC3339),
	}
	return w.send(ctx, batch.WebhookURL, body, logging.String(logging.FieldBatchID, batch.ID))
}

// send posts the payload, retrying transient failures with doubling delays.
// Webhook delivery is best effort; the returned error is logged by callers
// and never fails the task.
func (w *webhookService) send(ctx context.Context, url string, body any, idAttr slog.Attr) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	delay := w.baseDelay
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		lastErr = w.post(ctx, url, encoded)
		if lastErr == nil {
			return nil
		}
		w.logger.Warn("webhook delivery failed",
			idAttr,
			logging.Int("attempt", attempt),
			logging.Error(lastErr))
		if attempt == w.maxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("webhook delivery to %s failed after %d attempts: %w", url, w.maxAttempts, lastErr)
}

func (w *webhookService) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// NewNop returns a Service that discards every notification.
func NewNop() Service {
	return noopService{}
}

type noopService struct{}

func (noopService) NotifyTaskFinished(context.Context, *queue.Task) error { return nil }
func (noopService) NotifyBatchFinished(context.Context, *queue.Batch, int, int) error {
	return nil
}
