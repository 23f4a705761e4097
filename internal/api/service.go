package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"alembic/internal/batch"
	"alembic/internal/config"
	"alembic/internal/formats"
	"alembic/internal/logging"
	"alembic/internal/notifications"
	"alembic/internal/queue"
	"alembic/internal/quota"
	"alembic/internal/services"
)

// Service is the admission facade: it validates submissions, resolves
// conversion paths, enforces quotas, and reads back task and batch state.
// Execution errors never surface here; only admission errors are returned
// synchronously.
type Service struct {
	store    *queue.Store
	graph    *formats.Graph
	quotas   *quota.Enforcer
	batches  *batch.Coordinator
	notifier notifications.Service
	logger   *slog.Logger
	maxHops  int
}

// NewService constructs the admission service. A nil notifier disables
// webhook dispatch for cancellations performed at the submission surface.
func NewService(cfg *config.Config, store *queue.Store, graph *formats.Graph, notifier notifications.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewNop()
	}
	maxHops := cfg.Scheduler.MaxHops
	if maxHops <= 0 {
		maxHops = formats.DefaultMaxHops
	}
	return &Service{
		store:    store,
		graph:    graph,
		quotas:   quota.NewEnforcer(store, cfg.Quota),
		batches:  batch.NewCoordinator(store, logger),
		notifier: notifier,
		logger:   logger.With(logging.String(logging.FieldComponent, "api")),
		maxHops:  maxHops,
	}
}

// SubmitTaskRequest carries a single conversion submission. Timestamps are
// RFC3339 strings as received on the wire.
type SubmitTaskRequest struct {
	UserID         string          `json:"userId"`
	Tier           string          `json:"tier,omitempty"`
	SourceFormat   string          `json:"sourceFormat"`
	TargetFormat   string          `json:"targetFormat"`
	SourceRef      string          `json:"sourceRef"`
	SourceFilename string          `json:"sourceFilename,omitempty"`
	Options        json.RawMessage `json:"options,omitempty"`
	ScheduledAt    string          `json:"scheduledAt,omitempty"`
	ExpiresAt      string          `json:"expiresAt,omitempty"`
	WebhookURL     string          `json:"webhookUrl,omitempty"`
}

// SubmitBatchRequest carries a multi-item submission tracked as one batch.
type SubmitBatchRequest struct {
	UserID     string              `json:"userId"`
	Tier       string              `json:"tier,omitempty"`
	Policy     string              `json:"policy,omitempty"`
	WebhookURL string              `json:"webhookUrl,omitempty"`
	Items      []SubmitTaskRequest `json:"items"`
}

// SubmitTask admits a single conversion task. Returns the created task, or a
// validation, no-path, or quota error.
func (s *Service) SubmitTask(ctx context.Context, req SubmitTaskRequest) (*Task, error) {
	params, tier, err := s.buildTaskParams(req)
	if err != nil {
		return nil, err
	}

	if err := s.quotas.Admit(ctx, params.UserID, tier); err != nil {
		return nil, err
	}
	task, err := s.store.NewTask(ctx, *params)
	if err != nil {
		if releaseErr := s.quotas.Release(ctx, params.UserID); releaseErr != nil {
			s.logger.Warn("failed to release quota slot after rejected submission",
				logging.Error(releaseErr))
		}
		return nil, services.Wrap(services.ErrTransient, "api", "submit", "persist task", err)
	}

	s.logger.Info("task admitted",
		logging.String(logging.FieldTaskID, task.ID),
		logging.String("source_format", task.SourceFormat),
		logging.String("target_format", task.TargetFormat),
		logging.String("status", string(task.Status)))
	dto := FromTask(task)
	return &dto, nil
}

// SubmitBatch admits every item of a batch under one batch record. Admission
// is all-or-nothing: if any item fails validation or quota, nothing is
// created and already-taken quota slots are handed back.
func (s *Service) SubmitBatch(ctx context.Context, req SubmitBatchRequest) (*Batch, []Task, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, nil, services.Wrap(services.ErrValidation, "api", "submit-batch", "userId is required", nil)
	}
	if len(req.Items) == 0 {
		return nil, nil, services.Wrap(services.ErrValidation, "api", "submit-batch", "batch needs at least one item", nil)
	}
	policy, ok := queue.ParseBatchPolicy(req.Policy)
	if !ok {
		return nil, nil, services.Wrap(services.ErrValidation, "api", "submit-batch",
			fmt.Sprintf("unknown batch policy %q", req.Policy), nil)
	}

	// Validate and resolve every item before taking any quota slot.
	var tier queue.Tier
	paramsList := make([]*queue.NewTaskParams, 0, len(req.Items))
	for i, item := range req.Items {
		item.UserID = userID
		if item.Tier == "" {
			item.Tier = req.Tier
		}
		params, itemTier, err := s.buildTaskParams(item)
		if err != nil {
			return nil, nil, services.Wrap(services.ErrValidation, "api", "submit-batch",
				fmt.Sprintf("item %d", i), err)
		}
		tier = itemTier
		paramsList = append(paramsList, params)
	}

	admitted := 0
	for range paramsList {
		if err := s.quotas.Admit(ctx, userID, tier); err != nil {
			s.releaseSlots(ctx, userID, admitted)
			return nil, nil, err
		}
		admitted++
	}

	batchRecord, err := s.store.NewBatch(ctx, userID, policy, strings.TrimSpace(req.WebhookURL))
	if err != nil {
		s.releaseSlots(ctx, userID, admitted)
		return nil, nil, services.Wrap(services.ErrTransient, "api", "submit-batch", "persist batch", err)
	}

	tasks := make([]Task, 0, len(paramsList))
	for _, params := range paramsList {
		params.BatchID = batchRecord.ID
		task, err := s.store.NewTask(ctx, *params)
		if err != nil {
			s.releaseSlots(ctx, userID, admitted-len(tasks))
			return nil, nil, services.Wrap(services.ErrTransient, "api", "submit-batch", "persist batch task", err)
		}
		tasks = append(tasks, FromTask(task))
	}

	s.logger.Info("batch admitted",
		logging.String(logging.FieldBatchID, batchRecord.ID),
		logging.Int("items", len(tasks)))
	dto := FromBatch(batchRecord)
	return &dto, tasks, nil
}

// GetTask returns one task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "api", "get-task", "load task", err)
	}
	if task == nil {
		return nil, services.Wrap(services.ErrNotFound, "api", "get-task",
			fmt.Sprintf("task %s not found", id), nil)
	}
	dto := FromTask(task)
	return &dto, nil
}

// CancelTask requests cooperative cancellation. Idempotent; terminal tasks
// are returned unchanged.
func (s *Service) CancelTask(ctx context.Context, id string) (*Task, error) {
	task, cancelled, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "api", "cancel-task", "request cancel", err)
	}
	if task == nil {
		return nil, services.Wrap(services.ErrNotFound, "api", "cancel-task",
			fmt.Sprintf("task %s not found", id), nil)
	}
	// Tasks cancelled before a worker ever claims them never pass through
	// the scheduler's terminal handling, so the webhook fires here.
	if cancelled {
		if err := s.notifier.NotifyTaskFinished(ctx, task); err != nil {
			s.logger.Warn("cancel webhook delivery failed",
				logging.String(logging.FieldTaskID, task.ID),
				logging.Error(err))
		}
	}
	dto := FromTask(task)
	return &dto, nil
}

// GetBatch returns a batch with freshly recomputed aggregate status and its
// member tasks.
func (s *Service) GetBatch(ctx context.Context, id string) (*BatchDetail, error) {
	record, progress, err := s.batches.Recompute(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := s.store.TasksForBatch(ctx, id)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "api", "get-batch", "load batch tasks", err)
	}
	return &BatchDetail{
		Batch:    FromBatch(record),
		Progress: FromBatchProgress(progress),
		Items:    FromTasks(members),
	}, nil
}

// ListTasks returns tasks, optionally filtered by user and status.
func (s *Service) ListTasks(ctx context.Context, userID string, statuses []queue.Status, limit int) ([]Task, error) {
	var (
		tasks []*queue.Task
		err   error
	)
	if strings.TrimSpace(userID) != "" {
		tasks, err = s.store.TasksForUser(ctx, userID, limit)
	} else {
		tasks, err = s.store.List(ctx, statuses...)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "api", "list-tasks", "list tasks", err)
	}
	if len(statuses) > 0 && strings.TrimSpace(userID) != "" {
		tasks = filterByStatus(tasks, statuses)
	}
	return FromTasks(tasks), nil
}

// Stats returns queue counters keyed by status.
func (s *Service) Stats(ctx context.Context) (map[string]int, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "api", "stats", "read stats", err)
	}
	return FromStats(stats), nil
}

// Formats lists the registered formats with their direct targets.
func (s *Service) Formats() []FormatInfo {
	registered := s.graph.Formats()
	out := make([]FormatInfo, 0, len(registered))
	for _, format := range registered {
		out = append(out, FormatInfo{
			ID:       format.ID,
			Category: string(format.Category),
			Targets:  s.graph.Targets(format.ID),
		})
	}
	return out
}

// QuotaRemaining reports the user's remaining daily allowance.
func (s *Service) QuotaRemaining(ctx context.Context, userID string, tier queue.Tier) (int, error) {
	return s.quotas.Remaining(ctx, userID, tier)
}

func filterByStatus(tasks []*queue.Task, statuses []queue.Status) []*queue.Task {
	wanted := make(map[queue.Status]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}
	filtered := tasks[:0]
	for _, task := range tasks {
		if _, ok := wanted[task.Status]; ok {
			filtered = append(filtered, task)
		}
	}
	return filtered
}

func (s *Service) releaseSlots(ctx context.Context, userID string, count int) {
	for i := 0; i < count; i++ {
		if err := s.quotas.Release(ctx, userID); err != nil {
			s.logger.Warn("failed to release quota slot", logging.Error(err))
			return
		}
	}
}

// buildTaskParams validates one submission and resolves its conversion path.
func (s *Service) buildTaskParams(req SubmitTaskRequest) (*queue.NewTaskParams, queue.Tier, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, "", services.Wrap(services.ErrValidation, "api", "submit", "userId is required", nil)
	}
	if strings.TrimSpace(req.SourceRef) == "" {
		return nil, "", services.Wrap(services.ErrValidation, "api", "submit", "sourceRef is required", nil)
	}
	tier, ok := queue.ParseTier(req.Tier)
	if !ok {
		return nil, "", services.Wrap(services.ErrValidation, "api", "submit",
			fmt.Sprintf("unknown tier %q", req.Tier), nil)
	}
	if err := validateWebhookURL(req.WebhookURL); err != nil {
		return nil, "", err
	}
	if len(req.Options) > 0 && !json.Valid(req.Options) {
		return nil, "", services.Wrap(services.ErrValidation, "api", "submit", "options must be valid JSON", nil)
	}

	path, err := s.graph.Resolve(req.SourceFormat, req.TargetFormat, s.maxHops)
	if err != nil {
		return nil, "", err
	}
	pathJSON, err := json.Marshal(path)
	if err != nil {
		return nil, "", services.Wrap(services.ErrValidation, "api", "submit", "encode conversion path", err)
	}

	scheduledAt, err := parseTimestamp(req.ScheduledAt, "scheduledAt")
	if err != nil {
		return nil, "", err
	}
	expiresAt, err := parseTimestamp(req.ExpiresAt, "expiresAt")
	if err != nil {
		return nil, "", err
	}
	if expiresAt != nil && !expiresAt.After(time.Now().UTC()) {
		return nil, "", services.Wrap(services.ErrValidation, "api", "submit", "expiresAt must be in the future", nil)
	}

	return &queue.NewTaskParams{
		UserID:         userID,
		Tier:           tier,
		SourceFormat:   formats.NormalizeID(req.SourceFormat),
		TargetFormat:   formats.NormalizeID(req.TargetFormat),
		SourceRef:      strings.TrimSpace(req.SourceRef),
		SourceFilename: strings.TrimSpace(req.SourceFilename),
		PathJSON:       string(pathJSON),
		OptionsJSON:    string(req.Options),
		WebhookURL:     strings.TrimSpace(req.WebhookURL),
		ScheduledAt:    scheduledAt,
		ExpiresAt:      expiresAt,
	}, tier, nil
}

func validateWebhookURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return services.Wrap(services.ErrValidation, "api", "submit",
			fmt.Sprintf("webhookUrl %q must be an absolute http(s) URL", raw), nil)
	}
	return nil
}

func parseTimestamp(raw, field string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "api", "submit",
			fmt.Sprintf("%s must be an RFC3339 timestamp", field), err)
	}
	utc := parsed.UTC()
	return &utc, nil
}

// HTTPStatus maps an admission error to its transport status code.
func HTTPStatus(err error) int {
	switch services.ErrorKind(err) {
	case "validation", "no_path":
		return http.StatusUnprocessableEntity
	case "quota_exceeded":
		return http.StatusTooManyRequests
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
