package api_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"alembic/internal/api"
	"alembic/internal/formats"
	"alembic/internal/logging"
	"alembic/internal/queue"
	"alembic/internal/services"
	"alembic/internal/testsupport"
)

func newTestGraph(t *testing.T) *formats.Graph {
	t.Helper()
	graph, err := formats.NewGraph(
		[]formats.Format{
			{ID: "csv", Category: formats.CategoryData},
			{ID: "xlsx", Category: formats.CategoryDocument},
			{ID: "pdf", Category: formats.CategoryDocument},
			{ID: "flac", Category: formats.CategoryAudio},
		},
		[]formats.Edge{
			{Source: "csv", Target: "xlsx", Capability: "csv-to-xlsx", Cost: 10},
			{Source: "xlsx", Target: "pdf", Capability: "xlsx-to-pdf", Cost: 10},
		},
	)
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	return graph
}

func newService(t *testing.T, opts ...testsupport.ConfigOption) *api.Service {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	return api.NewService(cfg, store, newTestGraph(t), nil, logging.NewNop())
}

type recordingNotifier struct {
	mu    sync.Mutex
	tasks []*queue.Task
}

func (r *recordingNotifier) NotifyTaskFinished(_ context.Context, task *queue.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *recordingNotifier) NotifyBatchFinished(context.Context, *queue.Batch, int, int) error {
	return nil
}

func (r *recordingNotifier) taskNotifications() []*queue.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*queue.Task(nil), r.tasks...)
}

func submitRequest() api.SubmitTaskRequest {
	return api.SubmitTaskRequest{
		UserID:         "user-1",
		SourceFormat:   "csv",
		TargetFormat:   "pdf",
		SourceRef:      "uploads/report.csv",
		SourceFilename: "report.csv",
	}
}

func TestSubmitTaskResolvesMultiStepPath(t *testing.T) {
	svc := newService(t)

	task, err := svc.SubmitTask(context.Background(), submitRequest())
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if task.Status != string(queue.StatusPending) {
		t.Fatalf("expected pending, got %s", task.Status)
	}
	if len(task.Path) != 2 {
		t.Fatalf("expected two path steps, got %#v", task.Path)
	}
	if task.Path[0].Capability != "csv-to-xlsx" || task.Path[1].Capability != "xlsx-to-pdf" {
		t.Fatalf("unexpected path: %#v", task.Path)
	}
	if task.Tier != string(queue.TierFree) {
		t.Fatalf("expected free tier default, got %s", task.Tier)
	}
}

func TestSubmitTaskRejectsUnknownFormat(t *testing.T) {
	svc := newService(t)

	req := submitRequest()
	req.SourceFormat = "docx"
	_, err := svc.SubmitTask(context.Background(), req)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := api.HTTPStatus(err); got != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", got)
	}
}

func TestSubmitTaskNoPath(t *testing.T) {
	svc := newService(t)

	req := submitRequest()
	req.TargetFormat = "flac"
	_, err := svc.SubmitTask(context.Background(), req)
	if !errors.Is(err, services.ErrNoPath) {
		t.Fatalf("expected no-path error, got %v", err)
	}
	if got := api.HTTPStatus(err); got != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", got)
	}
}

func TestSubmitTaskQuotaExceeded(t *testing.T) {
	svc := newService(t, testsupport.WithQuotaLimits(1, 10))

	ctx := context.Background()
	if _, err := svc.SubmitTask(ctx, submitRequest()); err != nil {
		t.Fatalf("first submission failed: %v", err)
	}
	_, err := svc.SubmitTask(ctx, submitRequest())
	if !errors.Is(err, services.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if got := api.HTTPStatus(err); got != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", got)
	}
}

func TestSubmitTaskScheduledInFuture(t *testing.T) {
	svc := newService(t)

	req := submitRequest()
	req.ScheduledAt = time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	task, err := svc.SubmitTask(context.Background(), req)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if task.Status != string(queue.StatusScheduled) {
		t.Fatalf("expected scheduled, got %s", task.Status)
	}
	if task.ScheduledAt == "" {
		t.Fatal("expected scheduledAt in the response")
	}
}

func TestSubmitTaskRejectsBadWebhook(t *testing.T) {
	svc := newService(t)

	req := submitRequest()
	req.WebhookURL = "ftp://example.com/hook"
	if _, err := svc.SubmitTask(context.Background(), req); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitBatchCreatesMemberTasks(t *testing.T) {
	svc := newService(t)

	batchDTO, tasks, err := svc.SubmitBatch(context.Background(), api.SubmitBatchRequest{
		UserID: "user-1",
		Items: []api.SubmitTaskRequest{
			{SourceFormat: "csv", TargetFormat: "xlsx", SourceRef: "uploads/a.csv"},
			{SourceFormat: "csv", TargetFormat: "pdf", SourceRef: "uploads/b.csv"},
		},
	})
	if err != nil {
		t.Fatalf("SubmitBatch failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected two tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.BatchID != batchDTO.ID {
			t.Fatalf("task %s not linked to batch %s", task.ID, batchDTO.ID)
		}
	}
	if batchDTO.Policy != string(queue.BatchPartialSuccess) {
		t.Fatalf("expected partial_success default, got %s", batchDTO.Policy)
	}

	detail, err := svc.GetBatch(context.Background(), batchDTO.ID)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if detail.Progress.Total != 2 || detail.Progress.InFlight != 2 {
		t.Fatalf("unexpected progress: %#v", detail.Progress)
	}
}

func TestSubmitBatchAdmissionIsAllOrNothing(t *testing.T) {
	svc := newService(t, testsupport.WithQuotaLimits(2, 10))

	ctx := context.Background()
	items := []api.SubmitTaskRequest{
		{SourceFormat: "csv", TargetFormat: "xlsx", SourceRef: "uploads/a.csv"},
		{SourceFormat: "csv", TargetFormat: "xlsx", SourceRef: "uploads/b.csv"},
		{SourceFormat: "csv", TargetFormat: "xlsx", SourceRef: "uploads/c.csv"},
	}
	_, _, err := svc.SubmitBatch(ctx, api.SubmitBatchRequest{UserID: "user-1", Items: items})
	if !errors.Is(err, services.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}

	// The denied batch must not have consumed any slots.
	remaining, err := svc.QuotaRemaining(ctx, "user-1", queue.TierFree)
	if err != nil {
		t.Fatalf("QuotaRemaining failed: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected full allowance back, got %d", remaining)
	}

	tasks, err := svc.ListTasks(ctx, "user-1", nil, 10)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks created, got %d", len(tasks))
	}
}

func TestSubmitBatchRejectsInvalidItem(t *testing.T) {
	svc := newService(t)

	_, _, err := svc.SubmitBatch(context.Background(), api.SubmitBatchRequest{
		UserID: "user-1",
		Items: []api.SubmitTaskRequest{
			{SourceFormat: "csv", TargetFormat: "xlsx", SourceRef: "uploads/a.csv"},
			{SourceFormat: "csv", TargetFormat: "xlsx"},
		},
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCancelTaskNotFound(t *testing.T) {
	svc := newService(t)

	_, err := svc.CancelTask(context.Background(), "no-such-task")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if got := api.HTTPStatus(err); got != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", got)
	}
}

func TestCancelTaskIsIdempotent(t *testing.T) {
	svc := newService(t)

	task, err := svc.SubmitTask(context.Background(), submitRequest())
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	first, err := svc.CancelTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if first.Status != string(queue.StatusCancelled) {
		t.Fatalf("expected cancelled, got %s", first.Status)
	}
	second, err := svc.CancelTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("repeat CancelTask failed: %v", err)
	}
	if second.Status != string(queue.StatusCancelled) {
		t.Fatalf("repeat cancel changed status to %s", second.Status)
	}
}

func TestCancelBeforeClaimNotifiesOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	notifier := &recordingNotifier{}
	svc := api.NewService(cfg, store, newTestGraph(t), notifier, logging.NewNop())

	task, err := svc.SubmitTask(context.Background(), submitRequest())
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if _, err := svc.CancelTask(context.Background(), task.ID); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if _, err := svc.CancelTask(context.Background(), task.ID); err != nil {
		t.Fatalf("repeat CancelTask failed: %v", err)
	}

	sent := notifier.taskNotifications()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one cancel notification, got %d", len(sent))
	}
	if sent[0].ID != task.ID || sent[0].Status != queue.StatusCancelled {
		t.Fatalf("unexpected notification payload: %s %s", sent[0].ID, sent[0].Status)
	}
}

func TestFormatsListsDirectTargets(t *testing.T) {
	svc := newService(t)

	listed := svc.Formats()
	targets := map[string][]string{}
	for _, format := range listed {
		targets[format.ID] = format.Targets
	}
	if len(targets["csv"]) != 1 || targets["csv"][0] != "xlsx" {
		t.Fatalf("unexpected csv targets: %#v", targets["csv"])
	}
	if len(targets["flac"]) != 0 {
		t.Fatalf("expected flac to have no targets, got %#v", targets["flac"])
	}
}
