package scheduler_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alembic/internal/config"
	"alembic/internal/converters"
	"alembic/internal/formats"
	"alembic/internal/logging"
	"alembic/internal/queue"
	"alembic/internal/scheduler"
	"alembic/internal/services"
	"alembic/internal/storage"
	"alembic/internal/testsupport"
)

type capturedNotifier struct {
	mu      sync.Mutex
	tasks   []*queue.Task
	batches []*queue.Batch
}

func (c *capturedNotifier) NotifyTaskFinished(_ context.Context, task *queue.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
	return nil
}

func (c *capturedNotifier) NotifyBatchFinished(_ context.Context, batch *queue.Batch, _, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
	return nil
}

func (c *capturedNotifier) taskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

type fixture struct {
	cfg      *config.Config
	store    *queue.Store
	backend  storage.Backend
	manager  *scheduler.Manager
	notifier *capturedNotifier
}

func testEdges() []formats.Edge {
	return []formats.Edge{
		{Source: "csv", Target: "xlsx", Capability: "csv-to-xlsx", Cost: 10},
		{Source: "xlsx", Target: "pdf", Capability: "xlsx-to-pdf", Cost: 10},
	}
}

func testSpecs() []formats.ConverterSpec {
	return []formats.ConverterSpec{
		{Name: "csv-to-xlsx", Source: "csv", Target: "xlsx", Command: []string{"fake", "{input}", "{output}"}},
		{Name: "xlsx-to-pdf", Source: "xlsx", Target: "pdf", Command: []string{"fake", "{input}", "{output}"}},
	}
}

// copyRunner behaves like a converter that rewrites the input into the
// output path.
func copyRunner(_ context.Context, _ string, args ...string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	return os.WriteFile(args[1], append([]byte("converted:"), data...), 0o644)
}

func newFixture(t *testing.T, runner converters.CommandRunner, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()

	base := []testsupport.ConfigOption{func(cfg *config.Config) {
		cfg.Scheduler.Workers = 2
		cfg.Scheduler.QueuePollInterval = 1
		cfg.Scheduler.PromoteInterval = 1
		cfg.Scheduler.ErrorRetryInterval = 1
		cfg.Scheduler.RetryBaseDelay = 0
		cfg.Scheduler.RetryMaxDelay = 2
	}}
	cfg := testsupport.NewConfig(t, append(base, opts...)...)
	store := testsupport.MustOpenStore(t, cfg)

	backend, err := storage.NewLocal(cfg.Storage.LocalDir)
	if err != nil {
		t.Fatalf("new local backend: %v", err)
	}

	formatList := []formats.Format{
		{ID: "csv", Category: formats.CategoryData},
		{ID: "xlsx", Category: formats.CategoryDocument},
		{ID: "pdf", Category: formats.CategoryDocument},
	}
	graph, err := formats.NewGraph(formatList, testEdges())
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	registry, err := converters.NewRegistry(testSpecs(), converters.WithRunner(runner))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	notifier := &capturedNotifier{}
	manager := scheduler.NewManager(cfg, store, logging.NewNop(), graph, registry, backend, notifier)
	t.Cleanup(manager.Stop)

	return &fixture{cfg: cfg, store: store, backend: backend, manager: manager, notifier: notifier}
}

func (f *fixture) submitTask(t *testing.T, graphPath formats.Path) *queue.Task {
	t.Helper()
	ctx := context.Background()

	source := filepath.Join(t.TempDir(), "report.csv")
	testsupport.WriteFile(t, source, "a,b\n1,2\n")
	sourceRef := "uploads/report.csv"
	if err := f.backend.Store(ctx, source, sourceRef); err != nil {
		t.Fatalf("store source: %v", err)
	}

	pathJSON := marshalPath(t, graphPath)
	task, err := f.store.NewTask(ctx, queue.NewTaskParams{
		UserID:         "user-1",
		SourceFormat:   graphPath.Source(),
		TargetFormat:   graphPath.Target(),
		SourceRef:      sourceRef,
		SourceFilename: "report.csv",
		PathJSON:       pathJSON,
	})
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	return task
}

func marshalPath(t *testing.T, path formats.Path) string {
	t.Helper()
	data, err := json.Marshal(path)
	if err != nil {
		t.Fatalf("marshal path: %v", err)
	}
	return string(data)
}

func waitForStatus(t *testing.T, store *queue.Store, id string, want queue.Status, timeout time.Duration) *queue.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if task != nil && task.Status == want {
			return task
		}
		time.Sleep(50 * time.Millisecond)
	}
	task, _ := store.GetTask(context.Background(), id)
	t.Fatalf("task %s never reached %s, last seen %#v", id, want, task)
	return nil
}

func fullPath(t *testing.T) formats.Path {
	t.Helper()
	return formats.Path(testEdges())
}

func TestTaskRunsToCompletion(t *testing.T) {
	f := newFixture(t, copyRunner)
	task := f.submitTask(t, fullPath(t))

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final := waitForStatus(t, f.store, task.ID, queue.StatusCompleted, 15*time.Second)
	if final.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", final.Attempts)
	}
	if final.TargetFilename != "report.pdf" {
		t.Fatalf("expected report.pdf, got %q", final.TargetFilename)
	}
	if final.ProgressStep != 2 || final.ProgressPercent != 100 {
		t.Fatalf("unexpected progress: step=%d percent=%f", final.ProgressStep, final.ProgressPercent)
	}

	// The converted artifact must be retrievable from storage.
	dest := filepath.Join(t.TempDir(), "out.pdf")
	if err := f.backend.Fetch(context.Background(), final.TargetRef, dest); err != nil {
		t.Fatalf("fetch output: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "converted:converted:a,b\n1,2\n" {
		t.Fatalf("unexpected output content: %q", data)
	}
}

func TestTransientFailureRetriesToSuccess(t *testing.T) {
	var calls atomic.Int32
	runner := func(ctx context.Context, name string, args ...string) error {
		if calls.Add(1) <= 2 {
			return services.Wrap(services.ErrTransient, "converters", "run", "flaky converter", nil)
		}
		return copyRunner(ctx, name, args...)
	}
	f := newFixture(t, runner, func(cfg *config.Config) {
		cfg.Scheduler.MaxAttempts = 3
	})
	task := f.submitTask(t, formats.Path{testEdges()[0]})

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final := waitForStatus(t, f.store, task.ID, queue.StatusCompleted, 30*time.Second)
	if final.Attempts != 3 {
		t.Fatalf("expected success on third attempt, got %d", final.Attempts)
	}
	if final.ErrorKind != "" || final.ErrorMessage != "" {
		t.Fatalf("successful task must clear error fields, got %#v", final)
	}
}

func TestExhaustedRetriesFailTerminally(t *testing.T) {
	runner := func(context.Context, string, ...string) error {
		return services.Wrap(services.ErrTransient, "converters", "run", "converter keeps crashing", nil)
	}
	f := newFixture(t, runner, func(cfg *config.Config) {
		cfg.Scheduler.MaxAttempts = 2
	})
	task := f.submitTask(t, formats.Path{testEdges()[0]})

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final := waitForStatus(t, f.store, task.ID, queue.StatusFailed, 30*time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for final.RetryAt != nil && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		final = waitForStatus(t, f.store, task.ID, queue.StatusFailed, 5*time.Second)
	}
	if final.RetryAt != nil {
		t.Fatalf("expected terminal failure, still retryable: %#v", final)
	}
	if final.Attempts != 2 {
		t.Fatalf("expected two attempts, got %d", final.Attempts)
	}
	if final.ErrorKind != "transient" {
		t.Fatalf("expected transient error kind, got %q", final.ErrorKind)
	}
}

func TestValidationFailureDoesNotRetry(t *testing.T) {
	runner := func(context.Context, string, ...string) error {
		return services.Wrap(services.ErrValidation, "converters", "run", "input is not valid csv", nil)
	}
	f := newFixture(t, runner, func(cfg *config.Config) {
		cfg.Scheduler.MaxAttempts = 3
	})
	task := f.submitTask(t, formats.Path{testEdges()[0]})

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final := waitForStatus(t, f.store, task.ID, queue.StatusFailed, 15*time.Second)
	if final.RetryAt != nil {
		t.Fatal("validation failures must not schedule retries")
	}
	if final.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", final.Attempts)
	}
	if final.ErrorKind != "validation" {
		t.Fatalf("expected validation error kind, got %q", final.ErrorKind)
	}
}

func TestCancellationDuringProcessingWins(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	runner := func(ctx context.Context, name string, args ...string) error {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return copyRunner(ctx, name, args...)
	}
	f := newFixture(t, runner)
	task := f.submitTask(t, formats.Path{testEdges()[0]})

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(15 * time.Second):
		t.Fatal("worker never started the conversion")
	}
	if _, _, err := f.store.RequestCancel(context.Background(), task.ID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	close(release)

	final := waitForStatus(t, f.store, task.ID, queue.StatusCancelled, 15*time.Second)
	if final.Status != queue.StatusCancelled {
		t.Fatalf("cancellation must win over the in-flight result, got %s", final.Status)
	}
}

func TestScheduledTaskPromotedAndRun(t *testing.T) {
	f := newFixture(t, copyRunner)

	ctx := context.Background()
	source := filepath.Join(t.TempDir(), "report.csv")
	testsupport.WriteFile(t, source, "a,b\n")
	if err := f.backend.Store(ctx, source, "uploads/report.csv"); err != nil {
		t.Fatalf("store source: %v", err)
	}
	soon := time.Now().UTC().Add(2 * time.Second)
	task, err := f.store.NewTask(ctx, queue.NewTaskParams{
		UserID:         "user-1",
		SourceFormat:   "csv",
		TargetFormat:   "xlsx",
		SourceRef:      "uploads/report.csv",
		SourceFilename: "report.csv",
		PathJSON:       marshalPath(t, formats.Path{testEdges()[0]}),
		ScheduledAt:    &soon,
	})
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	if task.Status != queue.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", task.Status)
	}

	if err := f.manager.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForStatus(t, f.store, task.ID, queue.StatusCompleted, 30*time.Second)
}

func TestTerminalTaskNotifies(t *testing.T) {
	f := newFixture(t, copyRunner)
	task := f.submitTask(t, formats.Path{testEdges()[0]})

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForStatus(t, f.store, task.ID, queue.StatusCompleted, 15*time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for f.notifier.taskCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if f.notifier.taskCount() == 0 {
		t.Fatal("expected a task-finished notification")
	}
}
