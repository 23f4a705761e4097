package batch_test

import (
	"context"
	"errors"
	"testing"

	"alembic/internal/batch"
	"alembic/internal/queue"
	"alembic/internal/services"
	"alembic/internal/testsupport"
)

func seedBatch(t *testing.T, store *queue.Store, policy queue.BatchPolicy, members int) (*queue.Batch, []*queue.Task) {
	t.Helper()
	ctx := context.Background()
	b, err := store.NewBatch(ctx, "user-1", policy, "")
	if err != nil {
		t.Fatalf("NewBatch failed: %v", err)
	}
	tasks := make([]*queue.Task, 0, members)
	for i := 0; i < members; i++ {
		task, err := store.NewTask(ctx, queue.NewTaskParams{
			UserID:       "user-1",
			BatchID:      b.ID,
			SourceFormat: "csv",
			TargetFormat: "pdf",
			PathJSON:     "[]",
		})
		if err != nil {
			t.Fatalf("NewTask failed: %v", err)
		}
		tasks = append(tasks, task)
	}
	return b, tasks
}

func finish(t *testing.T, store *queue.Store, task *queue.Task, outcome queue.Status) {
	t.Helper()
	ctx := context.Background()
	claimed, err := store.ClaimNextReady(ctx, "worker-"+task.ID)
	if err != nil {
		t.Fatalf("ClaimNextReady failed: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimable batch member")
	}
	switch outcome {
	case queue.StatusCompleted:
		if _, err := store.CompleteTask(ctx, claimed.ID, "outputs/out", "out"); err != nil {
			t.Fatalf("CompleteTask failed: %v", err)
		}
	case queue.StatusFailed:
		if _, err := store.FailTask(ctx, claimed.ID, "internal", "boom", nil); err != nil {
			t.Fatalf("FailTask failed: %v", err)
		}
	default:
		t.Fatalf("unsupported outcome %s", outcome)
	}
}

func TestRecomputeInFlightIsProcessing(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	coordinator := batch.NewCoordinator(store, nil)
	b, tasks := seedBatch(t, store, queue.BatchPartialSuccess, 2)

	finish(t, store, tasks[0], queue.StatusCompleted)

	updated, progress, err := coordinator.Recompute(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if updated.Status != queue.StatusProcessing {
		t.Fatalf("expected processing with a member in flight, got %s", updated.Status)
	}
	if progress.Completed != 1 || progress.InFlight != 1 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func TestRecomputePartialSuccessCompletesWithOneWinner(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	coordinator := batch.NewCoordinator(store, nil)
	b, tasks := seedBatch(t, store, queue.BatchPartialSuccess, 2)

	finish(t, store, tasks[0], queue.StatusCompleted)
	finish(t, store, tasks[1], queue.StatusFailed)

	updated, progress, err := coordinator.Recompute(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if updated.Status != queue.StatusCompleted {
		t.Fatalf("partial success with one winner must complete, got %s", updated.Status)
	}
	if updated.CompletedAt == nil {
		t.Fatal("terminal batch must stamp completed_at")
	}
	if progress.Completed != 1 || progress.Failed != 1 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func TestRecomputePartialSuccessFailsWithNoWinner(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	coordinator := batch.NewCoordinator(store, nil)
	b, tasks := seedBatch(t, store, queue.BatchPartialSuccess, 2)

	finish(t, store, tasks[0], queue.StatusFailed)
	finish(t, store, tasks[1], queue.StatusFailed)

	updated, _, err := coordinator.Recompute(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if updated.Status != queue.StatusFailed {
		t.Fatalf("expected failed batch, got %s", updated.Status)
	}
}

func TestRecomputeAllOrNothingFailsOnAnyFailure(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	coordinator := batch.NewCoordinator(store, nil)
	b, tasks := seedBatch(t, store, queue.BatchAllOrNothing, 2)

	finish(t, store, tasks[0], queue.StatusCompleted)
	finish(t, store, tasks[1], queue.StatusFailed)

	updated, _, err := coordinator.Recompute(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if updated.Status != queue.StatusFailed {
		t.Fatalf("all-or-nothing with a failure must fail, got %s", updated.Status)
	}
}

func TestRecomputeAllOrNothingCompletesWhenAllSucceed(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	coordinator := batch.NewCoordinator(store, nil)
	b, tasks := seedBatch(t, store, queue.BatchAllOrNothing, 2)

	finish(t, store, tasks[0], queue.StatusCompleted)
	finish(t, store, tasks[1], queue.StatusCompleted)

	updated, _, err := coordinator.Recompute(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if updated.Status != queue.StatusCompleted {
		t.Fatalf("expected completed batch, got %s", updated.Status)
	}
}

func TestRecomputeAllCancelledBatchIsCancelled(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	coordinator := batch.NewCoordinator(store, nil)
	b, tasks := seedBatch(t, store, queue.BatchAllOrNothing, 2)

	ctx := context.Background()
	for _, task := range tasks {
		if _, _, err := store.RequestCancel(ctx, task.ID); err != nil {
			t.Fatalf("RequestCancel failed: %v", err)
		}
	}

	updated, _, err := coordinator.Recompute(ctx, b.ID)
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if updated.Status != queue.StatusCancelled {
		t.Fatalf("expected cancelled batch, got %s", updated.Status)
	}
}

func TestRecomputeUnknownBatch(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	coordinator := batch.NewCoordinator(store, nil)

	_, _, err := coordinator.Recompute(context.Background(), "missing")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
