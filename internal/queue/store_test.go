package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"alembic/internal/queue"
	"alembic/internal/testsupport"
)

func TestOpenInitializesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	if task.ID == "" {
		t.Fatal("expected task ID to be assigned")
	}
	if task.Status != queue.StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}

	fetched, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if fetched == nil || fetched.SourceFormat != "csv" || fetched.TargetFormat != "pdf" {
		t.Fatalf("unexpected fetched task: %#v", fetched)
	}
}

func TestNewTaskWithFutureScheduleStartsScheduled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)
	task, err := store.NewTask(ctx, queue.NewTaskParams{
		UserID:       "user-1",
		SourceFormat: "csv",
		TargetFormat: "json",
		PathJSON:     "[]",
		ScheduledAt:  &future,
	})
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	if task.Status != queue.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", task.Status)
	}
	if task.ScheduledAt == nil {
		t.Fatal("expected scheduled_at to persist")
	}

	// Not runnable until promoted.
	claimed, err := store.ClaimNextReady(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextReady failed: %v", err)
	}
	if claimed != nil {
		t.Fatalf("scheduled task must not be claimable, got %s", claimed.ID)
	}
}

func TestClaimNextReadyOrdersAndIncrementsAttempts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	first := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	testsupport.NewTask(t, store, "user-2", "png", "jpg")

	claimed := testsupport.ClaimTask(t, store, "worker-1")
	if claimed.ID != first.ID {
		t.Fatalf("expected oldest task %s, got %s", first.ID, claimed.ID)
	}
	if claimed.Status != queue.StatusProcessing {
		t.Fatalf("expected processing, got %s", claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("expected attempts=1 after first claim, got %d", claimed.Attempts)
	}
	if claimed.ClaimedBy != "worker-1" {
		t.Fatalf("expected claim owner worker-1, got %q", claimed.ClaimedBy)
	}
	if claimed.LastHeartbeat == nil {
		t.Fatal("expected heartbeat stamp on claim")
	}
}

func TestClaimSkipsCancelRequested(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	if _, _, err := store.RequestCancel(ctx, task.ID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	claimed, err := store.ClaimNextReady(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextReady failed: %v", err)
	}
	if claimed != nil {
		t.Fatalf("cancelled task must not be claimable, got %s", claimed.ID)
	}
}

func TestCompleteTask(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	testsupport.ClaimTask(t, store, "worker-1")

	status, err := store.CompleteTask(ctx, task.ID, "outputs/out.pdf", "out.pdf")
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if status != queue.StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	final, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if final.TargetRef != "outputs/out.pdf" || final.TargetFilename != "out.pdf" {
		t.Fatalf("expected output fields to persist, got %#v", final)
	}
	if final.CompletedAt == nil {
		t.Fatal("expected completed_at stamp")
	}
	if final.ProgressPercent != 100 {
		t.Fatalf("expected progress 100, got %f", final.ProgressPercent)
	}
	if !final.IsTerminal() {
		t.Fatal("completed task must be terminal")
	}
}

func TestCompleteLosesToCancelRequest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	testsupport.ClaimTask(t, store, "worker-1")

	// Cancellation arrives while the worker is mid-conversion.
	flagged, transitioned, err := store.RequestCancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if transitioned {
		t.Fatal("a processing task must only be flagged, not transitioned")
	}
	if flagged.Status != queue.StatusProcessing || !flagged.CancelRequested {
		t.Fatalf("expected flagged processing task, got %#v", flagged)
	}

	status, err := store.CompleteTask(ctx, task.ID, "outputs/out.pdf", "out.pdf")
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if status != queue.StatusCancelled {
		t.Fatalf("cancellation must win over completion, got %s", status)
	}

	final, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if final.Status != queue.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestFailTaskWithRetryStaysClaimable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	testsupport.ClaimTask(t, store, "worker-1")

	retryAt := time.Now().UTC().Add(-time.Second)
	status, err := store.FailTask(ctx, task.ID, "transient", "converter crashed", &retryAt)
	if err != nil {
		t.Fatalf("FailTask failed: %v", err)
	}
	if status != queue.StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}

	failed, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if failed.IsTerminal() {
		t.Fatal("failed task with retry time must not be terminal")
	}
	if failed.CompletedAt != nil {
		t.Fatal("retryable failure must not stamp completed_at")
	}

	claimed := testsupport.ClaimTask(t, store, "worker-2")
	if claimed.ID != task.ID {
		t.Fatalf("expected retry claim of %s, got %s", task.ID, claimed.ID)
	}
	if claimed.Attempts != 2 {
		t.Fatalf("expected attempts=2 on retry claim, got %d", claimed.Attempts)
	}
	if claimed.ErrorMessage != "" || claimed.RetryAt != nil {
		t.Fatalf("claim must clear error and retry fields, got %#v", claimed)
	}
}

func TestFailTaskTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	testsupport.ClaimTask(t, store, "worker-1")

	status, err := store.FailTask(ctx, task.ID, "validation", "bad input", nil)
	if err != nil {
		t.Fatalf("FailTask failed: %v", err)
	}
	if status != queue.StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}

	failed, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if !failed.IsTerminal() {
		t.Fatal("failed task without retry time must be terminal")
	}
	if failed.CompletedAt == nil {
		t.Fatal("terminal failure must stamp completed_at")
	}

	claimed, err := store.ClaimNextReady(ctx, "worker-2")
	if err != nil {
		t.Fatalf("ClaimNextReady failed: %v", err)
	}
	if claimed != nil {
		t.Fatalf("terminal failure must not be claimable, got %s", claimed.ID)
	}
}

func TestRequestCancelBeforeClaim(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "user-1", "csv", "pdf")

	cancelled, transitioned, err := store.RequestCancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if cancelled.Status != queue.StatusCancelled {
		t.Fatalf("unclaimed task must cancel immediately, got %s", cancelled.Status)
	}
	if !transitioned {
		t.Fatal("first cancel must report the transition")
	}
	if cancelled.CompletedAt == nil {
		t.Fatal("expected completed_at stamp on cancellation")
	}

	// Cancelling again is a no-op.
	again, repeated, err := store.RequestCancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("repeat RequestCancel failed: %v", err)
	}
	if again.Status != queue.StatusCancelled {
		t.Fatalf("expected cancelled to stick, got %s", again.Status)
	}
	if repeated {
		t.Fatal("repeat cancel must not report a transition")
	}
}

func TestRequestCancelRetryableFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	testsupport.ClaimTask(t, store, "worker-1")
	retryAt := time.Now().UTC().Add(time.Hour)
	if _, err := store.FailTask(ctx, task.ID, "transient", "boom", &retryAt); err != nil {
		t.Fatalf("FailTask failed: %v", err)
	}

	cancelled, transitioned, err := store.RequestCancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if cancelled.Status != queue.StatusCancelled {
		t.Fatalf("retryable failure must cancel immediately, got %s", cancelled.Status)
	}
	if !transitioned {
		t.Fatal("cancel of a retryable failure must report the transition")
	}
}

func TestRequestCancelDoesNotTouchCompleted(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	testsupport.ClaimTask(t, store, "worker-1")
	if _, err := store.CompleteTask(ctx, task.ID, "outputs/out.pdf", "out.pdf"); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}

	after, transitioned, err := store.RequestCancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if after.Status != queue.StatusCompleted {
		t.Fatalf("completed task must stay completed, got %s", after.Status)
	}
	if transitioned {
		t.Fatal("terminal task must not report a cancel transition")
	}
}

func TestPromoteScheduled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	due := time.Now().UTC().Add(-time.Minute)
	notDue := time.Now().UTC().Add(time.Hour)
	for _, at := range []*time.Time{&due, &notDue} {
		if _, err := store.NewTask(ctx, queue.NewTaskParams{
			UserID:       "user-1",
			SourceFormat: "csv",
			TargetFormat: "json",
			PathJSON:     "[]",
			ScheduledAt:  at,
		}); err != nil {
			t.Fatalf("NewTask failed: %v", err)
		}
	}

	promoted, err := store.PromoteScheduled(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("PromoteScheduled failed: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("expected one promotion, got %d", promoted)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Pending != 1 || stats.Scheduled != 1 {
		t.Fatalf("unexpected stats after promotion: %+v", stats)
	}
}

func TestExpireOverdue(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)
	task, err := store.NewTask(ctx, queue.NewTaskParams{
		UserID:       "user-1",
		SourceFormat: "csv",
		TargetFormat: "json",
		PathJSON:     "[]",
		ExpiresAt:    &past,
	})
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}

	expired, err := store.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireOverdue failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expiry, got %d", expired)
	}

	final, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if final.Status != queue.StatusExpired || !final.IsTerminal() {
		t.Fatalf("expected terminal expired task, got %#v", final)
	}
}

func TestReclaimStaleProcessing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	testsupport.ClaimTask(t, store, "worker-1")

	// A cutoff in the future makes the just-stamped heartbeat stale.
	reclaimed, err := store.ReclaimStaleProcessing(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStaleProcessing failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected one reclaim, got %d", reclaimed)
	}

	back, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if back.Status != queue.StatusPending || back.ClaimedBy != "" || back.LastHeartbeat != nil {
		t.Fatalf("expected released pending task, got %#v", back)
	}
	if back.Attempts != 1 {
		t.Fatalf("reclaim must keep the attempt count, got %d", back.Attempts)
	}
}

func TestReclaimStaleHonorsCancelRequest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	testsupport.ClaimTask(t, store, "worker-1")
	if _, _, err := store.RequestCancel(ctx, task.ID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	if _, err := store.ReclaimStaleProcessing(ctx, time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("ReclaimStaleProcessing failed: %v", err)
	}

	final, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if final.Status != queue.StatusCancelled {
		t.Fatalf("stale cancel-requested task must land cancelled, got %s", final.Status)
	}
}

func TestSweepTerminalReturnsSweptTasks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	done := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	testsupport.ClaimTask(t, store, "worker-1")
	if _, err := store.CompleteTask(ctx, done.ID, "outputs/out.pdf", "out.pdf"); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	live := testsupport.NewTask(t, store, "user-1", "png", "jpg")

	swept, err := store.SweepTerminal(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("SweepTerminal failed: %v", err)
	}
	if len(swept) != 1 || swept[0].ID != done.ID {
		t.Fatalf("expected exactly the completed task swept, got %#v", swept)
	}

	remaining, err := store.GetTask(ctx, live.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if remaining == nil {
		t.Fatal("pending task must survive the sweep")
	}
	gone, err := store.GetTask(ctx, done.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if gone != nil {
		t.Fatal("swept task must be deleted")
	}
}

func TestExpireCompletedIsAdministrativeTransition(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	done := testsupport.NewTask(t, store, "user-1", "csv", "pdf")
	testsupport.ClaimTask(t, store, "worker-1")
	if _, err := store.CompleteTask(ctx, done.ID, "outputs/out.pdf", "out.pdf"); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	fresh := testsupport.NewTask(t, store, "user-1", "png", "jpg")

	expired, err := store.ExpireCompleted(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("ExpireCompleted failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != done.ID {
		t.Fatalf("expected exactly the completed task expired, got %#v", expired)
	}

	reloaded, err := store.GetTask(ctx, done.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if reloaded.Status != queue.StatusExpired {
		t.Fatalf("expected expired, got %s", reloaded.Status)
	}

	// A second pass finds nothing: the task is no longer completed and
	// the pending one never qualified.
	again, err := store.ExpireCompleted(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("ExpireCompleted failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no tasks on second pass, got %#v", again)
	}

	pending, err := store.GetTask(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if pending.Status != queue.StatusPending {
		t.Fatalf("pending task must be untouched, got %s", pending.Status)
	}
}

func TestBatchCascadeDelete(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	batch, err := store.NewBatch(ctx, "user-1", queue.BatchPartialSuccess, "")
	if err != nil {
		t.Fatalf("NewBatch failed: %v", err)
	}
	task, err := store.NewTask(ctx, queue.NewTaskParams{
		UserID:       "user-1",
		BatchID:      batch.ID,
		SourceFormat: "csv",
		TargetFormat: "json",
		PathJSON:     "[]",
	})
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}

	members, err := store.TasksForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("TasksForBatch failed: %v", err)
	}
	if len(members) != 1 || members[0].ID != task.ID {
		t.Fatalf("unexpected batch members: %#v", members)
	}

	removed, err := store.RemoveBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("RemoveBatch failed: %v", err)
	}
	if !removed {
		t.Fatal("expected batch removal")
	}
	orphan, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if orphan != nil {
		t.Fatal("batch members must be deleted with the batch")
	}
}

func TestConsumeQuotaEnforcesLimit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		granted, err := store.ConsumeQuota(ctx, "user-1", now, 2)
		if err != nil {
			t.Fatalf("ConsumeQuota failed: %v", err)
		}
		if !granted {
			t.Fatalf("expected slot %d to be granted", i+1)
		}
	}
	granted, err := store.ConsumeQuota(ctx, "user-1", now, 2)
	if err != nil {
		t.Fatalf("ConsumeQuota failed: %v", err)
	}
	if granted {
		t.Fatal("expected third slot to be denied")
	}

	usage, err := store.QuotaUsage(ctx, "user-1", now)
	if err != nil {
		t.Fatalf("QuotaUsage failed: %v", err)
	}
	if usage != 2 {
		t.Fatalf("expected usage 2, got %d", usage)
	}

	// Unlimited tiers never consume slots.
	if granted, err := store.ConsumeQuota(ctx, "user-2", now, -1); err != nil || !granted {
		t.Fatalf("unlimited consume: granted=%v err=%v", granted, err)
	}
}

func TestConsumeQuotaConcurrentLastSlot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	now := time.Now().UTC()
	const contenders = 8

	var wg sync.WaitGroup
	grants := make(chan bool, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, err := store.ConsumeQuota(ctx, "user-1", now, 1)
			if err != nil {
				t.Errorf("ConsumeQuota failed: %v", err)
				return
			}
			grants <- granted
		}()
	}
	wg.Wait()
	close(grants)

	grantedCount := 0
	for granted := range grants {
		if granted {
			grantedCount++
		}
	}
	if grantedCount != 1 {
		t.Fatalf("expected exactly one grant for the last slot, got %d", grantedCount)
	}
}

func TestReleaseQuota(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := store.ConsumeQuota(ctx, "user-1", now, 1); err != nil {
		t.Fatalf("ConsumeQuota failed: %v", err)
	}
	if err := store.ReleaseQuota(ctx, "user-1", now); err != nil {
		t.Fatalf("ReleaseQuota failed: %v", err)
	}
	granted, err := store.ConsumeQuota(ctx, "user-1", now, 1)
	if err != nil {
		t.Fatalf("ConsumeQuota failed: %v", err)
	}
	if !granted {
		t.Fatal("released slot must be grantable again")
	}
}

func TestStatsCountsPerStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		testsupport.NewTask(t, store, fmt.Sprintf("user-%d", i), "csv", "pdf")
	}
	testsupport.ClaimTask(t, store, "worker-1")

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Processing != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
