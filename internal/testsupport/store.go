package testsupport

import (
	"context"
	"testing"

	"alembic/internal/config"
	"alembic/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewTask creates a pending conversion task for tests using the provided
// store.
func NewTask(t testing.TB, store *queue.Store, userID, source, target string) *queue.Task {
	t.Helper()

	task, err := store.NewTask(context.Background(), queue.NewTaskParams{
		UserID:         userID,
		Tier:           queue.TierFree,
		SourceFormat:   source,
		TargetFormat:   target,
		SourceRef:      "uploads/" + userID + "/input." + source,
		SourceFilename: "input." + source,
		PathJSON:       `[{"Source":"` + source + `","Target":"` + target + `","Capability":"test","Cost":1}]`,
	})
	if err != nil {
		t.Fatalf("store.NewTask: %v", err)
	}
	return task
}

// ClaimTask claims the next runnable task and fails the test when nothing is
// runnable.
func ClaimTask(t testing.TB, store *queue.Store, worker string) *queue.Task {
	t.Helper()

	task, err := store.ClaimNextReady(context.Background(), worker)
	if err != nil {
		t.Fatalf("store.ClaimNextReady: %v", err)
	}
	if task == nil {
		t.Fatal("expected a runnable task")
	}
	return task
}
