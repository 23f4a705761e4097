// Package batch aggregates member task outcomes into a batch status under
// the batch's failure policy.
package batch

import (
	"context"
	"fmt"
	"log/slog"

	"alembic/internal/logging"
	"alembic/internal/queue"
	"alembic/internal/services"
)

// Store is the persistence surface the coordinator needs.
type Store interface {
	GetBatch(ctx context.Context, id string) (*queue.Batch, error)
	TasksForBatch(ctx context.Context, batchID string) ([]*queue.Task, error)
	SetBatchStatus(ctx context.Context, id string, status queue.Status) error
}

// Progress summarizes where a batch's members stand.
type Progress struct {
	Total     int
	Completed int
	Failed    int
	Cancelled int
	Expired   int
	InFlight  int
	Percent   float64
}

// Coordinator recomputes batch aggregate state from member tasks.
type Coordinator struct {
	store  Store
	logger *slog.Logger
}

// NewCoordinator builds a coordinator. A nil logger disables logging.
func NewCoordinator(store Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{store: store, logger: logger.With(logging.String(logging.FieldComponent, "batch"))}
}

// Recompute derives the batch status from its members and persists it when
// it changed. Returns the batch with the fresh status and member progress.
func (c *Coordinator) Recompute(ctx context.Context, batchID string) (*queue.Batch, Progress, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, Progress{}, services.Wrap(services.ErrTransient, "batch", "recompute", "load batch", err)
	}
	if batch == nil {
		return nil, Progress{}, services.Wrap(services.ErrNotFound, "batch", "recompute",
			fmt.Sprintf("batch %s", batchID), nil)
	}
	tasks, err := c.store.TasksForBatch(ctx, batchID)
	if err != nil {
		return nil, Progress{}, services.Wrap(services.ErrTransient, "batch", "recompute", "load batch tasks", err)
	}

	progress := summarize(tasks)
	status := aggregateStatus(batch.Policy, progress)
	if status != batch.Status {
		if err := c.store.SetBatchStatus(ctx, batchID, status); err != nil {
			return nil, Progress{}, services.Wrap(services.ErrTransient, "batch", "recompute", "persist batch status", err)
		}
		c.logger.Info("batch status changed",
			logging.String(logging.FieldBatchID, batchID),
			logging.String("from", string(batch.Status)),
			logging.String("to", string(status)))
		batch, err = c.store.GetBatch(ctx, batchID)
		if err != nil || batch == nil {
			return nil, Progress{}, services.Wrap(services.ErrTransient, "batch", "recompute", "reload batch", err)
		}
	}
	return batch, progress, nil
}

func summarize(tasks []*queue.Task) Progress {
	progress := Progress{Total: len(tasks)}
	var percentSum float64
	for _, task := range tasks {
		percentSum += task.ProgressPercent
		if !task.IsTerminal() {
			progress.InFlight++
			continue
		}
		switch task.Status {
		case queue.StatusCompleted:
			progress.Completed++
		case queue.StatusFailed:
			progress.Failed++
		case queue.StatusCancelled:
			progress.Cancelled++
		case queue.StatusExpired:
			progress.Expired++
		}
	}
	if progress.Total > 0 {
		progress.Percent = percentSum / float64(progress.Total)
	}
	return progress
}

// aggregateStatus maps member outcomes to a batch status. A batch with
// in-flight members is processing; an empty batch stays pending. Once all
// members are terminal the policy decides: all-or-nothing demands every
// member completed, partial success settles for at least one.
func aggregateStatus(policy queue.BatchPolicy, progress Progress) queue.Status {
	if progress.Total == 0 {
		return queue.StatusPending
	}
	if progress.InFlight > 0 {
		return queue.StatusProcessing
	}
	switch {
	case progress.Completed == progress.Total:
		return queue.StatusCompleted
	case progress.Cancelled == progress.Total:
		return queue.StatusCancelled
	case progress.Expired == progress.Total:
		return queue.StatusExpired
	}
	if policy == queue.BatchAllOrNothing {
		return queue.StatusFailed
	}
	if progress.Completed > 0 {
		return queue.StatusCompleted
	}
	return queue.StatusFailed
}
