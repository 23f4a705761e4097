package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"alembic/internal/batch"
	"alembic/internal/config"
	"alembic/internal/converters"
	"alembic/internal/formats"
	"alembic/internal/logging"
	"alembic/internal/notifications"
	"alembic/internal/queue"
	"alembic/internal/storage"
)

// Manager coordinates the worker pool and the maintenance loops that drive
// tasks through their lifecycle.
type Manager struct {
	cfg      *config.Config
	store    *queue.Store
	logger   *slog.Logger
	registry *converters.Registry
	graph    *formats.Graph
	backend  storage.Backend
	notifier notifications.Service
	batches  *batch.Coordinator

	pollInterval time.Duration
	heartbeat    *HeartbeatMonitor

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// NewManager constructs a scheduler manager.
func NewManager(
	cfg *config.Config,
	store *queue.Store,
	logger *slog.Logger,
	graph *formats.Graph,
	registry *converters.Registry,
	backend storage.Backend,
	notifier notifications.Service,
) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		cfg:          cfg,
		store:        store,
		logger:       logger,
		registry:     registry,
		graph:        graph,
		backend:      backend,
		notifier:     notifier,
		batches:      batch.NewCoordinator(store, logger),
		pollInterval: time.Duration(cfg.Scheduler.QueuePollInterval) * time.Second,
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Scheduler.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Scheduler.HeartbeatTimeout)*time.Second,
		),
	}
}

// Start launches the worker pool and maintenance loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("scheduler already running")
	}
	workers := m.cfg.Scheduler.Workers
	if workers <= 0 {
		workers = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(workers + 1)
	m.mu.Unlock()

	for i := 1; i <= workers; i++ {
		go m.runWorker(runCtx, i)
	}
	go m.runMaintenance(runCtx)

	m.logger.Info("scheduler started", logging.Int("workers", workers))
	return nil
}

// Stop terminates background processing and waits for completion.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("scheduler stopped")
}

// Running reports whether the scheduler loops are active.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// LastError returns the most recent loop error, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) waitOrShutdown(ctx context.Context, interval time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}
