package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"alembic/internal/api"
	"alembic/internal/config"
	"alembic/internal/converters"
	"alembic/internal/logging"
	"alembic/internal/queue"
	"alembic/internal/scheduler"
)

// Daemon coordinates the scheduler and the HTTP API, and enforces
// single-instance execution through a lock file.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *queue.Store
	scheduler *scheduler.Manager
	service   *api.Service
	registry  *converters.Registry
	server    *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon with initialized dependencies.
func New(
	cfg *config.Config,
	store *queue.Store,
	logger *slog.Logger,
	sched *scheduler.Manager,
	service *api.Service,
	registry *converters.Registry,
) (*Daemon, error) {
	if cfg == nil || store == nil || sched == nil || service == nil {
		return nil, errors.New("daemon requires config, store, scheduler, and api service")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.WorkDir, "alembicd.lock")
	d := &Daemon{
		cfg:       cfg,
		logger:    logger.With(logging.String(logging.FieldComponent, "daemon")),
		store:     store,
		scheduler: sched,
		service:   service,
		registry:  registry,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}
	d.server = newAPIServer(cfg, d)
	return d, nil
}

// Start acquires the instance lock, launches the scheduler, and begins
// serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another alembic daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.scheduler.Start(runCtx); err != nil {
		cancel()
		d.cancel = nil
		_ = d.lock.Unlock()
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := d.server.start(runCtx); err != nil {
		d.scheduler.Stop()
		cancel()
		d.cancel = nil
		_ = d.lock.Unlock()
		return err
	}

	d.running.Store(true)
	d.logger.Info("alembic daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.server.Addr()))
	return nil
}

// Stop shuts down the API server and scheduler and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.server.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.scheduler.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("alembic daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Addr reports the bound API address, empty before Start.
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

// Status reports daemon runtime information.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		TaskDBPath:   d.store.Path(),
		LockFilePath: d.lockPath,
		Scheduler: api.SchedulerStatus{
			Running: d.scheduler.Running(),
			Workers: d.cfg.Scheduler.Workers,
		},
		Capabilities: api.CapabilityHealth{Ready: true},
	}
	if err := d.scheduler.LastError(); err != nil {
		status.Scheduler.LastError = err.Error()
	}
	if stats, err := d.service.Stats(ctx); err == nil {
		status.Scheduler.QueueStats = stats
	}
	if d.registry != nil {
		if err := d.registry.Ready(); err != nil {
			status.Capabilities = api.CapabilityHealth{Ready: false, Detail: err.Error()}
		}
	}
	return status
}
