package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"alembic/internal/api"
	"alembic/internal/config"
	"alembic/internal/converters"
	"alembic/internal/daemon"
	"alembic/internal/formats"
	"alembic/internal/logging"
	"alembic/internal/notifications"
	"alembic/internal/queue"
	"alembic/internal/scheduler"
	"alembic/internal/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	store, err := queue.Open(cfg)
	if err != nil {
		log.Fatalf("open task store: %v", err)
	}

	manifest, err := formats.LoadManifest(cfg.Paths.ManifestPath)
	if err != nil {
		log.Fatalf("load capability manifest: %v", err)
	}
	graph, err := formats.BuildGraph(manifest)
	if err != nil {
		log.Fatalf("build format graph: %v", err)
	}
	registry, err := converters.NewRegistry(manifest.Converters)
	if err != nil {
		log.Fatalf("build converter registry: %v", err)
	}
	if err := registry.Ready(); err != nil {
		logger.Warn("some converter binaries are unavailable", logging.Error(err))
	}

	backend, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("init storage backend: %v", err)
	}

	notifier := notifications.NewService(cfg, logger)
	sched := scheduler.NewManager(cfg, store, logger, graph, registry, backend, notifier)
	service := api.NewService(cfg, store, graph, notifier, logger)

	d, err := daemon.New(cfg, store, logger, sched, service, registry)
	if err != nil {
		log.Fatalf("create daemon: %v", err)
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		log.Fatalf("start daemon: %v", err)
	}

	<-ctx.Done()
	logger.Info("alembicd shutting down")
}
