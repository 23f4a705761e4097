package storage

import (
	"context"
	"fmt"

	"alembic/internal/config"
	"alembic/internal/services"
)

// Backend moves task payloads between durable storage and the local working
// directory. A ref is a backend-scoped object key, never a local path.
type Backend interface {
	// Fetch copies the object at ref to the local dest path.
	Fetch(ctx context.Context, ref, dest string) error
	// Store persists the local file at src under ref.
	Store(ctx context.Context, src, ref string) error
	// Delete removes the object at ref. Deleting a missing ref is not an
	// error.
	Delete(ctx context.Context, ref string) error
}

// New constructs the backend named by the configuration.
func New(cfg *config.Config) (Backend, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendLocal:
		return NewLocal(cfg.Storage.LocalDir)
	case config.StorageBackendS3:
		return NewS3(cfg.Storage), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "storage", "new",
			fmt.Sprintf("unknown storage backend %q", cfg.Storage.Backend), nil)
	}
}
