package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"alembic/internal/config"
	"alembic/internal/services"
	"alembic/internal/storage"
)

func TestLocalStoreFetchDelete(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local backend: %v", err)
	}
	work := t.TempDir()
	src := filepath.Join(work, "in.csv")
	if err := os.WriteFile(src, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if err := backend.Store(ctx, src, "tasks/abc/in.csv"); err != nil {
		t.Fatalf("store: %v", err)
	}
	dest := filepath.Join(work, "fetched.csv")
	if err := backend.Fetch(ctx, "tasks/abc/in.csv", dest); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read fetched: %v", err)
	}
	if string(data) != "a,b\n1,2\n" {
		t.Fatalf("fetched content mismatch: %q", data)
	}

	if err := backend.Delete(ctx, "tasks/abc/in.csv"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := backend.Fetch(ctx, "tasks/abc/in.csv", dest); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
	// Deleting again is a no-op.
	if err := backend.Delete(ctx, "tasks/abc/in.csv"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestLocalRejectsEscapingRefs(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local backend: %v", err)
	}
	for _, ref := range []string{"../outside", "/etc/passwd", "..", ""} {
		if err := backend.Fetch(ctx, ref, filepath.Join(t.TempDir(), "out")); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("ref %q: expected validation error, got %v", ref, err)
		}
	}
}

func TestNewBackendUnknownName(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "ftp"
	if _, err := storage.New(&cfg); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
