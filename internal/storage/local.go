package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"alembic/internal/services"
)

// Local stores objects as files under a root directory. Refs are
// slash-separated keys resolved inside the root.
type Local struct {
	root string
}

// NewLocal creates a filesystem backend rooted at dir.
func NewLocal(dir string) (*Local, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "storage", "local", "storage directory is required", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "storage", "local", "create storage directory", err)
	}
	return &Local{root: dir}, nil
}

func (l *Local) resolve(ref string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(ref))
	if cleaned == "." || cleaned == string(filepath.Separator) || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", services.Wrap(services.ErrValidation, "storage", "resolve", fmt.Sprintf("invalid object ref %q", ref), nil)
	}
	return filepath.Join(l.root, cleaned), nil
}

// Fetch copies the object at ref to dest.
func (l *Local) Fetch(ctx context.Context, ref, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	source, err := l.resolve(ref)
	if err != nil {
		return err
	}
	in, err := os.Open(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return services.Wrap(services.ErrNotFound, "storage", "fetch", fmt.Sprintf("object %q", ref), err)
		}
		return services.Wrap(services.ErrTransient, "storage", "fetch", fmt.Sprintf("open object %q", ref), err)
	}
	defer in.Close()
	return copyToFile(in, dest)
}

// Store copies the local file at src into the root under ref.
func (l *Local) Store(ctx context.Context, src, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "storage", "store", "create object directory", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return services.Wrap(services.ErrTransient, "storage", "store", fmt.Sprintf("open source %s", src), err)
	}
	defer in.Close()
	return copyToFile(in, target)
}

// Delete removes the object at ref.
func (l *Local) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return services.Wrap(services.ErrTransient, "storage", "delete", fmt.Sprintf("object %q", ref), err)
	}
	return nil
}

func copyToFile(in io.Reader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "storage", "copy", "create destination directory", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return services.Wrap(services.ErrTransient, "storage", "copy", fmt.Sprintf("create %s", dest), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return services.Wrap(services.ErrTransient, "storage", "copy", fmt.Sprintf("write %s", dest), err)
	}
	return out.Close()
}
