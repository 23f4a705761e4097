package testsupport

import (
	"path/filepath"
	"testing"

	"alembic/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.WorkDir = filepath.Join(base, "work")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.ManifestPath = ""
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Storage.LocalDir = filepath.Join(base, "objects")

	for _, opt := range opts {
		opt(&cfg)
	}

	return &cfg
}

// WithWorkers overrides the scheduler worker count on the test config.
func WithWorkers(workers int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Scheduler.Workers = workers
	}
}

// WithQuotaLimits overrides the daily tier limits on the test config.
func WithQuotaLimits(free, premium int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Quota.FreeDailyLimit = free
		cfg.Quota.PremiumDailyLimit = premium
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.WorkDir)
}
