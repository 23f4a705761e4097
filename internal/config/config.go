package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory, manifest, and bind address configuration.
type Paths struct {
	WorkDir      string `toml:"work_dir"`
	LogDir       string `toml:"log_dir"`
	ManifestPath string `toml:"manifest_path"`
	APIBind      string `toml:"api_bind"`
}

// Scheduler contains configuration for the worker pool and retry policy.
type Scheduler struct {
	Workers            int `toml:"workers"`
	QueuePollInterval  int `toml:"queue_poll_interval"`
	PromoteInterval    int `toml:"promote_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
	MaxHops            int `toml:"max_hops"`
	MaxAttempts        int `toml:"max_attempts"`
	RetryBaseDelay     int `toml:"retry_base_delay"`
	RetryMaxDelay      int `toml:"retry_max_delay"`
	RetentionHours     int `toml:"retention_hours"`
	SweepInterval      int `toml:"sweep_interval"`
}

// Quota contains per-tier daily admission limits.
type Quota struct {
	FreeDailyLimit    int `toml:"free_daily_limit"`
	PremiumDailyLimit int `toml:"premium_daily_limit"`
}

// Notifications contains configuration for outbound webhook delivery.
type Notifications struct {
	Enabled        bool `toml:"enabled"`
	RequestTimeout int  `toml:"request_timeout"`
	MaxAttempts    int  `toml:"max_attempts"`
	RetryBaseDelay int  `toml:"retry_base_delay"`
}

// Storage backend names accepted in configuration.
const (
	StorageBackendLocal = "local"
	StorageBackendS3    = "s3"
)

// Storage selects and configures the artifact storage backend.
type Storage struct {
	Backend        string `toml:"backend"`
	LocalDir       string `toml:"local_dir"`
	S3Bucket       string `toml:"s3_bucket"`
	S3Region       string `toml:"s3_region"`
	S3Endpoint     string `toml:"s3_endpoint"`
	S3AccessKey    string `toml:"s3_access_key"`
	S3SecretKey    string `toml:"s3_secret_key"`
	S3UsePathStyle bool   `toml:"s3_use_path_style"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Alembic.
//
// Configuration sections by subsystem:
//   - Paths: working directories, capability manifest, API bind address
//   - Scheduler: worker pool sizing, polling, retry/backoff, retention
//   - Quota: per-tier daily admission limits
//   - Notifications: webhook delivery timeouts and retry bounds
//   - Storage: artifact backend selection (local or s3)
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Scheduler     Scheduler     `toml:"scheduler"`
	Quota         Quota         `toml:"quota"`
	Notifications Notifications `toml:"notifications"`
	Storage       Storage       `toml:"storage"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/alembic/config.toml")
}

// SampleConfig returns the embedded annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a config file was actually found.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("alembic.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.WorkDir, c.Paths.LogDir}
	if c.Storage.Backend == StorageBackendLocal && strings.TrimSpace(c.Storage.LocalDir) != "" {
		dirs = append(dirs, c.Storage.LocalDir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// CreateSample writes the annotated sample configuration to path.
func CreateSample(path string) error {
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

// ExpandPath resolves ~ and relative segments into an absolute path.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}
