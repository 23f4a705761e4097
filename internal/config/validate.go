package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.Workers > 64 {
		return errors.New("scheduler.workers must be 64 or fewer")
	}
	if c.Scheduler.RetryBaseDelay > c.Scheduler.RetryMaxDelay {
		return errors.New("scheduler.retry_base_delay must not exceed scheduler.retry_max_delay")
	}
	if c.Scheduler.HeartbeatInterval >= c.Scheduler.HeartbeatTimeout {
		return errors.New("scheduler.heartbeat_interval must be less than scheduler.heartbeat_timeout")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case StorageBackendLocal:
		if strings.TrimSpace(c.Storage.LocalDir) == "" {
			return errors.New("storage.local_dir must be set when storage.backend is local")
		}
	case StorageBackendS3:
		if strings.TrimSpace(c.Storage.S3Bucket) == "" {
			return errors.New("storage.s3_bucket must be set when storage.backend is s3")
		}
		if strings.TrimSpace(c.Storage.S3Region) == "" {
			return errors.New("storage.s3_region must be set when storage.backend is s3")
		}
	default:
		return fmt.Errorf("storage.backend: unsupported value %q", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}
