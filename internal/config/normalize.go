package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeScheduler()
	c.normalizeQuota()
	c.normalizeNotifications()
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.ManifestPath, err = expandPath(c.Paths.ManifestPath); err != nil {
		return fmt.Errorf("paths.manifest_path: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeScheduler() {
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = defaultWorkers
	}
	if c.Scheduler.QueuePollInterval <= 0 {
		c.Scheduler.QueuePollInterval = defaultQueuePollInterval
	}
	if c.Scheduler.PromoteInterval <= 0 {
		c.Scheduler.PromoteInterval = defaultPromoteInterval
	}
	if c.Scheduler.ErrorRetryInterval <= 0 {
		c.Scheduler.ErrorRetryInterval = defaultErrorRetryInterval
	}
	if c.Scheduler.HeartbeatInterval <= 0 {
		c.Scheduler.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Scheduler.HeartbeatTimeout <= 0 {
		c.Scheduler.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.Scheduler.MaxHops <= 0 {
		c.Scheduler.MaxHops = defaultMaxHops
	}
	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = defaultMaxAttempts
	}
	if c.Scheduler.RetryBaseDelay <= 0 {
		c.Scheduler.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.Scheduler.RetryMaxDelay <= 0 {
		c.Scheduler.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.Scheduler.RetentionHours <= 0 {
		c.Scheduler.RetentionHours = defaultRetentionHours
	}
	if c.Scheduler.SweepInterval <= 0 {
		c.Scheduler.SweepInterval = defaultSweepInterval
	}
}

func (c *Config) normalizeQuota() {
	if c.Quota.FreeDailyLimit <= 0 {
		c.Quota.FreeDailyLimit = defaultFreeDailyLimit
	}
	if c.Quota.PremiumDailyLimit <= 0 {
		c.Quota.PremiumDailyLimit = defaultPremiumDailyLimit
	}
}

func (c *Config) normalizeNotifications() {
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
	if c.Notifications.MaxAttempts <= 0 {
		c.Notifications.MaxAttempts = defaultNotifyMaxAttempts
	}
	if c.Notifications.RetryBaseDelay <= 0 {
		c.Notifications.RetryBaseDelay = defaultNotifyBaseDelay
	}
}

func (c *Config) normalizeStorage() error {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaultStorageBackend
	}
	var err error
	if c.Storage.LocalDir, err = expandPath(c.Storage.LocalDir); err != nil {
		return fmt.Errorf("storage.local_dir: %w", err)
	}
	if c.Storage.S3AccessKey == "" {
		if value, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok {
			c.Storage.S3AccessKey = strings.TrimSpace(value)
		}
	}
	if c.Storage.S3SecretKey == "" {
		if value, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok {
			c.Storage.S3SecretKey = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
