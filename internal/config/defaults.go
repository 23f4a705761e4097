package config

const (
	defaultWorkDir            = "~/.local/share/alembic/work"
	defaultLogDir             = "~/.local/share/alembic/logs"
	defaultManifestPath       = "~/.config/alembic/capabilities.toml"
	defaultAPIBind            = "127.0.0.1:8742"
	defaultWorkers            = 4
	defaultQueuePollInterval  = 2
	defaultPromoteInterval    = 5
	defaultErrorRetryInterval = 5
	defaultHeartbeatInterval  = 15
	defaultHeartbeatTimeout   = 120
	defaultMaxHops            = 3
	defaultMaxAttempts        = 3
	defaultRetryBaseDelay     = 10
	defaultRetryMaxDelay      = 300
	defaultRetentionHours     = 48
	defaultSweepInterval      = 3600
	defaultFreeDailyLimit     = 5
	defaultPremiumDailyLimit  = 100
	defaultNotifyTimeout      = 10
	defaultNotifyMaxAttempts  = 3
	defaultNotifyBaseDelay    = 2
	defaultStorageBackend     = "local"
	defaultLocalStorageDir    = "~/.local/share/alembic/artifacts"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:      defaultWorkDir,
			LogDir:       defaultLogDir,
			ManifestPath: defaultManifestPath,
			APIBind:      defaultAPIBind,
		},
		Scheduler: Scheduler{
			Workers:            defaultWorkers,
			QueuePollInterval:  defaultQueuePollInterval,
			PromoteInterval:    defaultPromoteInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
			MaxHops:            defaultMaxHops,
			MaxAttempts:        defaultMaxAttempts,
			RetryBaseDelay:     defaultRetryBaseDelay,
			RetryMaxDelay:      defaultRetryMaxDelay,
			RetentionHours:     defaultRetentionHours,
			SweepInterval:      defaultSweepInterval,
		},
		Quota: Quota{
			FreeDailyLimit:    defaultFreeDailyLimit,
			PremiumDailyLimit: defaultPremiumDailyLimit,
		},
		Notifications: Notifications{
			Enabled:        true,
			RequestTimeout: defaultNotifyTimeout,
			MaxAttempts:    defaultNotifyMaxAttempts,
			RetryBaseDelay: defaultNotifyBaseDelay,
		},
		Storage: Storage{
			Backend:  defaultStorageBackend,
			LocalDir: defaultLocalStorageDir,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
