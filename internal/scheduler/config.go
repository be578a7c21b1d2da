package scheduler

import (
	"time"
)

// Config controls maintenance cadence and batch sizes.
type Config struct {
	RunInterval        time.Duration
	BatchSize          int
	JobTimeout         time.Duration
	LockKey            string
	LockTTL            time.Duration
	PurgeRetentionDays int
	// EnabledJobs restricts the runner to the named jobs. Empty means all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:        15 * time.Minute,
		BatchSize:          100,
		JobTimeout:         30 * time.Second,
		LockKey:            "billingcore:maintenance:lock",
		LockTTL:            10 * time.Minute,
		PurgeRetentionDays: 45,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockKey == "" {
		c.LockKey = defaults.LockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.PurgeRetentionDays <= 0 {
		c.PurgeRetentionDays = defaults.PurgeRetentionDays
	}
	return c
}
