package scheduler

import (
	"time"

	"github.com/smallbiznis/bookline/internal/config"
)

const (
	JobSyncDelivery     = "sync_delivery"
	JobReconcile        = "reconcile"
	JobRecurringBilling = "recurring_billing"
	JobBillingRetry     = "billing_retry"
	JobCallbackRematch  = "callback_rematch"
	JobRoyaltyClose     = "royalty_close"
)

// Config controls scheduler intervals and per-job bounds.
type Config struct {
	RunInterval      time.Duration
	EnabledJobs      []string
	JobTimeout       time.Duration
	RoyaltyTimeout   time.Duration
	ReconcileTimeout time.Duration
	// LockTTL bounds how long a crashed run can hold a job's run-lock.
	LockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		JobTimeout:       30 * time.Second,
		RoyaltyTimeout:   10 * time.Minute,
		ReconcileTimeout: 5 * time.Minute,
		LockTTL:          5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	c := DefaultConfig()
	c.RunInterval = cfg.Scheduler.RunInterval
	c.EnabledJobs = cfg.Scheduler.EnabledJobs
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.RoyaltyTimeout <= 0 {
		c.RoyaltyTimeout = defaults.RoyaltyTimeout
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = defaults.ReconcileTimeout
	}
	return c
}
