package reconcile

import (
	"time"

	"github.com/smallbiznis/netbill/internal/config"
)

// Config controls the billing reconciliation loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	RunTimeout   time.Duration
	LockTTL      time.Duration
	BillingRate  float64
	BillingBurst int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		PollInterval: time.Minute,
		RunTimeout:   30 * time.Second,
		LockTTL:      45 * time.Second,
	}
}

func NewConfig(cfg config.Config) Config {
	return Config{
		BatchSize:    cfg.Reconcile.BatchSize,
		PollInterval: cfg.Reconcile.PollInterval,
		RunTimeout:   cfg.Reconcile.RunTimeout,
		LockTTL:      cfg.Reconcile.LockTTL,
		BillingRate:  cfg.Reconcile.BillingRate,
		BillingBurst: cfg.Reconcile.BillingBurst,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	// the lease must outlive a run or two replicas could overlap
	if c.LockTTL < c.RunTimeout {
		c.LockTTL = c.RunTimeout + c.RunTimeout/2
	}
	return c
}
