package scheduler

import (
	"time"

	"github.com/smallbiznis/cohere/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled       bool
	RunInterval   time.Duration
	SweepInterval time.Duration
	// MaxDrainBatches bounds how many outbox batches one run delivers.
	MaxDrainBatches int
	SweepLimit      int
	EnabledJobs     []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		RunInterval:     5 * time.Second,
		SweepInterval:   10 * time.Minute,
		MaxDrainBatches: 20,
		SweepLimit:      100,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.MaxDrainBatches <= 0 {
		c.MaxDrainBatches = defaults.MaxDrainBatches
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = defaults.SweepLimit
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.Jobs.Enabled,
		RunInterval: cfg.Jobs.RunInterval,
		SweepLimit:  cfg.Jobs.SweepLimit,
		EnabledJobs: cfg.Jobs.EnabledJobs,
	}.withDefaults()
}
