package redlock

import "time"

const (
	DefaultRetryCount       = 3
	DefaultRetryDelayMin    = 100 * time.Millisecond
	DefaultRetryDelayMax    = 300 * time.Millisecond
	DefaultDriftFactor      = 0.01
	DefaultClockSlack       = 2 * time.Millisecond
	DefaultOperationTimeout = time.Second
)

// Config controls the acquisition algorithm. Zero values fall back to the defaults above.
type Config struct {
	// RetryCount is the number of full acquisition rounds across the store set.
	RetryCount int
	// RetryDelayMin and RetryDelayMax bound the random pause between rounds.
	RetryDelayMin time.Duration
	RetryDelayMax time.Duration
	// DriftFactor is the fraction of the ttl reserved for clock skew between stores.
	DriftFactor float64
	// ClockSlack is a fixed margin added to the drift for local processing delay.
	ClockSlack time.Duration
	// OperationTimeout bounds every single store call.
	OperationTimeout time.Duration
}

// DefaultConfig returns the algorithm defaults.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.RetryCount <= 0 {
		c.RetryCount = DefaultRetryCount
	}
	if c.RetryDelayMin <= 0 {
		c.RetryDelayMin = DefaultRetryDelayMin
	}
	if c.RetryDelayMax <= 0 {
		c.RetryDelayMax = DefaultRetryDelayMax
	}
	if c.RetryDelayMax < c.RetryDelayMin {
		c.RetryDelayMax = c.RetryDelayMin
	}
	if c.DriftFactor <= 0 {
		c.DriftFactor = DefaultDriftFactor
	}
	if c.ClockSlack <= 0 {
		c.ClockSlack = DefaultClockSlack
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
}
