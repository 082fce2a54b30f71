package liveness

import (
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("supervisor already started")
	ErrNotStarted     = errors.New("supervisor not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Config holds the sweep thresholds.
type Config struct {
	// Stale is how long a node may stay silent before it is pinged.
	// Default: 5 minutes
	Stale time.Duration `toml:"stale" yaml:"stale"`

	// Unresponsive is how long a node may stay silent before it is taken
	// offline. Must be greater than Stale.
	// Default: 7 minutes
	Unresponsive time.Duration `toml:"unresponsive" yaml:"unresponsive"`

	// OfflineCleanup is how long an offline node is kept before it is purged.
	// Default: 5 minutes
	OfflineCleanup time.Duration `toml:"offline_cleanup" yaml:"offline_cleanup"`

	// Interval between sweeps.
	// Default: 1 minute
	Interval time.Duration `toml:"interval" yaml:"interval"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Stale:          5 * time.Minute,
		Unresponsive:   7 * time.Minute,
		OfflineCleanup: 5 * time.Minute,
		Interval:       time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Stale <= 0 || c.Unresponsive <= 0 || c.OfflineCleanup <= 0 || c.Interval <= 0 {
		return fmt.Errorf("%w: durations must be positive", ErrInvalidConfig)
	}
	if c.Stale >= c.Unresponsive {
		return fmt.Errorf("%w: stale (%s) must be less than unresponsive (%s)",
			ErrInvalidConfig, c.Stale, c.Unresponsive)
	}
	return nil
}
