package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// DefaultMaxKeys is the key count above which full buckets are pruned.
const DefaultMaxKeys = 10000

// Config describes one limit.
type Config struct {
	// Capacity is the number of tokens per window. Zero disables the limit.
	Capacity int `toml:"capacity" yaml:"capacity"`

	// Window is the refill period (e.g., time.Minute).
	Window time.Duration `toml:"window" yaml:"window"`
}

// Enabled reports whether the limit applies.
func (c Config) Enabled() bool {
	return c.Capacity > 0
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Capacity < 0 {
		return fmt.Errorf("%w: capacity must not be negative", ErrInvalidConfig)
	}
	if c.Capacity > 0 && c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive when capacity is set", ErrInvalidConfig)
	}
	return nil
}

// RetryAfter is the time one token takes to refill.
func (c Config) RetryAfter() time.Duration {
	if !c.Enabled() || c.Window <= 0 {
		return 0
	}
	return c.Window / time.Duration(c.Capacity)
}

// Capacity describes the state of one key's bucket.
type Capacity struct {
	// Key the bucket belongs to.
	Key string

	// Available is the current number of tokens.
	Available int

	// Total is the maximum number of tokens.
	Total int

	// Window is the refill period.
	Window time.Duration
}
