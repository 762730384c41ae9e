package ratelimiter

import (
	"time"

	"github.com/dskow/resil-gateway/internal/apierror"
)

// Config is the immutable configuration for an AtomicLimiter or a
// TokenBucketLimiter. Build one with NewConfig, which validates
// eagerly, or take DefaultConfig's fixed defaults.
type Config struct {
	LimitRefreshPeriod time.Duration
	LimitForPeriod     int
	TimeoutDuration    time.Duration
}

// DefaultConfig returns a 50-permission, 500ns refresh period with a
// 5s acquire timeout.
func DefaultConfig() Config {
	return Config{
		LimitRefreshPeriod: 500 * time.Nanosecond,
		LimitForPeriod:     50,
		TimeoutDuration:    5 * time.Second,
	}
}

// NewConfig validates cfg and returns a ConfigurationError for any
// field out of range.
func NewConfig(cfg Config) (Config, error) {
	if cfg.LimitRefreshPeriod < time.Nanosecond {
		return Config{}, &apierror.ConfigurationError{
			Field:  "limitRefreshPeriod",
			Reason: "must be at least 1ns",
		}
	}
	if cfg.LimitForPeriod < 1 {
		return Config{}, &apierror.ConfigurationError{
			Field:  "limitForPeriod",
			Reason: "must be positive",
		}
	}
	if cfg.TimeoutDuration < 0 {
		return Config{}, &apierror.ConfigurationError{
			Field:  "timeoutDuration",
			Reason: "must not be negative",
		}
	}
	return cfg, nil
}
