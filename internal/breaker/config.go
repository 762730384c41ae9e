package breaker

import (
	"time"

	"github.com/dskow/resil-gateway/internal/apierror"
)

// RecordFailurePredicate decides whether an error returned by the
// protected call should count as a failure. The default always
// returns true.
type RecordFailurePredicate func(err error) bool

// Config is the immutable configuration for a CircuitBreaker. Build
// one with NewConfig, which validates eagerly, or take DefaultConfig's
// fixed defaults.
type Config struct {
	FailureRateThreshold          float64
	WaitDurationInOpenState       time.Duration
	RingBufferSizeInClosedState   int
	RingBufferSizeInHalfOpenState int
	RecordFailurePredicate        RecordFailurePredicate
}

// DefaultConfig returns the out-of-the-box defaults: 50% failure rate
// threshold, 60s open-state wait, a 100-call closed window and a
// 10-call half-open window, recording every error as a failure.
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold:          50,
		WaitDurationInOpenState:       60 * time.Second,
		RingBufferSizeInClosedState:   100,
		RingBufferSizeInHalfOpenState: 10,
		RecordFailurePredicate:        alwaysFailure,
	}
}

func alwaysFailure(error) bool { return true }

// NewConfig validates cfg, filling in the default predicate if nil,
// and returns a ConfigurationError for any field out of range.
func NewConfig(cfg Config) (Config, error) {
	if cfg.FailureRateThreshold <= 0 || cfg.FailureRateThreshold > 100 {
		return Config{}, &apierror.ConfigurationError{
			Field:  "failureRateThreshold",
			Reason: "must be in (0, 100]",
		}
	}
	if cfg.WaitDurationInOpenState <= 0 {
		return Config{}, &apierror.ConfigurationError{
			Field:  "waitDurationInOpenState",
			Reason: "must be positive",
		}
	}
	if cfg.RingBufferSizeInClosedState < 1 {
		return Config{}, &apierror.ConfigurationError{
			Field:  "ringBufferSizeInClosedState",
			Reason: "must be positive",
		}
	}
	if cfg.RingBufferSizeInHalfOpenState < 1 {
		return Config{}, &apierror.ConfigurationError{
			Field:  "ringBufferSizeInHalfOpenState",
			Reason: "must be positive",
		}
	}
	if cfg.RecordFailurePredicate == nil {
		cfg.RecordFailurePredicate = alwaysFailure
	}
	return cfg, nil
}
