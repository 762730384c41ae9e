package retry

import (
	"time"

	"github.com/dskow/resil-gateway/internal/apierror"
)

// RetryOnExceptionPredicate decides whether an error returned by the
// protected call should trigger another attempt. The default always
// returns true.
type RetryOnExceptionPredicate func(err error) bool

// RetryOnResultPredicate, if set, decides whether a successful return
// value should still trigger another attempt (e.g. a 5xx body
// returned without an error). Unset means results never trigger a
// retry.
type RetryOnResultPredicate[T any] func(result T) bool

// Config is the immutable configuration for a Retry controller.
type Config struct {
	MaxAttempts               int
	WaitDuration              time.Duration
	RetryOnExceptionPredicate RetryOnExceptionPredicate
}

// DefaultConfig returns a 3-attempt controller with a 500ms
// inter-attempt wait, retrying on every error.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:               3,
		WaitDuration:              500 * time.Millisecond,
		RetryOnExceptionPredicate: alwaysRetry,
	}
}

func alwaysRetry(error) bool { return true }

// NewConfig validates cfg, filling in the default predicate if nil,
// and returns a ConfigurationError for any field out of range.
func NewConfig(cfg Config) (Config, error) {
	if cfg.MaxAttempts < 1 {
		return Config{}, &apierror.ConfigurationError{
			Field:  "maxAttempts",
			Reason: "must be at least 1",
		}
	}
	if cfg.WaitDuration < 0 {
		return Config{}, &apierror.ConfigurationError{
			Field:  "waitDuration",
			Reason: "must not be negative",
		}
	}
	if cfg.RetryOnExceptionPredicate == nil {
		cfg.RetryOnExceptionPredicate = alwaysRetry
	}
	return cfg, nil
}
