// Package retry implements the Retry guard: a bounded attempt/backoff
// controller that re-executes a failing operation up to maxAttempts
// times, waiting waitDuration between attempts.
package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dskow/resil-gateway/internal/apierror"
	"github.com/dskow/resil-gateway/internal/events"
)

// errResultFlagged stands in for "err" on iterations where op
// succeeded but onResult flagged the value as worth retrying. It is
// never exposed as the Cause of a returned error except when all
// attempts are exhausted on result-flagging alone.
var errResultFlagged = errors.New("retry: result flagged for retry")

// Metrics aggregates outcome counters across every call made through
// this Retry instance. Updated atomically; safe to read concurrently
// with calls in flight.
type Metrics struct {
	SuccessfulCallsWithoutRetry int64
	SuccessfulCallsWithRetry    int64
	FailedCallsWithoutRetry     int64
	FailedCallsWithRetry        int64
}

// Retry re-executes a user operation on failure. A single instance is
// safe for concurrent use by many callers; per-call attempt state
// (Context) is owned exclusively by the call that created it.
type Retry struct {
	name string
	cfg  Config
	bus  *events.Bus

	successWithoutRetry atomic.Int64
	successWithRetry    atomic.Int64
	failWithoutRetry    atomic.Int64
	failWithRetry       atomic.Int64
}

// New constructs a Retry named name with cfg.
func New(name string, cfg Config) *Retry {
	return &Retry{name: name, cfg: cfg, bus: events.NewBus()}
}

func (r *Retry) GetName() string { return r.name }

func (r *Retry) GetConfig() Config { return r.cfg }

func (r *Retry) GetEventStream() *events.Bus { return r.bus }

func (r *Retry) GetMetrics() Metrics {
	return Metrics{
		SuccessfulCallsWithoutRetry: r.successWithoutRetry.Load(),
		SuccessfulCallsWithRetry:    r.successWithRetry.Load(),
		FailedCallsWithoutRetry:     r.failWithoutRetry.Load(),
		FailedCallsWithRetry:        r.failWithRetry.Load(),
	}
}

// Context is the per-call attempt counter. It must not be shared
// across calls; create a fresh one (via NewContext) for each
// invocation of Execute.
type Context struct {
	numberOfAttempts int
	lastErr          error
}

// NewContext returns a zeroed per-call attempt counter.
func (r *Retry) NewContext() *Context {
	return &Context{}
}

// NumberOfAttempts reports how many attempts this call has made so far.
func (c *Context) NumberOfAttempts() int { return c.numberOfAttempts }

// LastError reports the most recent error recorded by this call, if any.
func (c *Context) LastError() error { return c.lastErr }

// OnResult, when passed to Execute, flags an otherwise-successful
// result as a failure worth retrying (e.g. a response body carrying
// an application-level error code). Its zero value means "never
// retry on result" — the default when omitted.
type OnResult[T any] func(result T) bool

// Execute runs op, retrying on error per cfg.RetryOnExceptionPredicate
// (and, if onResult is non-nil, on a successful result it flags) until
// maxAttempts is reached or ctx is done. A first-try success is
// silent; a success after at least one retry emits OnSuccess. Final
// failure emits OnError and returns a *apierror.MaxRetriesExceededError
// wrapping the last error. Cancellation during the inter-attempt wait
// returns ctx.Err() immediately with no further event.
func Execute[T any](ctx context.Context, r *Retry, op func(ctx context.Context) (T, error), onResult OnResult[T]) (T, error) {
	rc := r.NewContext()

	for {
		rc.numberOfAttempts++
		result, err := op(ctx)
		resultFlagged := err == nil && onResult != nil && onResult(result)

		if err == nil && !resultFlagged {
			if rc.numberOfAttempts > 1 {
				r.successWithRetry.Add(1)
				r.bus.Publish(events.NewRetryOnSuccess(r.name, rc.numberOfAttempts))
			} else {
				r.successWithoutRetry.Add(1)
			}
			return result, nil
		}

		if resultFlagged {
			err = errResultFlagged
		}
		rc.lastErr = err

		if !resultFlagged && !r.cfg.RetryOnExceptionPredicate(err) {
			r.bus.Publish(events.NewRetryOnIgnoredError(r.name, err))
			r.recordFailureLocked(rc)
			return result, err
		}

		if rc.numberOfAttempts >= r.cfg.MaxAttempts {
			r.bus.Publish(events.NewRetryOnError(r.name, rc.numberOfAttempts, err))
			r.recordFailureLocked(rc)
			return result, &apierror.MaxRetriesExceededError{
				Name:     r.name,
				Attempts: rc.numberOfAttempts,
				Cause:    err,
			}
		}

		r.bus.Publish(events.NewRetryOnRetry(r.name, rc.numberOfAttempts, err, r.cfg.WaitDuration))

		timer := time.NewTimer(r.cfg.WaitDuration)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		}
	}
}

func (r *Retry) recordFailureLocked(rc *Context) {
	if rc.numberOfAttempts > 1 {
		r.failWithRetry.Add(1)
	} else {
		r.failWithoutRetry.Add(1)
	}
}
