package ratelimiter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dskow/resil-gateway/internal/events"
	"golang.org/x/time/rate"
)

// TokenBucketLimiter is the permitted non-atomic variant: a thin
// wrapper over golang.org/x/time/rate that satisfies the same
// Limiter interface as AtomicLimiter. Reservation and waiting are
// delegated to rate.Limiter, which already parks callers on a timer
// internally; this type only adds event emission and the waiting
// count.
type TokenBucketLimiter struct {
	name string
	rl   *rate.Limiter
	bus  *events.Bus

	waitingThreads  atomic.Int64
	lastNanosToWait atomic.Int64
}

// NewTokenBucket constructs a TokenBucketLimiter named name. The
// bucket refills at limitForPeriod tokens per limitRefreshPeriod and
// allows bursts up to limitForPeriod tokens.
func NewTokenBucket(name string, cfg Config) *TokenBucketLimiter {
	perSecond := float64(cfg.LimitForPeriod) / cfg.LimitRefreshPeriod.Seconds()
	return NewTokenBucketWithBurst(name, perSecond, cfg.LimitForPeriod)
}

// NewTokenBucketWithBurst constructs a TokenBucketLimiter with an
// explicit burst size independent of the refill rate, for callers
// that need the two to vary independently (NewTokenBucket ties burst
// to limitForPeriod).
func NewTokenBucketWithBurst(name string, perSecond float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		name: name,
		rl:   rate.NewLimiter(rate.Limit(perSecond), burst),
		bus:  events.NewBus(),
	}
}

func (l *TokenBucketLimiter) GetName() string { return l.name }

func (l *TokenBucketLimiter) GetEventStream() *events.Bus { return l.bus }

func (l *TokenBucketLimiter) GetMetrics() Metrics {
	return Metrics{
		AvailablePermissions:   int64(l.rl.Tokens()),
		NumberOfWaitingThreads: l.waitingThreads.Load(),
		LastNanosToWait:        l.lastNanosToWait.Load(),
	}
}

// SetLimit adjusts the refill rate and burst, analogous to
// AtomicLimiter's ChangeLimitForPeriod.
func (l *TokenBucketLimiter) SetLimit(cfg Config) {
	perSecond := float64(cfg.LimitForPeriod) / cfg.LimitRefreshPeriod.Seconds()
	l.rl.SetLimit(rate.Limit(perSecond))
	l.rl.SetBurst(cfg.LimitForPeriod)
}

// Allow reports whether a token is available right now, without
// waiting. Unlike GetPermission it never parks the caller; it is
// meant for hot paths (e.g. per-client-IP throttling) that must
// reject immediately rather than queue.
func (l *TokenBucketLimiter) Allow() bool {
	if l.rl.Allow() {
		l.lastNanosToWait.Store(0)
		l.bus.Publish(events.NewRateLimiterSuccessfulAcquire(l.name, 0))
		return true
	}
	l.bus.Publish(events.NewRateLimiterFailedAcquire(l.name, "no_tokens"))
	return false
}

// GetPermission blocks until a token is available or ctx is done,
// whichever comes first. Config.TimeoutDuration is not applied here;
// the wait is bounded only by ctx.
func (l *TokenBucketLimiter) GetPermission(ctx context.Context) bool {
	start := time.Now()

	if l.rl.Allow() {
		l.lastNanosToWait.Store(0)
		l.bus.Publish(events.NewRateLimiterSuccessfulAcquire(l.name, 0))
		return true
	}

	l.waitingThreads.Add(1)
	defer l.waitingThreads.Add(-1)

	if err := l.rl.Wait(ctx); err != nil {
		reason := "timeout"
		if ctx.Err() == context.Canceled {
			reason = "cancelled"
		}
		l.bus.Publish(events.NewRateLimiterFailedAcquire(l.name, reason))
		return false
	}

	waited := time.Since(start).Nanoseconds()
	l.lastNanosToWait.Store(waited)
	l.bus.Publish(events.NewRateLimiterSuccessfulAcquire(l.name, waited))
	return true
}
