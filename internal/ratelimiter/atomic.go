package ratelimiter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dskow/resil-gateway/internal/events"
)

// state is an immutable snapshot of the limiter's cycle accounting,
// swapped in with a single compare-and-set. Negative permissions
// represent reservations already handed to waiting callers.
type state struct {
	activeCycle       int64
	activePermissions int64
	nanosToWait       int64
}

// AtomicLimiter admits at most limitForPeriod calls per
// limitRefreshPeriod using a single atomic state cell: the hot path
// is wait-free on the refresh branch and lock-free overall, so many
// concurrent acquirers never contend on a mutex.
type AtomicLimiter struct {
	name  string
	epoch time.Time

	refreshPeriod   int64 // nanoseconds, immutable after construction
	limitForPeriod  atomic.Int64
	timeoutDuration atomic.Int64 // nanoseconds

	st             atomic.Pointer[state]
	waitingThreads atomic.Int64

	bus *events.Bus
}

// NewAtomic constructs an AtomicLimiter named name with cfg.
func NewAtomic(name string, cfg Config) *AtomicLimiter {
	l := &AtomicLimiter{
		name:          name,
		epoch:         time.Now(),
		refreshPeriod: cfg.LimitRefreshPeriod.Nanoseconds(),
		bus:           events.NewBus(),
	}
	l.limitForPeriod.Store(int64(cfg.LimitForPeriod))
	l.timeoutDuration.Store(cfg.TimeoutDuration.Nanoseconds())
	// activeCycle starts below any real cycle number so the first
	// call always takes the refresh branch.
	l.st.Store(&state{activeCycle: -1})
	return l
}

func (l *AtomicLimiter) GetName() string { return l.name }

func (l *AtomicLimiter) GetEventStream() *events.Bus { return l.bus }

// ChangeLimitForPeriod dynamically reconfigures the per-cycle
// permission count. It takes effect starting at the next cycle
// boundary computed by a concurrent or subsequent call.
func (l *AtomicLimiter) ChangeLimitForPeriod(n int) {
	l.limitForPeriod.Store(int64(n))
}

// ChangeTimeoutDuration dynamically reconfigures the acquire timeout
// applied by GetPermission.
func (l *AtomicLimiter) ChangeTimeoutDuration(d time.Duration) {
	l.timeoutDuration.Store(d.Nanoseconds())
}

// GetMetrics returns a snapshot of the current cycle's accounting.
func (l *AtomicLimiter) GetMetrics() Metrics {
	s := l.st.Load()
	return Metrics{
		AvailablePermissions:   s.activePermissions,
		NumberOfWaitingThreads: l.waitingThreads.Load(),
		LastNanosToWait:        s.nanosToWait,
	}
}

// GetPermission attempts to acquire one permission within the
// configured timeout duration, or until ctx is done if that happens
// first. It returns true on success, false on timeout or
// cancellation. A caller parked waiting for a future cycle boundary
// does not hold any lock; it only sleeps after having already
// reserved its permission via CAS.
func (l *AtomicLimiter) GetPermission(ctx context.Context) bool {
	timeout := time.Duration(l.timeoutDuration.Load())

	for {
		old := l.st.Load()
		now := time.Since(l.epoch).Nanoseconds()
		period := l.refreshPeriod
		currentCycle := now / period
		limit := l.limitForPeriod.Load()

		var next state
		if currentCycle > old.activeCycle {
			next = state{
				activeCycle:       currentCycle,
				activePermissions: limit - 1,
				nanosToWait:       0,
			}
		} else {
			perms := old.activePermissions - 1
			var wait int64
			if perms >= 0 {
				wait = 0
			} else {
				nanosUntilEndOfCycle := (old.activeCycle+1)*period - now
				wait = ((-perms-1)/limit)*period + nanosUntilEndOfCycle
			}
			next = state{
				activeCycle:       old.activeCycle,
				activePermissions: perms,
				nanosToWait:       wait,
			}
		}

		if next.nanosToWait > timeout.Nanoseconds() {
			l.bus.Publish(events.NewRateLimiterFailedAcquire(l.name, "timeout"))
			return false
		}

		if !l.st.CompareAndSwap(old, &next) {
			continue
		}

		if next.nanosToWait > 0 {
			l.waitingThreads.Add(1)
			timer := time.NewTimer(time.Duration(next.nanosToWait))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				l.waitingThreads.Add(-1)
				l.bus.Publish(events.NewRateLimiterFailedAcquire(l.name, "cancelled"))
				return false
			}
			l.waitingThreads.Add(-1)
		}

		l.bus.Publish(events.NewRateLimiterSuccessfulAcquire(l.name, next.nanosToWait))
		return true
	}
}
