// Package breaker implements the CircuitBreaker guard: a finite state
// machine (CLOSED/OPEN/HALF_OPEN) gated by a sliding-window failure
// rate tracked in a ring bit buffer.
package breaker

import (
	"sync"
	"time"

	"github.com/dskow/resil-gateway/internal/events"
	"github.com/dskow/resil-gateway/internal/ringbuffer"
)

// State is the circuit breaker's externally observable state. It is
// an alias of events.CircuitState so the breaker and its event stream
// always agree on state values without a dependency cycle.
type State = events.CircuitState

const (
	StateClosed   = events.StateClosed
	StateOpen     = events.StateOpen
	StateHalfOpen = events.StateHalfOpen
)

// Metrics is a derived, read-only view over the active ring buffer.
type Metrics struct {
	FailureRate              float64
	NumberOfBufferedCalls    int
	NumberOfFailedCalls      int
	MaxNumberOfBufferedCalls int
}

// CircuitBreaker short-circuits calls when the observed failure rate
// over a sliding window of outcomes crosses a threshold. Safe for
// concurrent use; state reads and transitions are linearizable.
type CircuitBreaker struct {
	name string
	cfg  Config
	bus  *events.Bus

	mu          sync.Mutex
	state       State
	closedBuf   *ringbuffer.RingBitBuffer
	halfOpenBuf *ringbuffer.RingBitBuffer
	openedAt    time.Time

	// forcedOpen and disabled are sticky overrides layered on top of
	// the three-value state machine (a resilience4j-style supplement):
	// they gate IsCallPermitted() without changing `state`, so
	// GetState() keeps reporting exactly one of CLOSED/OPEN/HALF_OPEN
	// at all times.
	forcedOpen bool
	disabled   bool
}

// New constructs a CircuitBreaker named name with cfg, starting
// CLOSED with a fresh ring buffer of cfg.RingBufferSizeInClosedState.
func New(name string, cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:      name,
		cfg:       cfg,
		bus:       events.NewBus(),
		state:     StateClosed,
		closedBuf: ringbuffer.New(cfg.RingBufferSizeInClosedState),
	}
}

// GetName returns the breaker's registry name.
func (cb *CircuitBreaker) GetName() string { return cb.name }

// GetConfig returns the breaker's immutable configuration.
func (cb *CircuitBreaker) GetConfig() Config { return cb.cfg }

// GetEventStream returns the breaker's event bus for subscribing.
func (cb *CircuitBreaker) GetEventStream() *events.Bus { return cb.bus }

// GetState returns the current FSM state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsDisabled reports whether the breaker is in the sticky DISABLED
// override (all calls permitted, no outcomes recorded).
func (cb *CircuitBreaker) IsDisabled() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.disabled
}

// IsForcedOpen reports whether the breaker is in the sticky
// FORCED_OPEN override (all calls rejected).
func (cb *CircuitBreaker) IsForcedOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.forcedOpen
}

// GetMetrics returns a snapshot of the active ring buffer.
func (cb *CircuitBreaker) GetMetrics() Metrics {
	cb.mu.Lock()
	buf := cb.activeBufferLocked()
	cb.mu.Unlock()

	buffered, failed := buf.Counts()
	return Metrics{
		FailureRate:              buf.FailureRate(),
		NumberOfBufferedCalls:    buffered,
		NumberOfFailedCalls:      failed,
		MaxNumberOfBufferedCalls: buf.Capacity(),
	}
}

func (cb *CircuitBreaker) activeBufferLocked() *ringbuffer.RingBitBuffer {
	if cb.state == StateHalfOpen && cb.halfOpenBuf != nil {
		return cb.halfOpenBuf
	}
	return cb.closedBuf
}

// IsCallPermitted reports whether a call should proceed. It has the
// side effect of transitioning OPEN -> HALF_OPEN once the open timer
// has elapsed.
func (cb *CircuitBreaker) IsCallPermitted() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.disabled {
		return true
	}
	if cb.forcedOpen {
		cb.emitNotPermittedLocked()
		return false
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.WaitDurationInOpenState {
			cb.transitionLocked(StateHalfOpen)
			return true
		}
		cb.emitNotPermittedLocked()
		return false
	case StateHalfOpen:
		// Unlimited concurrent probes are admitted; whichever
		// ringBufferSizeInHalfOpenState outcomes land first decide
		// the next transition.
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) emitNotPermittedLocked() {
	cb.bus.Publish(events.NewCircuitNotPermitted(cb.name))
}

// OnSuccess records a successful outcome against the active ring
// buffer and may trigger HALF_OPEN -> CLOSED.
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.disabled {
		return
	}

	switch cb.state {
	case StateClosed:
		cb.recordLocked(cb.closedBuf, false)
	case StateHalfOpen:
		cb.recordHalfOpenLocked(false)
	}

	cb.bus.Publish(events.NewCircuitSuccess(cb.name))
}

// OnError consults recordFailurePredicate(err); if it rejects the
// error, emits an Ignored event and returns without recording. Else
// records a failure and may trigger state transitions.
func (cb *CircuitBreaker) OnError(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.disabled {
		return
	}
	if !cb.cfg.RecordFailurePredicate(err) {
		cb.bus.Publish(events.NewCircuitIgnoredError(cb.name, err))
		return
	}

	switch cb.state {
	case StateClosed:
		cb.recordLocked(cb.closedBuf, true)
	case StateHalfOpen:
		cb.recordHalfOpenLocked(true)
	}

	cb.bus.Publish(events.NewCircuitError(cb.name, err, 0))
}

// recordLocked records an outcome against the CLOSED window and
// trips the breaker once the window is full and over threshold.
func (cb *CircuitBreaker) recordLocked(buf *ringbuffer.RingBitBuffer, failed bool) {
	buffered, failedCount := buf.Record(failed)
	if buffered < buf.Capacity() {
		return
	}
	rate := float64(failedCount) * 100 / float64(buffered)
	if rate >= cb.cfg.FailureRateThreshold {
		cb.transitionLocked(StateOpen)
	}
}

// recordHalfOpenLocked records an outcome against the HALF_OPEN
// window and, once it is full, decides CLOSED vs OPEN.
func (cb *CircuitBreaker) recordHalfOpenLocked(failed bool) {
	buffered, failedCount := cb.halfOpenBuf.Record(failed)
	if buffered < cb.halfOpenBuf.Capacity() {
		return
	}
	rate := float64(failedCount) * 100 / float64(buffered)
	if rate >= cb.cfg.FailureRateThreshold {
		cb.transitionLocked(StateOpen)
	} else {
		cb.transitionLocked(StateClosed)
	}
}

// transitionLocked performs a state change, resetting the appropriate
// ring buffer and emitting a StateTransition event. Must be called
// with cb.mu held; must be the only place `state` is assigned so
// manual and automatic transitions serialize identically.
func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	switch to {
	case StateClosed:
		cb.closedBuf = ringbuffer.New(cb.cfg.RingBufferSizeInClosedState)
		cb.halfOpenBuf = nil
	case StateOpen:
		cb.openedAt = time.Now()
	case StateHalfOpen:
		cb.halfOpenBuf = ringbuffer.New(cb.cfg.RingBufferSizeInHalfOpenState)
	}

	cb.bus.Publish(events.NewCircuitStateTransition(cb.name, from, to))
}

// TransitionToOpenState forces the breaker into OPEN.
func (cb *CircuitBreaker) TransitionToOpenState() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forcedOpen = false
	cb.disabled = false
	cb.transitionLocked(StateOpen)
}

// TransitionToHalfOpenState forces the breaker into HALF_OPEN.
func (cb *CircuitBreaker) TransitionToHalfOpenState() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forcedOpen = false
	cb.disabled = false
	cb.transitionLocked(StateHalfOpen)
}

// TransitionToClosedState forces the breaker into CLOSED.
func (cb *CircuitBreaker) TransitionToClosedState() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forcedOpen = false
	cb.disabled = false
	cb.transitionLocked(StateClosed)
}

// TransitionToDisabledState sets the DISABLED override: every call is
// permitted and no outcome is recorded, until a manual transition
// clears it. The underlying CLOSED/OPEN/HALF_OPEN state is untouched.
func (cb *CircuitBreaker) TransitionToDisabledState() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forcedOpen = false
	cb.disabled = true
}

// TransitionToForcedOpenState sets the FORCED_OPEN override: every
// call is rejected, until a manual transition clears it.
func (cb *CircuitBreaker) TransitionToForcedOpenState() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.disabled = false
	cb.forcedOpen = true
}

// Reset is an alias for TransitionToClosedState, matching the common
// Breaker-interface shape used elsewhere in this codebase.
func (cb *CircuitBreaker) Reset() {
	cb.TransitionToClosedState()
}
