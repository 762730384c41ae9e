// Package resilmetrics exposes Prometheus metrics for the
// CircuitBreaker, RateLimiter, and Retry guards. It never touches a
// guard's internals directly: every collector is populated purely by
// subscribing to the guard's events.Bus, so a guard's only export
// surface to this package is "emit events."
package resilmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dskow/resil-gateway/internal/events"
)

var (
	circuitStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resil_circuit_breaker_state_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	circuitCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resil_circuit_breaker_calls_total",
			Help: "Total calls observed by a circuit breaker, by outcome",
		},
		[]string{"name", "outcome"}, // success, error, ignored_error, not_permitted
	)

	rateLimiterAcquires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resil_rate_limiter_acquires_total",
			Help: "Total rate limiter acquire attempts, by outcome",
		},
		[]string{"name", "outcome"}, // successful, failed
	)

	retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resil_retry_attempts_total",
			Help: "Total retry lifecycle events, by outcome",
		},
		[]string{"name", "outcome"}, // retry, success, error, ignored_error
	)
)

// Init registers all collectors with the default Prometheus registry.
// Must be called once at startup, before Subscribe is used.
func Init() {
	prometheus.MustRegister(circuitStateTransitions, circuitCalls, rateLimiterAcquires, retryAttempts)
}

// Handler returns an http.Handler that serves the Prometheus metrics
// endpoint. Typically mounted on a separate path from
// internal/metrics.Handler() when both are exposed by the same
// process.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SubscribeCircuitBreaker attaches a metrics listener to bus,
// returning the Subscription so the caller can Dispose it when the
// breaker is retired (e.g. via Registry.Remove/Replace).
func SubscribeCircuitBreaker(name string, bus *events.Bus) *events.Subscription {
	return bus.Subscribe(func(e events.Event) {
		switch ev := e.(type) {
		case events.CircuitSuccessEvent:
			circuitCalls.WithLabelValues(name, "success").Inc()
		case events.CircuitErrorEvent:
			circuitCalls.WithLabelValues(name, "error").Inc()
		case events.CircuitIgnoredErrorEvent:
			circuitCalls.WithLabelValues(name, "ignored_error").Inc()
		case events.CircuitNotPermittedEvent:
			circuitCalls.WithLabelValues(name, "not_permitted").Inc()
		case events.CircuitStateTransitionEvent:
			circuitStateTransitions.WithLabelValues(name, ev.From.String(), ev.To.String()).Inc()
		}
	})
}

// SubscribeRateLimiter attaches a metrics listener to bus.
func SubscribeRateLimiter(name string, bus *events.Bus) *events.Subscription {
	return bus.Subscribe(func(e events.Event) {
		switch e.(type) {
		case events.RateLimiterSuccessfulAcquireEvent:
			rateLimiterAcquires.WithLabelValues(name, "successful").Inc()
		case events.RateLimiterFailedAcquireEvent:
			rateLimiterAcquires.WithLabelValues(name, "failed").Inc()
		}
	})
}

// SubscribeRetry attaches a metrics listener to bus.
func SubscribeRetry(name string, bus *events.Bus) *events.Subscription {
	return bus.Subscribe(func(e events.Event) {
		switch e.(type) {
		case events.RetryOnRetryEvent:
			retryAttempts.WithLabelValues(name, "retry").Inc()
		case events.RetryOnSuccessEvent:
			retryAttempts.WithLabelValues(name, "success").Inc()
		case events.RetryOnErrorEvent:
			retryAttempts.WithLabelValues(name, "error").Inc()
		case events.RetryOnIgnoredErrorEvent:
			retryAttempts.WithLabelValues(name, "ignored_error").Inc()
		}
	})
}
