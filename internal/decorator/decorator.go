// Package decorator composes the CircuitBreaker, RateLimiter, and
// Retry guards around a user call. Composition is explicit: callers
// pick which guards apply and in what order, rather than the guards
// wrapping one another internally.
package decorator

import (
	"context"

	"github.com/dskow/resil-gateway/internal/apierror"
	"github.com/dskow/resil-gateway/internal/breaker"
	"github.com/dskow/resil-gateway/internal/ratelimiter"
	"github.com/dskow/resil-gateway/internal/retry"
)

// Op is a user operation returning a typed result.
type Op[T any] func(ctx context.Context) (T, error)

// WithCircuitBreaker wraps op so it only runs while cb permits calls,
// reporting the outcome back to cb afterward.
func WithCircuitBreaker[T any](cb *breaker.CircuitBreaker, op Op[T]) Op[T] {
	return func(ctx context.Context) (T, error) {
		var zero T
		if !cb.IsCallPermitted() {
			return zero, &apierror.CallNotPermittedError{Name: cb.GetName(), State: cb.GetState().String()}
		}
		result, err := op(ctx)
		if err != nil {
			cb.OnError(err)
			return result, err
		}
		cb.OnSuccess()
		return result, nil
	}
}

// WithRateLimiter wraps op so it only runs once rl grants a permission
// (waiting up to rl's configured timeout, or until ctx is done).
func WithRateLimiter[T any](rl ratelimiter.Limiter, op Op[T]) Op[T] {
	return func(ctx context.Context) (T, error) {
		var zero T
		if !rl.GetPermission(ctx) {
			return zero, &apierror.RequestNotPermittedError{Name: rl.GetName()}
		}
		return op(ctx)
	}
}

// WithRetry wraps op so it re-executes through r on failure, per r's
// configured predicate and attempt bound.
func WithRetry[T any](r *retry.Retry, op Op[T]) Op[T] {
	return func(ctx context.Context) (T, error) {
		return retry.Execute(ctx, r, op, nil)
	}
}

// Compose chains decorators outermost-first: Compose(op, a, b) runs as
// a(b(op)), so a sees the call before b does. A typical call site
// wants rate limiting outermost, then retry, then the circuit breaker
// closest to the real operation:
//
//	decorator.Compose(op,
//	    func(o Op[T]) Op[T] { return decorator.WithRateLimiter(rl, o) },
//	    func(o Op[T]) Op[T] { return decorator.WithRetry(rt, o) },
//	    func(o Op[T]) Op[T] { return decorator.WithCircuitBreaker(cb, o) },
//	)
func Compose[T any](op Op[T], layers ...func(Op[T]) Op[T]) Op[T] {
	for i := len(layers) - 1; i >= 0; i-- {
		op = layers[i](op)
	}
	return op
}
