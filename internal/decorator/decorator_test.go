package decorator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dskow/resil-gateway/internal/apierror"
	"github.com/dskow/resil-gateway/internal/breaker"
	"github.com/dskow/resil-gateway/internal/ratelimiter"
	"github.com/dskow/resil-gateway/internal/retry"
)

func TestWithCircuitBreakerRejectsWhenOpen(t *testing.T) {
	cfg, _ := breaker.NewConfig(breaker.Config{
		FailureRateThreshold:          50,
		WaitDurationInOpenState:       time.Hour,
		RingBufferSizeInClosedState:   2,
		RingBufferSizeInHalfOpenState: 2,
	})
	cb := breaker.New("svc", cfg)
	cb.TransitionToOpenState()

	op := WithCircuitBreaker(cb, func(ctx context.Context) (int, error) { return 1, nil })
	_, err := op(context.Background())

	var notPermitted *apierror.CallNotPermittedError
	if !errors.As(err, &notPermitted) {
		t.Fatalf("err = %v, want *CallNotPermittedError", err)
	}
}

func TestWithCircuitBreakerReportsOutcome(t *testing.T) {
	cfg, _ := breaker.NewConfig(breaker.Config{
		FailureRateThreshold:          50,
		WaitDurationInOpenState:       time.Hour,
		RingBufferSizeInClosedState:   2,
		RingBufferSizeInHalfOpenState: 2,
	})
	cb := breaker.New("svc", cfg)
	boom := errors.New("boom")

	op := WithCircuitBreaker(cb, func(ctx context.Context) (int, error) { return 0, boom })
	op(context.Background())
	op(context.Background())

	if cb.GetState() != breaker.StateOpen {
		t.Fatalf("state = %v, want open after two recorded failures", cb.GetState())
	}
}

func TestWithRateLimiterRejectsWithoutPermission(t *testing.T) {
	cfg, _ := ratelimiter.NewConfig(ratelimiter.Config{
		LimitRefreshPeriod: time.Hour,
		LimitForPeriod:     1,
		TimeoutDuration:    0,
	})
	rl := ratelimiter.NewAtomic("svc", cfg)
	rl.GetPermission(context.Background())

	op := WithRateLimiter[int](rl, func(ctx context.Context) (int, error) { return 1, nil })
	_, err := op(context.Background())

	var notPermitted *apierror.RequestNotPermittedError
	if !errors.As(err, &notPermitted) {
		t.Fatalf("err = %v, want *RequestNotPermittedError", err)
	}
}

func TestWithRetryRetriesUnderlyingOp(t *testing.T) {
	rt := retry.New("svc", retry.Config{MaxAttempts: 3, WaitDuration: time.Millisecond, RetryOnExceptionPredicate: func(error) bool { return true }})

	calls := 0
	op := WithRetry(rt, func(ctx context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 9, nil
	})

	result, err := op(context.Background())
	if err != nil || result != 9 {
		t.Fatalf("op() = (%d, %v), want (9, nil)", result, err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestComposeOrdersLayersOutermostFirst(t *testing.T) {
	var order []string
	op := Op[int](func(ctx context.Context) (int, error) {
		order = append(order, "op")
		return 1, nil
	})

	wrapped := Compose(op,
		func(o Op[int]) Op[int] {
			return func(ctx context.Context) (int, error) {
				order = append(order, "a")
				return o(ctx)
			}
		},
		func(o Op[int]) Op[int] {
			return func(ctx context.Context) (int, error) {
				order = append(order, "b")
				return o(ctx)
			}
		},
	)

	wrapped(context.Background())

	want := []string{"a", "b", "op"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
