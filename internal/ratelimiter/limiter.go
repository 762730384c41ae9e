package ratelimiter

import (
	"context"

	"github.com/dskow/resil-gateway/internal/events"
)

// Metrics is a point-in-time read of a limiter's permission accounting.
type Metrics struct {
	AvailablePermissions   int64
	NumberOfWaitingThreads int64
	LastNanosToWait        int64
}

// Limiter is the shape shared by AtomicLimiter (the lock-free CAS
// variant) and TokenBucketLimiter (the golang.org/x/time/rate-backed
// variant), so callers and the decorator package can treat either
// uniformly.
type Limiter interface {
	GetName() string
	GetPermission(ctx context.Context) bool
	GetMetrics() Metrics
	GetEventStream() *events.Bus
}
