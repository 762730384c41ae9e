// Package cache provides a thin decorator that checks an external
// cache before running a user operation and populates it afterward.
// The cache itself is out of the guards' core scope; this is glue.
package cache

import "context"

// Cache is the minimal shape a cache backend must provide: byte-slice
// get/set keyed by string, with a per-call context for cancellation
// and deadlines.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Decorate wraps op with a cache lookup keyed by key: a hit returns
// decode(cached value) without running op; a miss runs op, encodes
// the result, stores it (best-effort — a Set error is swallowed, the
// result is still returned), then returns it.
func Decorate[T any](c Cache, key string, encode func(T) ([]byte, error), decode func([]byte) (T, error), op func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var zero T
		if raw, ok, err := c.Get(ctx, key); err == nil && ok {
			if v, err := decode(raw); err == nil {
				return v, nil
			}
		}

		result, err := op(ctx)
		if err != nil {
			return zero, err
		}

		if raw, encErr := encode(result); encErr == nil {
			_ = c.Set(ctx, key, raw)
		}

		return result, nil
	}
}
