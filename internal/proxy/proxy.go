// Package proxy provides a reverse proxy with route matching, path stripping,
// header injection, and per-backend resilience guards.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dskow/resil-gateway/internal/apierror"
	"github.com/dskow/resil-gateway/internal/breaker"
	"github.com/dskow/resil-gateway/internal/config"
	"github.com/dskow/resil-gateway/internal/decorator"
	"github.com/dskow/resil-gateway/internal/events"
	"github.com/dskow/resil-gateway/internal/metrics"
	"github.com/dskow/resil-gateway/internal/ratelimiter"
	"github.com/dskow/resil-gateway/internal/retry"
	"github.com/dskow/resil-gateway/internal/routing"
)

// Router matches incoming requests to configured routes and proxies
// them to the appropriate backend, wrapping each call with that
// backend's rate limiter, retry, and circuit breaker guards.
type Router struct {
	routes  []config.RouteConfig
	proxies map[string]*httputil.ReverseProxy
	logger  *slog.Logger

	breakers *breaker.Registry
	limiters *ratelimiter.Registry
	retries  *retry.Registry
}

// New creates a Router from the given route configurations. Routes are
// sorted by path prefix length (longest first) for correct matching.
// Each route's backend gets a named CircuitBreaker, RateLimiter, and
// Retry drawn lazily from the given registries, keyed by route.Backend.
// A route with RetryAttempts > 0 gets its Retry seeded with a matching
// MaxAttempts up front, so the registry default doesn't silently
// override a route-specific attempt bound.
func New(
	routes []config.RouteConfig,
	logger *slog.Logger,
	breakers *breaker.Registry,
	limiters *ratelimiter.Registry,
	retries *retry.Registry,
) (*Router, error) {
	sorted := make([]config.RouteConfig, len(routes))
	copy(sorted, routes)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})

	proxies := make(map[string]*httputil.ReverseProxy, len(routes))
	for _, route := range sorted {
		target, err := url.Parse(route.Backend)
		if err != nil {
			return nil, fmt.Errorf("invalid backend URL %q for route %q: %w", route.Backend, route.PathPrefix, err)
		}
		rte := route // capture for closure
		rp := httputil.NewSingleHostReverseProxy(target)
		rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("proxy error", "error", err, "backend", rte.Backend, "path", r.URL.Path)
			writeJSONError(w, http.StatusBadGateway, "upstream service unavailable")
		}
		proxies[route.PathPrefix] = rp

		if route.RetryAttempts > 0 {
			base := retries.Retry(route.Backend).GetConfig()
			cfg, err := retry.NewConfig(retry.Config{
				MaxAttempts:               route.RetryAttempts + 1,
				WaitDuration:              base.WaitDuration,
				RetryOnExceptionPredicate: base.RetryOnExceptionPredicate,
			})
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", route.PathPrefix, err)
			}
			retries.RetryWithConfig(route.Backend, cfg)
		}
	}

	rt := &Router{
		routes:   sorted,
		proxies:  proxies,
		logger:   logger,
		breakers: breakers,
		limiters: limiters,
		retries:  retries,
	}

	for _, route := range sorted {
		prefix := route.PathPrefix
		retries.Retry(route.Backend).GetEventStream().Subscribe(func(e events.Event) {
			if _, ok := e.(events.RetryOnRetryEvent); ok {
				metrics.RetryTotal.WithLabelValues(prefix, route.Backend).Inc()
			}
		})
	}

	return rt, nil
}

// ServeHTTP implements http.Handler. It matches the request to a route,
// validates the HTTP method, injects headers, and proxies the request
// through that backend's rate limiter, retry, and circuit breaker guards.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	route, ok := rt.matchRoute(r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no matching route")
		return
	}

	if len(route.Methods) > 0 && !methodAllowed(r.Method, route.Methods) {
		writeJSONError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed for %s", r.Method, route.PathPrefix))
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	rp := rt.proxies[route.PathPrefix]

	for k, v := range route.Headers {
		r.Header.Set(k, v)
	}

	if route.StripPrefix {
		r.URL.Path = strings.TrimPrefix(r.URL.Path, route.PathPrefix)
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}
	}

	recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	attempt := func(ctx context.Context) (*responseBuffer, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, route.Timeout())
		defer cancel()

		buf := &responseBuffer{header: make(http.Header), statusCode: http.StatusOK}
		rp.ServeHTTP(buf, r.WithContext(attemptCtx))
		if isRetryable(buf.statusCode) {
			return buf, fmt.Errorf("backend returned retryable status %d", buf.statusCode)
		}
		return buf, nil
	}

	op := decorator.Compose(decorator.Op[*responseBuffer](attempt),
		func(o decorator.Op[*responseBuffer]) decorator.Op[*responseBuffer] {
			return decorator.WithRateLimiter(rt.limiters.RateLimiter(route.Backend), o)
		},
		func(o decorator.Op[*responseBuffer]) decorator.Op[*responseBuffer] {
			return decorator.WithRetry(rt.retries.Retry(route.Backend), o)
		},
		func(o decorator.Op[*responseBuffer]) decorator.Op[*responseBuffer] {
			return decorator.WithCircuitBreaker(rt.breakers.CircuitBreaker(route.Backend), o)
		},
	)

	buf, err := op(r.Context())
	latency := time.Since(start)
	w.Header().Set("X-Gateway-Latency", latency.String())

	rt.writeResult(recorder, r, route, buf, err)

	statusStr := strconv.Itoa(recorder.statusCode)
	metrics.RequestsTotal.WithLabelValues(route.PathPrefix, r.Method, statusStr).Inc()
	metrics.RequestDuration.WithLabelValues(route.PathPrefix, r.Method).Observe(latency.Seconds())

	if recorder.statusCode >= 500 {
		metrics.BackendErrors.WithLabelValues(route.PathPrefix, route.Backend, statusStr).Inc()
	}
}

// writeResult writes the outcome of a guarded proxy call to the real
// client: the buffered backend response on success, the last buffered
// attempt when retries were exhausted (so a synthesized error never
// overwrites a real backend response the client could still use), or a
// structured apierror body when a guard rejected the call outright.
func (rt *Router) writeResult(recorder *responseRecorder, r *http.Request, route config.RouteConfig, buf *responseBuffer, err error) {
	if err == nil {
		buf.replayTo(recorder)
		return
	}

	var notPermitted *apierror.CallNotPermittedError
	var rateLimited *apierror.RequestNotPermittedError
	var exhausted *apierror.MaxRetriesExceededError

	switch {
	case errors.As(err, &notPermitted):
		rt.logger.Warn("circuit breaker rejected call", "path", r.URL.Path, "backend", route.Backend)
		recorder.statusCode = http.StatusServiceUnavailable
		apierror.WriteJSON(recorder, r, http.StatusServiceUnavailable, apierror.CircuitOpen, "circuit breaker open")
	case errors.As(err, &rateLimited):
		recorder.statusCode = http.StatusTooManyRequests
		apierror.WriteJSON(recorder, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, "rate limit exceeded, retry later")
	case errors.As(err, &exhausted):
		if buf != nil && buf.written {
			buf.replayTo(recorder)
		} else {
			recorder.statusCode = http.StatusBadGateway
			apierror.WriteJSON(recorder, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream service unavailable")
		}
	case errors.Is(err, context.DeadlineExceeded):
		recorder.statusCode = http.StatusGatewayTimeout
		apierror.WriteJSON(recorder, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "request deadline exceeded")
	case errors.Is(err, context.Canceled):
		recorder.statusCode = http.StatusGatewayTimeout
		apierror.WriteJSON(recorder, r, http.StatusGatewayTimeout, apierror.RequestCancelled, "request cancelled")
	default:
		rt.logger.Warn("proxy call failed", "path", r.URL.Path, "backend", route.Backend, "error", err)
		recorder.statusCode = http.StatusBadGateway
		apierror.WriteJSON(recorder, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream service unavailable")
	}
}

func (rt *Router) matchRoute(path string) (config.RouteConfig, bool) {
	for _, route := range rt.routes {
		if routing.MatchesPrefix(path, route.PathPrefix) {
			return route, true
		}
	}
	return config.RouteConfig{}, false
}

// MatchRoute exposes route matching for use by other packages (e.g., auth middleware).
func (rt *Router) MatchRoute(path string) (config.RouteConfig, bool) {
	return rt.matchRoute(path)
}

// Breakers exposes the underlying breaker registry's snapshot, keyed
// by backend, for the admin and health handlers.
func (rt *Router) Breakers() map[string]*breaker.CircuitBreaker {
	out := make(map[string]*breaker.CircuitBreaker, len(rt.routes))
	for _, route := range rt.routes {
		out[route.Backend] = rt.breakers.CircuitBreaker(route.Backend)
	}
	return out
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(method, m) {
			return true
		}
	}
	return false
}

func isRetryable(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

// Pre-serialized JSON error bodies avoid per-request json.Encoder allocations.
var (
	errBodyNotFound   = mustMarshalError(http.StatusNotFound, "no matching route")
	errBodyBadGateway = mustMarshalError(http.StatusBadGateway, "upstream service unavailable")
)

func mustMarshalError(status int, message string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
	return append(b, '\n')
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Use pre-serialized body for common error messages to avoid
	// json.Encoder allocation on every error response.
	switch {
	case status == http.StatusNotFound && message == "no matching route":
		w.Write(errBodyNotFound)
	case status == http.StatusBadGateway && message == "upstream service unavailable":
		w.Write(errBodyBadGateway)
	default:
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   http.StatusText(status),
			"message": message,
		})
	}
}

// responseRecorder wraps http.ResponseWriter to capture the status code
// while still writing to the real client. Used for metrics reporting.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.written {
		rr.statusCode = code
		rr.written = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.written {
		rr.statusCode = http.StatusOK
		rr.written = true
	}
	return rr.ResponseWriter.Write(b)
}

// responseBuffer captures the full response (status, headers, body) in
// memory so a guard can inspect the status and decide whether to retry
// before anything reaches the real client.
type responseBuffer struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
	written    bool
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(code int) {
	if !b.written {
		b.statusCode = code
		b.written = true
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if !b.written {
		b.statusCode = http.StatusOK
		b.written = true
	}
	return b.body.Write(p)
}

// replayTo copies the buffered response (headers, status, body) to a real
// ResponseWriter. The recorder captures the status code for metrics.
func (b *responseBuffer) replayTo(rr *responseRecorder) {
	for k, vals := range b.header {
		for _, v := range vals {
			rr.Header().Add(k, v)
		}
	}
	rr.WriteHeader(b.statusCode)
	rr.Write(b.body.Bytes())
}
