package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dskow/resil-gateway/internal/breaker"
	"github.com/dskow/resil-gateway/internal/config"
	"github.com/dskow/resil-gateway/internal/ratelimiter"
	"github.com/dskow/resil-gateway/internal/retry"
)

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"path":    r.URL.Path,
			"method":  r.Method,
			"headers": flatHeaders(r.Header),
		})
	})
}

func flatHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// testRegistries returns a permissive set of guard registries (generous
// limits, no retries) so a test can focus on routing behavior without
// guard rejections interfering.
func testRegistries() (*breaker.Registry, *ratelimiter.Registry, *retry.Registry) {
	return breaker.NewDefaultRegistry(),
		ratelimiter.NewRegistry(ratelimiter.Config{
			LimitRefreshPeriod: time.Second,
			LimitForPeriod:     10000,
			TimeoutDuration:    time.Second,
		}),
		retry.NewDefaultRegistry()
}

func newTestRouter(t *testing.T, routes []config.RouteConfig) *Router {
	t.Helper()
	breakers, limiters, retries := testRegistries()
	router, err := New(routes, slog.Default(), breakers, limiters, retries)
	if err != nil {
		t.Fatal(err)
	}
	return router
}

func TestRouter_RouteMatching(t *testing.T) {
	backend := httptest.NewServer(echoHandler())
	defer backend.Close()

	routes := []config.RouteConfig{
		{PathPrefix: "/api/users", Backend: backend.URL, TimeoutMs: 5000},
		{PathPrefix: "/api", Backend: backend.URL, TimeoutMs: 5000},
	}

	router := newTestRouter(t, routes)

	// Should match the longer prefix
	req := httptest.NewRequest("GET", "/api/users/123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRouter_NoMatchingRoute(t *testing.T) {
	routes := []config.RouteConfig{
		{PathPrefix: "/api", Backend: "http://localhost:9999", TimeoutMs: 5000},
	}
	router := newTestRouter(t, routes)

	req := httptest.NewRequest("GET", "/unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	backend := httptest.NewServer(echoHandler())
	defer backend.Close()

	routes := []config.RouteConfig{
		{PathPrefix: "/api", Backend: backend.URL, Methods: []string{"GET"}, TimeoutMs: 5000},
	}
	router := newTestRouter(t, routes)

	req := httptest.NewRequest("POST", "/api/test", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestRouter_PrefixStripping(t *testing.T) {
	var receivedPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	routes := []config.RouteConfig{
		{PathPrefix: "/api/users", Backend: backend.URL, StripPrefix: true, TimeoutMs: 5000},
	}
	router := newTestRouter(t, routes)

	req := httptest.NewRequest("GET", "/api/users/123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if receivedPath != "/123" {
		t.Errorf("expected stripped path /123, got %q", receivedPath)
	}
}

func TestRouter_PrefixStripping_RootPath(t *testing.T) {
	var receivedPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	routes := []config.RouteConfig{
		{PathPrefix: "/api/users", Backend: backend.URL, StripPrefix: true, TimeoutMs: 5000},
	}
	router := newTestRouter(t, routes)

	req := httptest.NewRequest("GET", "/api/users", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if receivedPath != "/" {
		t.Errorf("expected stripped path /, got %q", receivedPath)
	}
}

func TestRouter_HeaderInjection(t *testing.T) {
	var receivedHeaders http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	routes := []config.RouteConfig{
		{
			PathPrefix: "/api",
			Backend:    backend.URL,
			TimeoutMs:  5000,
			Headers:    map[string]string{"X-Source": "gateway", "X-Custom": "value"},
		},
	}
	router := newTestRouter(t, routes)

	req := httptest.NewRequest("GET", "/api/test", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if receivedHeaders.Get("X-Source") != "gateway" {
		t.Errorf("expected X-Source=gateway, got %q", receivedHeaders.Get("X-Source"))
	}
	if receivedHeaders.Get("X-Custom") != "value" {
		t.Errorf("expected X-Custom=value, got %q", receivedHeaders.Get("X-Custom"))
	}
}

func TestRouter_XForwardedFor(t *testing.T) {
	var receivedXFF string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedXFF = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	routes := []config.RouteConfig{
		{PathPrefix: "/api", Backend: backend.URL, TimeoutMs: 5000},
	}
	router := newTestRouter(t, routes)

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.RemoteAddr = "192.168.1.1:54321"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if receivedXFF != "192.168.1.1" {
		t.Errorf("expected X-Forwarded-For=192.168.1.1, got %q", receivedXFF)
	}
}

func TestRouter_GatewayLatencyHeader(t *testing.T) {
	backend := httptest.NewServer(echoHandler())
	defer backend.Close()

	routes := []config.RouteConfig{
		{PathPrefix: "/api", Backend: backend.URL, TimeoutMs: 5000},
	}
	router := newTestRouter(t, routes)

	req := httptest.NewRequest("GET", "/api/test", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	latency := rec.Header().Get("X-Gateway-Latency")
	if latency == "" {
		t.Error("expected X-Gateway-Latency header")
	}
}

func TestRouter_InvalidBackendURL(t *testing.T) {
	routes := []config.RouteConfig{
		{PathPrefix: "/api", Backend: "://bad-url", TimeoutMs: 5000},
	}
	breakers, limiters, retries := testRegistries()
	_, err := New(routes, slog.Default(), breakers, limiters, retries)
	if err == nil {
		t.Error("expected error for invalid backend URL")
	}
}

func TestRouter_PathBoundaryEnforcement(t *testing.T) {
	backend := httptest.NewServer(echoHandler())
	defer backend.Close()

	routes := []config.RouteConfig{
		{PathPrefix: "/api", Backend: backend.URL, TimeoutMs: 5000},
	}
	router := newTestRouter(t, routes)

	// /api/test should match /api
	req := httptest.NewRequest("GET", "/api/test", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("/api/test: expected 200, got %d", rec.Code)
	}

	// /api.evil.com should NOT match /api
	req2 := httptest.NewRequest("GET", "/api.evil.com/steal", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNotFound {
		t.Errorf("/api.evil.com/steal: expected 404, got %d", rec2.Code)
	}

	// /apiary should NOT match /api
	req3 := httptest.NewRequest("GET", "/apiary", nil)
	rec3 := httptest.NewRecorder()
	router.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusNotFound {
		t.Errorf("/apiary: expected 404, got %d", rec3.Code)
	}
}

func TestRouter_RetryOnBackendFailure(t *testing.T) {
	attempts := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	routes := []config.RouteConfig{
		{PathPrefix: "/api", Backend: backend.URL, TimeoutMs: 5000, RetryAttempts: 2},
	}
	router := newTestRouter(t, routes)

	req := httptest.NewRequest("GET", "/api/test", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after retry, got %d", rec.Code)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRouter_RateLimiterRejection(t *testing.T) {
	backend := httptest.NewServer(echoHandler())
	defer backend.Close()

	routes := []config.RouteConfig{
		{PathPrefix: "/api", Backend: backend.URL, TimeoutMs: 5000},
	}

	breakers := breaker.NewDefaultRegistry()
	limiters := ratelimiter.NewRegistry(ratelimiter.Config{
		LimitRefreshPeriod: time.Minute,
		LimitForPeriod:     1,
		TimeoutDuration:    0,
	})
	retries := retry.NewDefaultRegistry()

	router, err := New(routes, slog.Default(), breakers, limiters, retries)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/api/test", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	req2 := httptest.NewRequest("GET", "/api/test", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", rec2.Code)
	}
}
