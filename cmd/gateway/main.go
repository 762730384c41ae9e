// Package main is the entry point for the API gateway. It loads configuration,
// assembles the middleware stack, starts the HTTP server, and handles graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dskow/resil-gateway/internal/admin"
	"github.com/dskow/resil-gateway/internal/auth"
	"github.com/dskow/resil-gateway/internal/breaker"
	"github.com/dskow/resil-gateway/internal/config"
	"github.com/dskow/resil-gateway/internal/health"
	"github.com/dskow/resil-gateway/internal/metrics"
	"github.com/dskow/resil-gateway/internal/middleware"
	"github.com/dskow/resil-gateway/internal/proxy"
	"github.com/dskow/resil-gateway/internal/ratelimit"
	"github.com/dskow/resil-gateway/internal/ratelimiter"
	"github.com/dskow/resil-gateway/internal/resilmetrics"
	"github.com/dskow/resil-gateway/internal/retry"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"routes", len(cfg.Routes),
		"auth_enabled", cfg.Auth.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
		"trusted_proxies", len(cfg.Server.TrustedProxies),
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	// Initialize Prometheus metrics
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}
	resilmetrics.Init()

	// Build the per-backend resilience guard registries.
	cbDefaults, err := cfg.CircuitBreakerDefaults.ToGuardConfig()
	if err != nil {
		logger.Error("invalid circuit breaker defaults", "error", err)
		os.Exit(1)
	}
	rlDefaults, err := cfg.RateLimiterDefaults.ToGuardConfig()
	if err != nil {
		logger.Error("invalid rate limiter defaults", "error", err)
		os.Exit(1)
	}
	retryDefaults, err := cfg.RetryDefaults.ToGuardConfig()
	if err != nil {
		logger.Error("invalid retry defaults", "error", err)
		os.Exit(1)
	}

	breakers := breaker.NewRegistry(cbDefaults)
	limiters := ratelimiter.NewRegistry(rlDefaults)
	retries := retry.NewRegistry(retryDefaults)

	// Wire each backend's guards into the Prometheus guard-level
	// metrics as soon as it's created, so no named guard escapes
	// observation.
	for _, route := range cfg.Routes {
		resilmetrics.SubscribeCircuitBreaker(route.Backend, breakers.CircuitBreaker(route.Backend).GetEventStream())
		resilmetrics.SubscribeRateLimiter(route.Backend, limiters.RateLimiter(route.Backend).GetEventStream())
		resilmetrics.SubscribeRetry(route.Backend, retries.Retry(route.Backend).GetEventStream())
	}

	// Build the proxy router
	router, err := proxy.New(cfg.Routes, logger, breakers, limiters, retries)
	if err != nil {
		logger.Error("failed to create proxy router", "error", err)
		os.Exit(1)
	}

	// Build the per-client-IP rate limiter
	limiter := ratelimit.New(cfg.RateLimit, cfg.Routes, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	// Route auth checker: looks up whether a matching route requires auth
	routeRequiresAuth := func(path string) bool {
		route, ok := router.MatchRoute(path)
		if !ok {
			return false
		}
		return route.AuthRequired
	}

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit → RateLimit → Auth → Proxy
	var handler http.Handler = router
	handler = auth.Middleware(cfg.Auth, routeRequiresAuth, logger)(handler)
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger, nil, nil)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Initialize config reloader
	reloader := config.NewReloader(*configPath, cfg, logger)

	// Register health check, metrics, and admin routes on a separate
	// mux, then combine with the main handler
	mux := http.NewServeMux()
	healthHandler := health.New(cfg.Routes, router.Breakers(), logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}
	const resilMetricsPath = "/metrics/resilience"
	mux.Handle(resilMetricsPath, resilmetrics.Handler())

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, limiter, router.Breakers(), cfg.Routes, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin endpoints registered", "ip_allowlist", cfg.Admin.IPAllowlist)
	}

	// Combine: health, metrics, and admin endpoints bypass the middleware stack
	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			strings.HasPrefix(r.URL.Path, "/admin") ||
			r.URL.Path == resilMetricsPath ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	reloader.Start()
	defer reloader.Stop()

	// Register reload callbacks for components that support hot-reload
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit, newCfg.Routes)

		if cbCfg, err := newCfg.CircuitBreakerDefaults.ToGuardConfig(); err == nil {
			breakers.SetDefaults(cbCfg)
		} else {
			logger.Warn("skipping circuit breaker defaults reload", "error", err)
		}
		if rlCfg, err := newCfg.RateLimiterDefaults.ToGuardConfig(); err == nil {
			limiters.SetDefaults(rlCfg)
		} else {
			logger.Warn("skipping rate limiter defaults reload", "error", err)
		}
		if retryCfg, err := newCfg.RetryDefaults.ToGuardConfig(); err == nil {
			retries.SetDefaults(retryCfg)
		} else {
			logger.Warn("skipping retry defaults reload", "error", err)
		}
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("starting gateway", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}
