package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/lexiqai/interview-voice/internal/config"
	"github.com/lexiqai/interview-voice/internal/livekit"
	"github.com/lexiqai/interview-voice/internal/observability"
	"github.com/lexiqai/interview-voice/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("livekit_url", cfg.LiveKitURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Interview voice server starting")

	issuer, err := livekit.NewTokenIssuer(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("LiveKit configuration incomplete")
	}

	// The proxy talks to Cartesia itself; pointing it at its own endpoint would loop
	proxyCfg := *cfg
	if proxyCfg.SynthesisTransport == config.TransportChunked {
		proxyCfg.SynthesisTransport = config.TransportSSE
	}
	if err := proxyCfg.RequireSynthesis(); err != nil {
		logger.Fatal().Err(err).Msg("Cartesia configuration incomplete")
	}
	cartesia := tts.NewCartesiaClient(&proxyCfg, logger)

	var limiter *rate.Limiter
	if cfg.TokenRateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.TokenRateLimitPerSec), cfg.TokenRateLimitBurst)
	}

	// Create HTTP server
	mux := http.NewServeMux()

	mux.HandleFunc("/api/connection-details", livekit.ConnectionDetailsHandler(issuer, limiter, logger))
	mux.HandleFunc("/api/tts", tts.ProxyHandler(cartesia, logger))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler("interview-voice"))

	mux.HandleFunc("/ready", observability.ReadinessHandler("interview-voice", map[string]observability.HealthCheckFunc{
		"cartesia": cartesia.HealthCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No write timeout: /api/tts streams for as long as synthesis runs
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/api/connection-details", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
