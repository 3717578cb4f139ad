// Package main is the entrypoint for the ScanHunter API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/scanhunter/internal/api"
	"github.com/kiranshivaraju/scanhunter/internal/api/handler"
	mw "github.com/kiranshivaraju/scanhunter/internal/api/middleware"
	"github.com/kiranshivaraju/scanhunter/internal/artifact"
	"github.com/kiranshivaraju/scanhunter/internal/cache"
	"github.com/kiranshivaraju/scanhunter/internal/config"
	"github.com/kiranshivaraju/scanhunter/internal/inference"
	"github.com/kiranshivaraju/scanhunter/internal/inference/engines"
	"github.com/kiranshivaraju/scanhunter/internal/ingress"
	"github.com/kiranshivaraju/scanhunter/internal/metrics"
	"github.com/kiranshivaraju/scanhunter/internal/pipeline"
	"github.com/kiranshivaraju/scanhunter/internal/store"
)

const (
	// requestSlack covers reading the upload and storing the artifact.
	requestSlack  = 30 * time.Second
	migrationsDir = "migrations"
)

// requestTimeout bounds one upload request, including every inference retry.
// Shutdown waits the same amount so in-flight uploads reach a terminal status
// before the store is closed.
func requestTimeout(cfg *config.Config) time.Duration {
	return cfg.RunBudget() + requestSlack
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// app holds the wired components and everything that must be released on exit.
type app struct {
	handler http.Handler
	sweeper *pipeline.Sweeper
	closers []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func run() error {
	// Load config, failing fast when it is invalid.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"database_driver", cfg.Database.Driver,
		"artifact_backend", cfg.Artifact.Backend,
		"inference_engine", cfg.Inference.Engine,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go a.sweeper.Run(sweepCtx)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      requestTimeout(cfg),
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout. In-flight uploads finish their
	// bookkeeping before Shutdown returns.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newApp connects every dependency named by cfg and builds the router.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// Metadata repository
	if cfg.Database.Driver == "postgres" {
		if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
	}
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, st)
	slog.Info("database connected", "driver", cfg.Database.Driver)

	// Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	a.closers = append(a.closers, redisCache)

	if err := redisCache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// Artifact store
	artifacts, err := artifact.New(ctx, cfg.Artifact)
	if err != nil {
		return nil, fmt.Errorf("create artifact store: %w", err)
	}
	a.closers = append(a.closers, artifacts)
	slog.Info("artifact store ready", "backend", cfg.Artifact.Backend)

	// Inference engine
	engine, err := engines.New(cfg.Inference)
	if err != nil {
		return nil, fmt.Errorf("create inference engine: %w", err)
	}
	if c, ok := engine.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	client := inference.NewClient(engine, inference.Options{
		Timeout:        cfg.Inference.Timeout,
		MaxConcurrency: cfg.Inference.MaxConcurrency,
		MaxQueue:       cfg.Inference.MaxQueue,
	})
	slog.Info("inference engine initialized", "engine", client.Engine())

	mc := metrics.New()
	mc.RegisterGaugeFunc("inference_in_flight", "Inference calls currently running.",
		func() float64 { return float64(client.InFlight()) })
	mc.RegisterGaugeFunc("inference_waiting", "Inference calls waiting for a slot.",
		func() float64 { return float64(client.Waiting()) })

	orch := pipeline.NewOrchestrator(st, artifacts, client, redisCache, mc, pipeline.Options{
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		BackoffInitial: cfg.Pipeline.BackoffInitial,
		BackoffMax:     cfg.Pipeline.BackoffMax,
		StatusTTL:      cfg.Pipeline.StatusTTL,
	})
	a.sweeper = pipeline.NewSweeper(st, redisCache, mc,
		cfg.Pipeline.StaleAfter, cfg.Pipeline.SweepInterval, cfg.Pipeline.StatusTTL)

	decoder := ingress.NewDecoder(ingress.Options{
		MaxBytes:     cfg.Upload.MaxBytes,
		FieldName:    cfg.Upload.FieldName,
		AllowedTypes: cfg.Upload.AllowedTypes,
		Owner:        mw.ClientKey,
	})

	auth := mw.NewAuth(cfg.Auth.APIKeys)
	if !auth.Enabled() {
		slog.Warn("no API keys configured, image endpoints are unauthenticated")
	}

	a.handler = api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute),
		Metrics:   mc,

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database":  st,
			"cache":     redisCache,
			"inference": client,
		}),
		UploadHandler:    handler.NewUploadHandler(decoder, orch),
		GetResultHandler: handler.NewGetResultHandler(orch),
	})
	return a, nil
}
