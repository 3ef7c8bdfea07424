// cmd/registrard/main.go
// Package main implements the entry point for the registration daemon.
// It wires the pipeline components and serves health and metrics endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heliocloud/registration-go/internal/config"
	"github.com/heliocloud/registration-go/internal/event"
	"github.com/heliocloud/registration-go/internal/fetch"
	"github.com/heliocloud/registration-go/internal/journal"
	"github.com/heliocloud/registration-go/internal/metrics"
	"github.com/heliocloud/registration-go/internal/model"
	"github.com/heliocloud/registration-go/internal/objstore"
	"github.com/heliocloud/registration-go/internal/orchestrator"
	"github.com/heliocloud/registration-go/internal/registrar"
	"github.com/heliocloud/registration-go/internal/store"
	"github.com/heliocloud/registration-go/internal/summary"
	"github.com/heliocloud/registration-go/internal/telemetry"
)

const version = "0.1.0"

// main wires the pipeline, subscribes to staging-bucket notifications, and
// handles graceful shutdown.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the daemon
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdownTracer, err := telemetry.Init("registrard", version)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracer(ctx)
	}()

	m := metrics.NewMetrics()

	// Record store (PostgreSQL or in-memory)
	var baseStore store.Store
	if cfg.DatabaseDSN != "" {
		baseStore, err = store.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres record store", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no database configured, using in-memory record store")
		baseStore = store.NewMemory()
	}
	st := store.Instrument(baseStore, m)

	// Object store gateway
	ctx := context.Background()
	obj, err := objstore.NewS3Gateway(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3AccessKey, cfg.S3SecretKey)
	if err != nil {
		logger.Error("failed to initialize S3 gateway", "error", err)
		os.Exit(1)
	}

	// Transfer path
	fetcher, err := fetch.New(obj, cfg.ScratchDir, cfg.FetchRetries, m)
	if err != nil {
		logger.Error("failed to initialize fetcher", "error", err)
		os.Exit(1)
	}

	// Event bus (NATS JetStream or no-op)
	pub, sub := event.NewBus(cfg.NATSURL)
	defer pub.Close()

	reconciler := summary.New(st, m, cfg.SummaryRetries)
	jrnl := journal.New(st, m)
	reg := registrar.New(obj, st, fetcher, reconciler, jrnl, pub, m)
	orch := orchestrator.New(obj, reg, pub, m, cfg.ChunkSize, cfg.JobWorkers)

	// Manifest runs are triggered by staging-bucket notifications.
	err = sub.SubscribeObjectCreated(func(ctx context.Context, ev model.ObjectCreatedEvent) {
		if err := orch.HandleObjectCreated(ctx, ev); err != nil {
			slog.Error("manifest run failed", "bucket", ev.Bucket, "key", ev.Key, "error", err)
		}
	})
	if err != nil {
		logger.Error("failed to subscribe to object-created events", "error", err)
		os.Exit(1)
	}

	// Health and metrics endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("daemon starting", "addr", addr, "env", cfg.Env, "bucket", cfg.StagingBucket)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down daemon")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	if pgStore, ok := baseStore.(interface{ Close() }); ok {
		pgStore.Close()
	}

	logger.Info("daemon exited")
}
