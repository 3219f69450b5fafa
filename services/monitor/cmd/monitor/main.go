// Package main is the entry point for the monitor service.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabrikhq/decision-core/pkg/audit"
	"github.com/fabrikhq/decision-core/pkg/cache"
	"github.com/fabrikhq/decision-core/pkg/canary"
	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/deployment"
	"github.com/fabrikhq/decision-core/pkg/featureflags"
	"github.com/fabrikhq/decision-core/pkg/kafka"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/notify"
	"github.com/fabrikhq/decision-core/pkg/telemetry"
	"github.com/fabrikhq/decision-core/pkg/trust"
	"github.com/fabrikhq/decision-core/services/monitor/internal/drivers"
	"github.com/fabrikhq/decision-core/services/monitor/internal/scheduler"
)

// Build information (set via ldflags).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, "json")
	log = log.WithService("monitor")

	log.Info("starting monitor service",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"env", cfg.Env,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := telemetry.NewProvider("decision-core-monitor", version, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Error("telemetry shutdown failed", "error", err)
		}
	}()
	metrics := telemetry.NewMetrics()

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// database/sql handle for the flag service.
	sqlDB, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	log.Info("connected to database")

	// The monitor only touches the cache to invalidate judgment entries
	// after rollbacks; Redis keeps that shared with the API instances.
	var cacheStore cache.Store
	if cfg.Redis.URL != "" {
		redisStore, err := cache.NewRedisStore(cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisStore.Close()
		cacheStore = redisStore
	} else {
		cacheStore = cache.NewMemoryStore(nil)
	}

	producer, err := kafka.NewProducer(cfg.Kafka, log)
	if err != nil {
		return fmt.Errorf("failed to initialize kafka producer: %w", err)
	}
	defer producer.Close()

	notifier := notify.New(cfg.Notifications, log)
	auditor := audit.NewLogger(db.Pool, log)

	assigner := canary.NewAssigner(db, cfg.Canary, log)
	aggregator := canary.NewAggregator(db, log)
	controller := deployment.NewController(db, assigner, aggregator, cacheStore,
		auditor, producer, notifier, metrics, log)
	flags := featureflags.NewService(sqlDB)
	trustEngine := trust.NewEngine(db, cfg.Trust, producer, notifier, flags, log)

	sched := scheduler.New(scheduler.NewPgLocker(db, log), metrics, cfg.Scheduler.IterationTimeout, log)
	sched.Register(
		drivers.NewCanaryMonitor(controller, aggregator, notifier, metrics, cfg.Canary, log),
		cfg.Scheduler.CanaryMonitorInterval,
	)
	sched.Register(
		drivers.NewTrustReevaluator(db, trustEngine, log),
		cfg.Scheduler.TrustReevalInterval,
	)
	sched.Register(
		drivers.NewAssignmentSweeper(assigner, log),
		cfg.Scheduler.AssignmentSweepInterval,
	)
	sched.Start(ctx)

	// Small HTTP surface for probes and metrics.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		probeCtx, probeCancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer probeCancel()
		if err := db.Health(probeCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         cfg.Monitor.Address(),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig.String())
	}

	cancel()
	sched.Wait()
	log.Info("scheduler drained")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Monitor.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		if err := server.Close(); err != nil {
			return fmt.Errorf("forced shutdown error: %w", err)
		}
	}

	log.Info("monitor shutdown complete")
	return nil
}
