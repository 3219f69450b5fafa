// Package main is the entry point for the API service.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/fabrikhq/decision-core/pkg/audit"
	"github.com/fabrikhq/decision-core/pkg/auth"
	"github.com/fabrikhq/decision-core/pkg/cache"
	"github.com/fabrikhq/decision-core/pkg/canary"
	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/crypto"
	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/datascope"
	"github.com/fabrikhq/decision-core/pkg/deployment"
	"github.com/fabrikhq/decision-core/pkg/featureflags"
	"github.com/fabrikhq/decision-core/pkg/kafka"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/notify"
	"github.com/fabrikhq/decision-core/pkg/rbac"
	"github.com/fabrikhq/decision-core/pkg/resilience"
	"github.com/fabrikhq/decision-core/pkg/secrets"
	"github.com/fabrikhq/decision-core/pkg/telemetry"
	"github.com/fabrikhq/decision-core/pkg/trust"
	"github.com/fabrikhq/decision-core/services/api/internal/evaluator"
	"github.com/fabrikhq/decision-core/services/api/internal/intent"
	"github.com/fabrikhq/decision-core/services/api/internal/judgment"
	"github.com/fabrikhq/decision-core/services/api/internal/llm"
	"github.com/fabrikhq/decision-core/services/api/internal/orchestrator"
	"github.com/fabrikhq/decision-core/services/api/internal/repository"
	"github.com/fabrikhq/decision-core/services/api/internal/routes"
	"github.com/fabrikhq/decision-core/services/api/internal/service"
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
	log = log.WithService("api")

	log.Info("starting API service",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"env", cfg.Env,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secrets: explicit config wins, then Vault or environment.
	src, err := secrets.New(cfg.Vault, log)
	if err != nil {
		return fmt.Errorf("failed to initialize secret source: %w", err)
	}
	if cfg.Auth.JWTSecret, err = secrets.Resolve(ctx, src, "jwt_secret", cfg.Auth.JWTSecret); err != nil {
		return fmt.Errorf("failed to resolve jwt secret: %w", err)
	}
	if cfg.LLM.APIKey, err = secrets.Resolve(ctx, src, "llm_api_key", cfg.LLM.APIKey); err != nil {
		return fmt.Errorf("failed to resolve llm api key: %w", err)
	}
	if cfg.Crypto.EncryptionKey, err = secrets.Resolve(ctx, src, "encryption_key", cfg.Crypto.EncryptionKey); err != nil {
		return fmt.Errorf("failed to resolve encryption key: %w", err)
	}

	// Tracing
	provider, err := telemetry.NewProvider("decision-core-api", version, cfg.Telemetry)
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

	// Primary pool (pgx) plus a database/sql handle for the components
	// that want the standard interface.
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	sqlDB, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to database")

	// Cache backend. An empty Redis URL selects the in-memory store.
	var (
		cacheStore  cache.Store
		cacheHealth interface {
			Health(ctx context.Context) error
		}
	)
	if cfg.Redis.URL != "" {
		redisStore, err := cache.NewRedisStore(cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisStore.Close()
		cacheStore, cacheHealth = redisStore, redisStore
		log.Info("connected to redis")
	} else {
		memStore := cache.NewMemoryStore(nil)
		cacheStore, cacheHealth = memStore, memStore
		log.Info("using in-memory cache")
	}

	producer, err := kafka.NewProducer(cfg.Kafka, log)
	if err != nil {
		return fmt.Errorf("failed to initialize kafka producer: %w", err)
	}
	defer producer.Close()

	notifier := notify.New(cfg.Notifications, log)
	auditor := audit.NewLogger(db.Pool, log)

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	scopes := datascope.NewService(sqlDB)
	flags := featureflags.NewService(sqlDB)

	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig("evaluator"))
	evalClient := evaluator.NewClient(cfg.Evaluator, breakers, log)

	llmClient, err := llm.NewClient(cfg.LLM, log)
	if err != nil {
		return fmt.Errorf("failed to initialize llm client: %w", err)
	}

	assigner := canary.NewAssigner(db, cfg.Canary, log)
	aggregator := canary.NewAggregator(db, log)

	encKey := cfg.Crypto.EncryptionKey
	if encKey == "" {
		// Config validation requires a key in production, so this path
		// only runs in development. Sealed values do not survive restarts.
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("failed to generate ephemeral encryption key: %w", err)
		}
		encKey = base64.StdEncoding.EncodeToString(raw)
		log.Warn("no encryption key configured, using an ephemeral key")
	}
	encryptor, err := crypto.NewEncryptor(encKey)
	if err != nil {
		return fmt.Errorf("failed to initialize credential encryptor: %w", err)
	}

	judgmentRepo := repository.NewJudgmentRepo(db)
	rulesetRepo := repository.NewRulesetRepo(db)
	dataSourceRepo := repository.NewDataSourceRepo(db, encryptor)

	engine := judgment.NewEngine(judgmentRepo, cacheStore, evalClient, llmClient,
		assigner, aggregator, flags, producer, metrics, cfg.Judgment, log)
	rulesetSvc := service.NewRulesetService(rulesetRepo, evalClient, engine, log)
	controller := deployment.NewController(db, assigner, aggregator, cacheStore,
		auditor, producer, notifier, metrics, log)
	trustEngine := trust.NewEngine(db, cfg.Trust, producer, notifier, flags, log)

	classifier := intent.NewClassifier(llmClient, intent.NewKeywordStore(sqlDB), log)
	orch := orchestrator.New(classifier, rbac.NewMatrix(), cacheStore, engine,
		llmClient, map[models.TargetAgent]orchestrator.Executor{},
		cfg.RateLimit, cfg.Judgment.MaxIterations, log)

	router := routes.New(routes.Config{
		Config:      cfg,
		Logger:      log,
		DB:          db,
		Cache:       cacheStore,
		Kafka:       producer,
		CacheHealth: cacheHealth,
		Metrics:     metrics,
		Verifier:    verifier,
		Scopes:      scopes,

		Judgment:     engine,
		Orchestrator: orch,
		Rulesets:     rulesetSvc,
		Deployments:  controller,
		Aggregator:   aggregator,
		Trust:        trustEngine,
		Flags:        flags,
		Audit:        auditor,
		DataSources:  dataSourceRepo,

		BuildInfo: routes.BuildInfo{
			Version:   version,
			BuildTime: buildTime,
			GitCommit: gitCommit,
		},
	})

	server := &http.Server{
		Addr:         cfg.API.Address(),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  120 * time.Second,
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

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.API.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
			if err := server.Close(); err != nil {
				return fmt.Errorf("forced shutdown error: %w", err)
			}
		}

		log.Info("server shutdown complete")
	}

	return nil
}
