// Package routes configures the HTTP router and middleware.
package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabrikhq/decision-core/pkg/audit"
	"github.com/fabrikhq/decision-core/pkg/auth"
	"github.com/fabrikhq/decision-core/pkg/cache"
	"github.com/fabrikhq/decision-core/pkg/canary"
	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/datascope"
	"github.com/fabrikhq/decision-core/pkg/deployment"
	"github.com/fabrikhq/decision-core/pkg/featureflags"
	"github.com/fabrikhq/decision-core/pkg/kafka"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/rbac"
	"github.com/fabrikhq/decision-core/pkg/telemetry"
	"github.com/fabrikhq/decision-core/pkg/trust"
	"github.com/fabrikhq/decision-core/services/api/internal/handlers"
	"github.com/fabrikhq/decision-core/services/api/internal/judgment"
	"github.com/fabrikhq/decision-core/services/api/internal/middleware"
	"github.com/fabrikhq/decision-core/services/api/internal/orchestrator"
	"github.com/fabrikhq/decision-core/services/api/internal/repository"
	"github.com/fabrikhq/decision-core/services/api/internal/service"
)

// Config holds the dependencies for route setup. The domain components
// are constructed in main and handed down; this package only arranges
// them behind the middleware chain.
type Config struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          *database.DB
	Cache       cache.Store
	Kafka       *kafka.Producer
	CacheHealth handlers.CacheHealth
	Metrics     *telemetry.Metrics
	Verifier    *auth.Verifier
	Scopes      *datascope.Service

	Judgment     *judgment.Engine
	Orchestrator *orchestrator.Orchestrator
	Rulesets     *service.RulesetService
	Deployments  *deployment.Controller
	Aggregator   *canary.Aggregator
	Trust        *trust.Engine
	Flags        *featureflags.Service
	Audit        *audit.Logger
	DataSources  *repository.DataSourceRepo

	BuildInfo BuildInfo
}

// BuildInfo contains build information.
type BuildInfo struct {
	Version   string
	BuildTime string
	GitCommit string
}

// New creates a new chi router with all routes and middleware configured.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recoverer(cfg.Logger))
	r.Use(chimiddleware.Compress(5))

	allowedOrigins := cfg.Config.CORS.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	healthHandler := handlers.NewHealthHandler(handlers.HealthHandlerConfig{
		DB:        cfg.DB,
		Kafka:     cfg.Kafka,
		Cache:     cfg.CacheHealth,
		Version:   cfg.BuildInfo.Version,
		GitCommit: cfg.BuildInfo.GitCommit,
	})
	agentHandler := handlers.NewAgentHandler(cfg.Orchestrator, cfg.Logger)
	judgmentHandler := handlers.NewJudgmentHandler(cfg.Judgment, cfg.Logger)
	rulesetHandler := handlers.NewRulesetHandler(cfg.Rulesets, cfg.Logger)
	deploymentHandler := handlers.NewDeploymentHandler(cfg.Deployments, cfg.Aggregator, cfg.Judgment, cfg.Logger)
	trustHandler := handlers.NewTrustHandler(cfg.Trust, cfg.Logger)
	flagHandler := handlers.NewFlagHandler(cfg.Flags, cfg.Logger)
	auditHandler := handlers.NewAuditHandler(cfg.Audit, cfg.Logger)
	dataSourceHandler := handlers.NewDataSourceHandler(cfg.DataSources, cfg.Logger)

	// Health endpoints stay outside auth so probes work unauthenticated.
	r.Get("/healthz", healthHandler.Liveness)
	r.Get("/readyz", healthHandler.Readiness)
	r.Get("/version", healthHandler.Version)

	if cfg.Config.Metrics.Enabled {
		path := cfg.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Config.Auth, cfg.Verifier, cfg.Logger))
		r.Use(middleware.Tenant(cfg.Scopes, cfg.Logger))
		r.Use(middleware.RateLimit(cfg.Cache, cfg.Config.RateLimit, cfg.Logger))
		if cfg.Metrics != nil {
			r.Use(middleware.Metrics(cfg.Metrics))
		}

		r.Route("/agents", func(r chi.Router) {
			r.Post("/chat", agentHandler.Chat)
			r.Post("/chat/stream", agentHandler.ChatStream)
		})

		r.Route("/judgment", func(r chi.Router) {
			r.Post("/execute", judgmentHandler.Execute)
			r.Post("/replay/batch", judgmentHandler.ReplayBatch)
			r.Post("/replay/{id}", judgmentHandler.Replay)
			r.Post("/what-if/{id}", judgmentHandler.WhatIf)
		})

		r.Route("/rulesets", func(r chi.Router) {
			r.Get("/", rulesetHandler.List)
			r.Post("/", rulesetHandler.Create)
			r.Post("/validate", rulesetHandler.Validate)
			r.Get("/{id}", rulesetHandler.Get)
			r.Patch("/{id}", rulesetHandler.Update)
			r.Delete("/{id}", rulesetHandler.Archive)
			r.Get("/{id}/versions", rulesetHandler.ListVersions)
			r.Post("/{id}/versions", rulesetHandler.CreateVersion)
			r.Post("/{id}/execute", rulesetHandler.Execute)
		})

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", deploymentHandler.List)
			r.Post("/", deploymentHandler.Create)
			r.Get("/{id}", deploymentHandler.Get)
			r.Post("/{id}/start-canary", deploymentHandler.StartCanary)
			r.Put("/{id}/traffic", deploymentHandler.SetTraffic)
			r.Post("/{id}/promote", deploymentHandler.Promote)
			r.Post("/{id}/rollback", deploymentHandler.Rollback)
			r.Post("/{id}/reprocess", deploymentHandler.Reprocess)
			r.Get("/{id}/metrics", deploymentHandler.Metrics)
			r.Get("/{id}/health", deploymentHandler.Health)
		})

		r.Route("/trust", func(r chi.Router) {
			r.Post("/evaluate/batch", trustHandler.BatchEvaluate)
			r.Route("/rules/{rulesetID}", func(r chi.Router) {
				r.Get("/", trustHandler.Get)
				r.Post("/calculate", trustHandler.Evaluate)
				r.Patch("/level", trustHandler.SetLevel)
				r.Get("/history", trustHandler.History)
			})
		})

		r.Route("/feature-flags", func(r chi.Router) {
			r.Get("/", flagHandler.List)
			r.Get("/{feature}", flagHandler.Get)
			r.Post("/{feature}/enable", flagHandler.Enable)
			r.Post("/{feature}/disable", flagHandler.Disable)
			r.With(rbac.RequireRole(models.RoleAdmin)).Post("/{feature}/rollout", flagHandler.SetRollout)
		})

		r.Route("/data-sources", func(r chi.Router) {
			r.Get("/", dataSourceHandler.List)
			r.Get("/{id}", dataSourceHandler.Get)
			r.With(rbac.RequireRole(models.RoleAdmin)).Post("/", dataSourceHandler.Create)
			r.With(rbac.RequireRole(models.RoleAdmin)).Delete("/{id}", dataSourceHandler.Delete)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Use(rbac.RequireRole(models.RoleAdmin))
			r.Get("/logs", auditHandler.Logs)
		})
	})

	return r
}
