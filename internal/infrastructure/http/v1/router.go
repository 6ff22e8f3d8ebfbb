// Package v1 provides HTTP API version 1.
package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stocksync/internal/infrastructure/http/v1/handlers"
	"stocksync/internal/infrastructure/http/v1/middleware"
	"stocksync/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	// Logger for request logging
	Logger *logger.Logger

	// DB is pinged by the readiness probe
	DB handlers.Pinger

	// JWTValidator validates bearer tokens. When nil the caller identity is
	// taken from gateway headers instead.
	JWTValidator middleware.JWTValidator

	Sync      handlers.SyncService
	Validator handlers.SystemValidator
	Views     handlers.ViewService

	// Audit serves GET /stock-sync/runs/:id/audit when set
	Audit handlers.RunAuditReader

	// Idempotency replays POST responses for repeated X-Idempotency-Key headers when set
	Idempotency middleware.IdempotencyStore

	// MetricsHandler serves /metrics when set
	MetricsHandler http.Handler

	Version string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(log))
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.DB, cfg.Version)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	if cfg.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	api := router.Group("/api/v1")
	if cfg.JWTValidator != nil {
		api.Use(middleware.Auth(cfg.JWTValidator))
	} else {
		api.Use(middleware.GatewayIdentity())
	}
	if cfg.Idempotency != nil {
		api.Use(middleware.Idempotency(cfg.Idempotency))
	}

	syncHandler := handlers.NewSyncHandler(handlers.NewBaseHandler(), cfg.Sync, cfg.Validator, cfg.Views, cfg.Audit)
	syncHandler.RegisterRoutes(api.Group("/stock-sync"))

	return router
}
