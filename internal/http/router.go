// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, delivery dedupe, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/relaymesh/go-event-router/internal/cache"
	"github.com/relaymesh/go-event-router/internal/config"
	"github.com/relaymesh/go-event-router/internal/coordinate"
	"github.com/relaymesh/go-event-router/internal/dispatch"
	"github.com/relaymesh/go-event-router/internal/domain"
	"github.com/relaymesh/go-event-router/internal/http/handlers"
	"github.com/relaymesh/go-event-router/internal/http/middleware"
	"github.com/relaymesh/go-event-router/internal/match"
	"github.com/relaymesh/go-event-router/internal/ratelimit"
	"github.com/relaymesh/go-event-router/internal/repo"
	"github.com/relaymesh/go-event-router/internal/services"
	"github.com/relaymesh/go-event-router/internal/session"
)

//
// Repo shims
//
// The repositories expose free functions over *gorm.DB; the services consume
// narrow interfaces. These shims bridge the two so that services stay
// decoupled from the concrete repo package while reusing existing functions.
//

// ingestRepoShim adapts repo free functions to services.IngestRepo.
type ingestRepoShim struct{}

func (ingestRepoShim) UpsertEntity(ctx context.Context, db *gorm.DB, platform, serverID, channelID string) (*domain.Entity, error) {
	return repo.UpsertEntity(ctx, db, platform, serverID, channelID)
}

func (ingestRepoShim) EnsureClaim(ctx context.Context, db *gorm.DB, entityKey string) (*domain.CoordinationClaim, error) {
	return repo.EnsureClaim(ctx, db, entityKey)
}

func (ingestRepoShim) TouchRuleMatch(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return repo.TouchRuleMatch(ctx, db, id, now)
}

func (ingestRepoShim) GetReceipt(ctx context.Context, db *gorm.DB, collectorID, eventKey string, now time.Time) (*domain.IngestReceipt, error) {
	return repo.GetReceipt(ctx, db, collectorID, eventKey, now)
}

func (ingestRepoShim) CreateReceipt(ctx context.Context, db *gorm.DB, collectorID, eventKey, sessionID string, ttl time.Duration) (*domain.IngestReceipt, error) {
	return repo.CreateReceipt(ctx, db, collectorID, eventKey, sessionID, ttl)
}

func (ingestRepoShim) GetExecution(ctx context.Context, db *gorm.DB, id string) (*domain.Execution, error) {
	return repo.GetExecution(ctx, db, id)
}

func (ingestRepoShim) FinalizeExecution(ctx context.Context, db *gorm.DB, id, status, response, errMsg string, retries int, finished time.Time) error {
	return repo.FinalizeExecution(ctx, db, id, status, response, errMsg, retries, finished)
}

func (ingestRepoShim) AttachExecutionResponse(ctx context.Context, db *gorm.DB, id, response string) error {
	return repo.AttachExecutionResponse(ctx, db, id, response)
}

func (ingestRepoShim) CreateModuleResponse(ctx context.Context, db *gorm.DB, r *domain.ModuleResponse) (*domain.ModuleResponse, error) {
	return repo.CreateModuleResponse(ctx, db, r)
}

func (ingestRepoShim) ListExecutionsBySession(ctx context.Context, db *gorm.DB, sessionID string) ([]domain.Execution, error) {
	return repo.ListExecutionsBySession(ctx, db, sessionID)
}

func (ingestRepoShim) ListResponsesByExecution(ctx context.Context, db *gorm.DB, executionID string) ([]domain.ModuleResponse, error) {
	return repo.ListResponsesByExecution(ctx, db, executionID)
}

func (ingestRepoShim) PurgeExpiredReceipts(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	return repo.PurgeExpiredReceipts(ctx, db, now)
}

// registryRepoShim adapts repo free functions to services.RegistryRepo.
type registryRepoShim struct{}

func (registryRepoShim) CreateCommand(ctx context.Context, db *gorm.DB, c *domain.Command) (*domain.Command, error) {
	return repo.CreateCommand(ctx, db, c)
}

func (registryRepoShim) GetCommand(ctx context.Context, db *gorm.DB, id string) (*domain.Command, error) {
	return repo.GetCommand(ctx, db, id)
}

func (registryRepoShim) CountActiveByPrefixName(ctx context.Context, db *gorm.DB, prefix, name string) (int64, error) {
	return repo.CountActiveByPrefixName(ctx, db, prefix, name)
}

func (registryRepoShim) UpdateCommand(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	return repo.UpdateCommand(ctx, db, id, fields)
}

func (registryRepoShim) DeactivateCommand(ctx context.Context, db *gorm.DB, id string) error {
	return repo.DeactivateCommand(ctx, db, id)
}

func (registryRepoShim) CountCommands(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountCommands(ctx, db)
}

func (registryRepoShim) ListCommandsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Command, error) {
	return repo.ListCommandsPage(ctx, db, offset, limit)
}

func (registryRepoShim) UpsertEntity(ctx context.Context, db *gorm.DB, platform, serverID, channelID string) (*domain.Entity, error) {
	return repo.UpsertEntity(ctx, db, platform, serverID, channelID)
}

func (registryRepoShim) GetEntity(ctx context.Context, db *gorm.DB, key string) (*domain.Entity, error) {
	return repo.GetEntity(ctx, db, key)
}

func (registryRepoShim) CountEntities(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountEntities(ctx, db)
}

func (registryRepoShim) ListEntitiesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Entity, error) {
	return repo.ListEntitiesPage(ctx, db, offset, limit)
}

func (registryRepoShim) SetEntityActive(ctx context.Context, db *gorm.DB, key string, active bool) error {
	return repo.SetEntityActive(ctx, db, key, active)
}

func (registryRepoShim) UpdateEntityConfig(ctx context.Context, db *gorm.DB, key, config string) error {
	return repo.UpdateEntityConfig(ctx, db, key, config)
}

func (registryRepoShim) InstallPermission(ctx context.Context, db *gorm.DB, commandID, entityKey string) (*domain.CommandPermission, error) {
	return repo.InstallPermission(ctx, db, commandID, entityKey)
}

func (registryRepoShim) UninstallPermission(ctx context.Context, db *gorm.DB, commandID, entityKey string) error {
	return repo.UninstallPermission(ctx, db, commandID, entityKey)
}

func (registryRepoShim) SetPermissionEnabled(ctx context.Context, db *gorm.DB, commandID, entityKey string, enabled bool) error {
	return repo.SetPermissionEnabled(ctx, db, commandID, entityKey, enabled)
}

// ruleRepoShim adapts repo free functions to services.RuleRepo.
type ruleRepoShim struct{}

func (ruleRepoShim) CreateRule(ctx context.Context, db *gorm.DB, r *domain.StringMatchRule) (*domain.StringMatchRule, error) {
	return repo.CreateRule(ctx, db, r)
}

func (ruleRepoShim) GetRule(ctx context.Context, db *gorm.DB, id string) (*domain.StringMatchRule, error) {
	return repo.GetRule(ctx, db, id)
}

func (ruleRepoShim) CountRules(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountRules(ctx, db)
}

func (ruleRepoShim) ListRulesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.StringMatchRule, error) {
	return repo.ListRulesPage(ctx, db, offset, limit)
}

func (ruleRepoShim) UpdateRule(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	return repo.UpdateRule(ctx, db, id, fields)
}

func (ruleRepoShim) DeleteRule(ctx context.Context, db *gorm.DB, id string) error {
	return repo.DeleteRule(ctx, db, id)
}

// engineStoreShim adapts repo free functions to dispatch.Store.
type engineStoreShim struct{}

func (engineStoreShim) GetPermission(ctx context.Context, db *gorm.DB, commandID, entityKey string) (*domain.CommandPermission, error) {
	return repo.GetPermission(ctx, db, commandID, entityKey)
}

func (engineStoreShim) TouchPermissionUsage(ctx context.Context, db *gorm.DB, commandID, entityKey string, now time.Time) error {
	return repo.TouchPermissionUsage(ctx, db, commandID, entityKey, now)
}

func (engineStoreShim) CreateExecution(ctx context.Context, db *gorm.DB, e *domain.Execution) (*domain.Execution, error) {
	return repo.CreateExecution(ctx, db, e)
}

func (engineStoreShim) FinalizeExecution(ctx context.Context, db *gorm.DB, id, status, response, errMsg string, retries int, finished time.Time) error {
	return repo.FinalizeExecution(ctx, db, id, status, response, errMsg, retries, finished)
}

// claimStoreShim adapts repo free functions to coordinate.Store.
type claimStoreShim struct{}

func (claimStoreShim) EnsureClaim(ctx context.Context, db *gorm.DB, entityKey string) (*domain.CoordinationClaim, error) {
	return repo.EnsureClaim(ctx, db, entityKey)
}

func (claimStoreShim) GetClaim(ctx context.Context, db *gorm.DB, entityKey string) (*domain.CoordinationClaim, error) {
	return repo.GetClaim(ctx, db, entityKey)
}

func (claimStoreShim) TryClaim(ctx context.Context, db *gorm.DB, entityKey, containerID string, version int64, expires time.Time) error {
	return repo.TryClaim(ctx, db, entityKey, containerID, version, expires)
}

func (claimStoreShim) ReleaseClaim(ctx context.Context, db *gorm.DB, entityKey, containerID string) error {
	return repo.ReleaseClaim(ctx, db, entityKey, containerID)
}

func (claimStoreShim) CheckinClaim(ctx context.Context, db *gorm.DB, entityKey, containerID string, expires time.Time) error {
	return repo.CheckinClaim(ctx, db, entityKey, containerID, expires)
}

func (claimStoreShim) UpdateLiveStatus(ctx context.Context, db *gorm.DB, entityKey string, isLive bool, viewers int, priority int64) error {
	return repo.UpdateLiveStatus(ctx, db, entityKey, isLive, viewers, priority)
}

func (claimStoreShim) IncrementClaimError(ctx context.Context, db *gorm.DB, entityKey string) (int, error) {
	return repo.IncrementClaimError(ctx, db, entityKey)
}

func (claimStoreShim) ListIdleClaims(ctx context.Context, db *gorm.DB, limit int) ([]domain.CoordinationClaim, error) {
	return repo.ListIdleClaims(ctx, db, limit)
}

func (claimStoreShim) CountClaimsByContainer(ctx context.Context, db *gorm.DB, containerID string) (int64, error) {
	return repo.CountClaimsByContainer(ctx, db, containerID)
}

func (claimStoreShim) SweepExpiredClaims(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	return repo.SweepExpiredClaims(ctx, db, cutoff)
}

func (claimStoreShim) ReleaseOfflineClaims(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.ReleaseOfflineClaims(ctx, db)
}

func (claimStoreShim) ClaimStatusCounts(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	return repo.ClaimStatusCounts(ctx, db)
}

func (claimStoreShim) ListClaimsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.CoordinationClaim, error) {
	return repo.ListClaimsPage(ctx, db, offset, limit)
}

// matchSource adapts repo free functions to match.Source with the DB bound,
// since the matcher sits behind a cache and never sees the gorm handle.
type matchSource struct{ db *gorm.DB }

func (s matchSource) FindActiveCommand(ctx context.Context, prefix, name, location string) (*domain.Command, error) {
	return repo.FindActiveCommand(ctx, s.db, prefix, name, location)
}

func (s matchSource) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	return repo.GetCommand(ctx, s.db, id)
}

func (s matchSource) ListEventCommands(ctx context.Context) ([]domain.Command, error) {
	return repo.ListEventCommands(ctx, s.db)
}

func (s matchSource) ListActiveRules(ctx context.Context) ([]domain.StringMatchRule, error) {
	return repo.ListActiveRules(ctx, s.db)
}

// App bundles the long-lived components the binary must keep running:
// background sweep loops and the purge timer live outside the request path.
type App struct {
	Coordinator *coordinate.Service
	Limiter     *ratelimit.Limiter
	Sessions    *session.Correlator
	Ingest      *services.IngestService
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine, builds the full service graph, and returns the long-lived pieces
// for the binary to run.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Delivery dedupe (before rate limiter to allow bypass on redelivery)
//  8. Rate limiter (per collector/IP, bypass on redelivery)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) *App {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-API-Key",
			middleware.HeaderIdempotencyKey,
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Delivery dedupe (before rate limiting)
	r.Use(middleware.DeliveryDedupe(
		middleware.DedupeOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, collectorID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetReceipt(ctx, db, collectorID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per collector/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByCollectorOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderCollectorID, middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderCollectorID, middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/caches
	cmdCache := cache.New[*domain.Command](cfg.CacheTTL)
	permCache := cache.New[*domain.CommandPermission](cfg.CacheTTL)

	gate := ratelimit.New(ratelimit.NewMemoryStore(cfg.RateWindow), cfg.DefaultLimit, cfg.RateSweep)

	backends := map[string]dispatch.Backend{
		domain.BackendContainer:  dispatch.NewContainerBackend(cfg.Dispatch.ContainerURL),
		domain.BackendServerless: dispatch.NewServerlessBackend(cfg.Dispatch.ServerlessURL, cfg.Dispatch.Namespace),
		domain.BackendWebhook:    dispatch.NewWebhookBackend(nil),
	}

	engine := dispatch.New(db, engineStoreShim{}, gate, backends, permCache, cfg.Dispatch.FanoutWorkers)
	engine.MaxRetries = cfg.Dispatch.MaxRetries
	engine.InitialBackoff = cfg.Dispatch.InitialBackoff
	engine.DefaultTimeout = cfg.Dispatch.DefaultTimeout

	matcher := match.New(matchSource{db: db}, cmdCache)
	sessions := session.New(cfg.SessionTTL)

	co := cfg.Coordination
	coordSvc := coordinate.NewService(db, claimStoreShim{}, co.Lease, co.Grace, co.MaxClaims, co.ErrorThreshold, co.SweepEvery)

	ingestSvc := services.NewIngestService(db, ingestRepoShim{}, matcher, engine, sessions,
		backends[domain.BackendWebhook], cfg.MaxBatch, cfg.Dispatch.IngestWorkers)
	ingestSvc.ReceiptTTL = cfg.ReceiptTTL

	regSvc := services.NewRegistryService(db, registryRepoShim{}, cmdCache, permCache)
	ruleSvc := services.NewRuleService(db, ruleRepoShim{})

	h := handlers.New(ingestSvc, coordSvc, regSvc, ruleSvc)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		// Ingestion
		api.POST("/events", h.PostEvent)
		api.POST("/events/batch", h.PostEventBatch)
		api.GET("/sessions/:id/executions", h.GetSessionHistory)

		// Out-of-band handler replies
		api.POST("/responses", h.PostResponse)

		// Coordination
		api.POST("/coordination/claim", h.PostClaim)
		api.POST("/coordination/request", h.PostRequestClaims)
		api.POST("/coordination/release", h.PostRelease)
		api.POST("/coordination/checkin", h.PostCheckin)
		api.POST("/coordination/heartbeat", h.PostHeartbeat)
		api.POST("/coordination/release-offline", h.PostReleaseOffline)
		api.POST("/coordination/status", h.PostLiveStatus)
		api.POST("/coordination/error", h.PostClaimError)
		api.GET("/coordination/stats", h.GetCoordinationStats)

		// Command registry
		api.POST("/commands", h.CreateCommand)
		api.GET("/commands", h.ListCommands)
		api.PATCH("/commands/:id", h.UpdateCommand)
		api.DELETE("/commands/:id", h.DeleteCommand)
		api.POST("/commands/:id/install", h.InstallCommandIntoEntity)
		api.DELETE("/commands/:id/install", h.UninstallCommandFromEntity)
		api.PUT("/commands/:id/enabled", h.SetCommandEnabled)

		// Entities
		api.POST("/entities", h.RegisterEntity)
		api.GET("/entities", h.ListEntities)
		api.PATCH("/entities/:key", h.UpdateEntity)

		// String match rules
		api.POST("/rules", h.CreateRule)
		api.GET("/rules", h.ListRules)
		api.GET("/rules/:id", h.GetRule)
		api.PUT("/rules/:id", h.UpdateRule)
		api.DELETE("/rules/:id", h.DeleteRule)
	}

	return &App{
		Coordinator: coordSvc,
		Limiter:     gate,
		Sessions:    sessions,
		Ingest:      ingestSvc,
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
