// Package server is the composition root: it wires the shared-state
// client, metrics registry, auth components, and transport hub into a
// gin.Engine serving the HTTP and websocket surface of spec.md §6.
package server

import (
	"net/http"
	"time"

	"github.com/collabgw/gateway/internal/agenda"
	"github.com/collabgw/gateway/internal/auth"
	"github.com/collabgw/gateway/internal/chat"
	"github.com/collabgw/gateway/internal/metrics"
	"github.com/collabgw/gateway/internal/notes"
	"github.com/collabgw/gateway/internal/presence"
	"github.com/collabgw/gateway/internal/sharedstate"
	"github.com/collabgw/gateway/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// resolveCountry implements SPEC_FULL.md §6.2's best-effort per-country
// breakdown: no GeoIP dependency, read from the edge-supplied header when
// present.
func resolveCountry(r *http.Request) string {
	if country := r.Header.Get("CF-IPCountry"); country != "" {
		return country
	}
	if country := r.Header.Get("X-Country"); country != "" {
		return country
	}
	return "unknown"
}

// Dependencies are the fully-constructed components the router wires
// together. The caller (cmd/gateway) owns their lifecycle.
type Dependencies struct {
	Store       *sharedstate.Client
	Metrics     *metrics.Registry
	Verifier    *auth.TokenVerifier
	Revoker     *auth.Revoker
	RateLimiter *auth.RateLimiter
	Hub         *transport.Hub

	Workspace  *presence.WorkspaceHandler
	Collection *presence.CollectionHandler
	Chat       *chat.Handler
	Notes      *notes.Handler
	Agenda     *agenda.Handler

	CORSOrigin    string
	MetricsAPIKey string
	Production    bool
	Environment   string
	StartedAt     time.Time
	Logger        *zap.Logger
}

// NewRouter builds the gin.Engine serving spec.md §6's HTTP and
// websocket surface.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins(deps.CORSOrigin),
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", handleHealth(deps))

	protected := router.Group("/", metricsAuth(deps))
	protected.GET("/metrics", handleMetricsSummary(deps))
	protected.GET("/metrics/detailed", handleMetricsDetailed(deps))
	protected.GET("/health/redis", handleHealthRedis(deps))
	protected.POST("/admin/redis/cache", handleAdminCache(deps))

	router.GET("/ws", auth.Middleware(auth.MiddlewareConfig{
		Verifier:    deps.Verifier,
		Revoker:     deps.Revoker,
		RateLimiter: deps.RateLimiter,
		Production:  deps.Production,
		Metrics:     deps.Metrics,
	}), handleWebsocket(deps))

	return router
}

func corsOrigins(origin string) []string {
	if origin == "" || origin == "*" {
		return []string{"*"}
	}
	return []string{origin}
}

// metricsAuth implements spec.md §6's "same auth" rule for the
// metrics/admin endpoints: a bearer API key, enforced only in production.
func metricsAuth(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !deps.Production {
			c.Next()
			return
		}
		token := auth.ExtractBearerToken(c.Request)
		if token == "" || token != deps.MetricsAPIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func handleHealth(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"timestamp":   time.Now().UTC(),
			"uptime":      time.Since(deps.StartedAt).String(),
			"environment": deps.Environment,
		})
	}
}

func handleMetricsSummary(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Metrics.GetMetricsSummary(false))
	}
}

func handleMetricsDetailed(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Metrics.GetMetricsSummary(true))
	}
}

func handleHealthRedis(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := deps.Store.HealthCheck(c.Request.Context())
		body := gin.H{
			"status":       string(report.Status),
			"responseTime": report.ResponseTime.String(),
			"timestamp":    time.Now().UTC(),
			"metrics":      deps.Metrics.GetPerformanceReport(),
		}
		if report.Error != "" {
			body["error"] = report.Error
		}

		switch report.Status {
		case sharedstate.HealthHealthy:
			c.JSON(http.StatusOK, body)
		case sharedstate.HealthDegraded:
			c.JSON(http.StatusTooManyRequests, body)
		default:
			c.JSON(http.StatusServiceUnavailable, body)
		}
	}
}

type cacheConfigRequest struct {
	Enabled *bool  `json:"enabled"`
	TTL     *int64 `json:"ttl"`
}

func handleAdminCache(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cacheConfigRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}

		oldEnabled, oldTTL := deps.Store.CacheConfig()
		enabled, ttl := oldEnabled, oldTTL
		if req.Enabled != nil {
			enabled = *req.Enabled
		}
		if req.TTL != nil {
			ttl = time.Duration(*req.TTL) * time.Millisecond
		}
		deps.Store.ConfigureCache(enabled, ttl)

		newEnabled, newTTL := deps.Store.CacheConfig()
		identity, _ := auth.IdentityFromContext(c)
		deps.Logger.Info("cache reconfigured",
			zap.String("caller", identity.Email),
			zap.Bool("oldEnabled", oldEnabled), zap.Duration("oldTTL", oldTTL),
			zap.Bool("newEnabled", newEnabled), zap.Duration("newTTL", newTTL))

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"config":  gin.H{"enabled": newEnabled, "ttlMs": newTTL.Milliseconds()},
		})
	}
}
