// Package api exposes the gateway over HTTP: the proxied completions
// endpoint, per-identity inspection endpoints, and the admin surface.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tokengate/tokengate/internal/admission"
	"github.com/tokengate/tokengate/internal/identity"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/quota"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/tariff"
)

// storeHealth is implemented by counter.FallbackStore.
type storeHealth interface {
	Healthy() bool
	Backend() string
}

// Server holds the handler dependencies.
type Server struct {
	pipeline   *admission.Pipeline
	limiter    *ratelimit.Limiter
	tracker    *quota.Tracker
	tariffs    *tariff.Registry
	ledger     *ledger.Ledger
	keys       *identity.KeySet
	health     storeHealth
	gatherer   prometheus.Gatherer
	adminToken string
	retention  int
}

// Config wires the Server's dependencies.
type Config struct {
	Pipeline   *admission.Pipeline
	Limiter    *ratelimit.Limiter
	Tracker    *quota.Tracker
	Tariffs    *tariff.Registry
	Ledger     *ledger.Ledger
	Keys       *identity.KeySet
	Health     storeHealth
	Gatherer   prometheus.Gatherer
	AdminToken string
	Retention  int
}

// NewServer constructs a Server.
func NewServer(cfg Config) *Server {
	return &Server{
		pipeline:   cfg.Pipeline,
		limiter:    cfg.Limiter,
		tracker:    cfg.Tracker,
		tariffs:    cfg.Tariffs,
		ledger:     cfg.Ledger,
		keys:       cfg.Keys,
		health:     cfg.Health,
		gatherer:   cfg.Gatherer,
		adminToken: cfg.AdminToken,
		retention:  cfg.Retention,
	}
}

// Register mounts all routes on r.
func (s *Server) Register(r *gin.Engine) {
	r.Use(requestIDMiddleware())

	r.GET("/health", s.Health)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.Use(apiKeyMiddleware(s.keys))
	v1.POST("/completions", s.Completions)
	v1.POST("/chat/completions", s.Completions)
	v1.GET("/usage", s.Usage)
	v1.GET("/limits", s.Limits)
	v1.GET("/tariff", s.Tariff)
	v1.GET("/rate-limit", s.RateLimit)

	admin := r.Group("/admin")
	admin.Use(adminTokenMiddleware(s.adminToken))
	admin.GET("/tariffs", s.AdminListTariffs)
	admin.PUT("/tariffs/:key", s.AdminSetTariff)
	admin.DELETE("/tariffs/:key", s.AdminRemoveTariff)
	admin.PUT("/limits/:key", s.AdminSetLimits)
	admin.POST("/quota/:key/reset", s.AdminResetQuota)
	admin.POST("/rate-limit/:key/reset", s.AdminResetRateLimit)
	admin.POST("/cleanup", s.AdminCleanup)
	admin.GET("/stats/:key", s.AdminStats)
	admin.GET("/top", s.AdminTopIdentities)
}
