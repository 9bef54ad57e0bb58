package api

import (
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tokengate/tokengate/internal/identity"
)

// Health reports process liveness and which counter backend is serving.
func (s *Server) Health(c *gin.Context) {
	backend := "memory"
	degraded := false
	if s.health != nil {
		backend = s.health.Backend()
		degraded = !s.health.Healthy()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"counter_backend": backend,
		"degraded":        degraded,
	})
}

// Usage returns the caller's composite usage view: the ephemeral quota
// counter plus the durable daily/monthly ledger totals.
func (s *Server) Usage(c *gin.Context) {
	key := callerKey(c)
	ctx := c.Request.Context()

	quotaUsage := s.tracker.Detailed(ctx, key)
	policy, custom := s.tariffs.Get(key)

	daily, monthly, errUsage := s.ledger.CurrentUsage(ctx, key)
	if errUsage != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage lookup failed"})
		return
	}
	limits, errLimits := s.ledger.LimitsFor(ctx, key)
	if errLimits != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "limits lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity": identity.Redact(key),
		"quota": gin.H{
			"used_tokens":  quotaUsage.UsedTokens,
			"max_tokens":   policy.MaxTokens,
			"tariff":       policy.Name,
			"custom":       custom,
			"last_updated": quotaUsage.LastUpdated,
			"backend":      quotaUsage.Backend,
		},
		"ledger": gin.H{
			"daily_tokens":   daily,
			"daily_limit":    limits.DailyLimit,
			"monthly_tokens": monthly,
			"monthly_limit":  limits.MonthlyLimit,
			"is_active":      limits.IsActive,
		},
	})
}

// Limits returns the caller's effective daily/monthly ceilings.
func (s *Server) Limits(c *gin.Context) {
	limits, err := s.ledger.LimitsFor(c.Request.Context(), callerKey(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "limits lookup failed"})
		return
	}
	c.JSON(http.StatusOK, limits)
}

// Tariff returns the caller's token-budget policy together with the current
// quota consumption against it.
func (s *Server) Tariff(c *gin.Context) {
	key := callerKey(c)
	policy, custom := s.tariffs.Get(key)

	used := s.tracker.UsedTokens(c.Request.Context(), key)
	remaining := policy.MaxTokens - used
	if remaining < 0 {
		remaining = 0
	}
	percentage := 0.0
	if policy.MaxTokens > 0 {
		percentage = math.Round(float64(used)/float64(policy.MaxTokens)*100*100) / 100
	}

	c.JSON(http.StatusOK, gin.H{
		"identity":         identity.Redact(key),
		"tariff":           policy,
		"custom":           custom,
		"used_tokens":      used,
		"remaining_tokens": remaining,
		"usage_percentage": percentage,
	})
}

// RateLimit reports the caller's current window state without consuming a
// request.
func (s *Server) RateLimit(c *gin.Context) {
	c.JSON(http.StatusOK, s.limiter.Status(c.Request.Context(), callerKey(c)))
}
