package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tokengate/tokengate/internal/tariff"
)

// AdminListTariffs lists all custom tariffs plus the default.
func (s *Server) AdminListTariffs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tariffs": s.tariffs.List()})
}

// tariffRequest is the admin payload for installing a tariff.
type tariffRequest struct {
	MaxTokens   int64  `json:"max_tokens" binding:"required"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AdminSetTariff installs or replaces the tariff for one identity.
func (s *Server) AdminSetTariff(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing identity key"})
		return
	}
	var req tariffRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil || req.MaxTokens <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_tokens must be a positive integer"})
		return
	}
	s.tariffs.Set(key, tariff.Policy{MaxTokens: req.MaxTokens, Name: req.Name, Description: req.Description})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AdminRemoveTariff reverts one identity to the default tariff.
func (s *Server) AdminRemoveTariff(c *gin.Context) {
	if !s.tariffs.Remove(c.Param("key")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no custom tariff for identity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// limitsRequest is the admin payload for per-identity ledger limits. Nil
// limits inherit the global defaults.
type limitsRequest struct {
	DailyLimit   *int64 `json:"daily_limit"`
	MonthlyLimit *int64 `json:"monthly_limit"`
	IsActive     *bool  `json:"is_active"`
}

// AdminSetLimits upserts the daily/monthly limit policy for one identity.
func (s *Server) AdminSetLimits(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing identity key"})
		return
	}
	var req limitsRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if (req.DailyLimit != nil && *req.DailyLimit < 0) || (req.MonthlyLimit != nil && *req.MonthlyLimit < 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limits must be non-negative"})
		return
	}
	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}
	if err := s.ledger.SetLimits(c.Request.Context(), key, req.DailyLimit, req.MonthlyLimit, isActive); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "set limits failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AdminResetQuota zeroes the cumulative quota counter for one identity.
func (s *Server) AdminResetQuota(c *gin.Context) {
	if !s.tracker.Reset(c.Request.Context(), c.Param("key")) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota reset failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AdminResetRateLimit clears the current rate-limit window for one identity.
func (s *Server) AdminResetRateLimit(c *gin.Context) {
	if err := s.limiter.Reset(c.Request.Context(), c.Param("key")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limit reset failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AdminCleanup purges ledger rows past the retention horizon.
func (s *Server) AdminCleanup(c *gin.Context) {
	deleted, err := s.ledger.Cleanup(c.Request.Context(), s.retention)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// AdminStats returns the usage report for one identity over a trailing
// window (?days=N, default 30).
func (s *Server) AdminStats(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	stats, err := s.ledger.Stats(c.Request.Context(), c.Param("key"), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// AdminTopIdentities ranks identities by token consumption
// (?limit=N&days=M).
func (s *Server) AdminTopIdentities(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	top, err := s.ledger.TopIdentities(c.Request.Context(), limit, days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ranking failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"top": top, "days": days})
}
