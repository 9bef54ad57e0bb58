package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/tokengate/tokengate/internal/admission"
	"github.com/tokengate/tokengate/internal/identity"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/upstream"
)

// maxBodyBytes bounds the request body read into memory.
const maxBodyBytes = 4 << 20

// Completions runs a generation request through the admission pipeline and
// relays the downstream response.
func (s *Server) Completions(c *gin.Context) {
	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	key := callerKey(c)
	res, err := s.pipeline.Admit(c.Request.Context(), key, body)
	setRateHeaders(c, res.Rate)
	if err != nil {
		s.writeAdmitError(c, key, err)
		return
	}
	c.Data(http.StatusOK, "application/json", res.Body)
}

// setRateHeaders populates the X-RateLimit-* response headers. They are set
// on rejections too, so clients can pace themselves.
func setRateHeaders(c *gin.Context, rate ratelimit.Result) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(rate.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(rate.Remaining, 10))
	c.Header("X-RateLimit-Window", strconv.FormatInt(rate.WindowSeconds, 10))
}

// writeAdmitError maps a pipeline error to an HTTP response.
func (s *Server) writeAdmitError(c *gin.Context, key string, err error) {
	var rej *admission.RejectionError
	if errors.As(err, &rej) {
		if rej.RetryAfter > 0 {
			c.Header("Retry-After", strconv.FormatInt(rej.RetryAfter, 10))
		}
		status := rejectionStatus(rej.Reason)
		payload := gin.H{"error": rej.Message, "reason": rej.Reason}
		if rej.Limit > 0 {
			payload["used"] = rej.Used
			payload["limit"] = rej.Limit
		}
		c.JSON(status, payload)
		return
	}

	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		// Relay the downstream error verbatim.
		c.Data(statusErr.StatusCode, "application/json", statusErr.Body)
		return
	}

	log.WithError(err).WithFields(log.Fields{
		"key":        identity.Redact(key),
		"request_id": c.GetString("requestID"),
	}).Error("api: admission failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// rejectionStatus maps rejection reasons to HTTP status codes.
func rejectionStatus(reason string) int {
	switch reason {
	case admission.ReasonRateLimit, admission.ReasonQuota,
		admission.ReasonDailyLimit, admission.ReasonMonthlyLimit:
		return http.StatusTooManyRequests
	case admission.ReasonInactive:
		return http.StatusForbidden
	case admission.ReasonTimeout:
		return http.StatusGatewayTimeout
	case admission.ReasonUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
