package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tokengate/tokengate/internal/identity"
)

// callerKeyContextKey is where the authenticated API key lives in the gin
// context.
const callerKeyContextKey = "callerKey"

// requestIDMiddleware tags every request with an ID for log correlation.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// bearerToken extracts the Bearer token from the Authorization header,
// falling back to the X-API-Key header.
func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token != authHeader {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}

// apiKeyMiddleware authenticates callers against the allowed key set and
// stashes the key as the caller identity.
func apiKeyMiddleware(keys *identity.KeySet) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}
		if !keys.Allowed(token) {
			log.WithFields(log.Fields{
				"key":        identity.Redact(token),
				"request_id": c.GetString("requestID"),
			}).Warn("api: unknown API key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		c.Set(callerKeyContextKey, token)
		c.Next()
	}
}

// adminTokenMiddleware guards the admin surface with a static token. An empty
// configured token disables the admin API entirely.
func adminTokenMiddleware(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API disabled"})
			return
		}
		token := bearerToken(c)
		if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

// callerKey returns the authenticated identity set by apiKeyMiddleware.
func callerKey(c *gin.Context) string {
	return c.GetString(callerKeyContextKey)
}
