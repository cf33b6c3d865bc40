package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"call-tracker/pkg/logger"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader carries the shared secret used by webhook senders and schedulers.
const APIKeyHeader = "X-API-Key"

const bearerScheme = "bearer"

var unauthorized = gin.H{"error": "Unauthorized"}

// RequireAPIKey rejects requests whose X-API-Key does not match key.
// An empty key rejects everything.
func RequireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(APIKeyHeader)
		if !MatchAPIKey(key, got) {
			logger.FromGin(c).Warn("api key rejected", "present", got != "")
			c.AbortWithStatusJSON(http.StatusUnauthorized, unauthorized)
			return
		}
		c.Next()
	}
}

// MatchAPIKey compares got against key in constant time. An empty key
// matches nothing.
func MatchAPIKey(key, got string) bool {
	return key != "" && subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1
}

// RequireAccessToken verifies a dashboard access token and stores the
// caller's Identity in the request context. Role checks live in internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, unauthorized)
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			logger.FromGin(c).Warn("access token rejected", "err", err)
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, unauthorized)
			return
		}

		id := Identity{UserID: claims.UserID, Role: claims.Role}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header. The scheme is
// matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, tok, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
