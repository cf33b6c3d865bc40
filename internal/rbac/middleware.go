package rbac

import (
	"net/http"
	"slices"

	"call-tracker/internal/auth"
	"call-tracker/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireAnyRole admits callers whose token role is in allowed. Admin is
// always admitted. Operator is admitted only when listed explicitly.
// It must run after auth.RequireAccessToken.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowed = slices.Clone(allowed)
	return func(c *gin.Context) {
		id, ok := auth.IdentityFrom(c.Request.Context())
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		if id.Role == RoleAdmin || slices.Contains(allowed, id.Role) {
			c.Next()
			return
		}
		logger.FromGin(c).Warn("role denied", "user_id", id.UserID, "role", id.Role)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	}
}
