package rbac

import (
	"net/http"

	"campaign-dialer/internal/auth"
	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireOrg enforces the multi-tenant invariant: org_id must exist in context.
// Whether the org owns a given run is checked by the run service, which
// reports foreign runs as not found.
func RequireOrg() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := auth.OrgID(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "org_id required"})
			return
		}
		c.Next()
	}
}

// Allowed reports whether role may act when the route admits allowed.
// super_admin is always allowed; every other role, hidden ones included,
// must be listed.
func Allowed(role string, allowed []string) bool {
	if role == "" {
		return false
	}
	if IsSuperAdmin(role) {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// Org isolation is enforced via RequireOrg (use it in the chain).
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowed = append([]string(nil), allowed...)
	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if !Allowed(role, allowed) {
			logger.FromGin(c).InfoContext(c.Request.Context(), "role denied", "role", role, "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
