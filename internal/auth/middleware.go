package auth

import (
	"net/http"
	"strings"
	"time"

	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(header string) (string, bool) {
	tok, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	tok = strings.TrimSpace(tok)
	return tok, ok && tok != ""
}

// RequireAccessToken admits requests carrying a valid access token and puts the
// caller's Identity on the request context. Role checks live in internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			logger.FromGin(c).DebugContext(c.Request.Context(), "token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		id := claims.Identity()
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		logger.EnrichGin(c, "user_id", id.UserID, "org_id", id.OrgID)
		c.Next()
	}
}
