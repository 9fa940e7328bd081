package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyService marks a request authenticated with a service key
	ContextKeyService = "authService"
	// ContextKeyAdmin marks a request authenticated with the admin secret
	ContextKeyAdmin = "authAdmin"
)

// Middleware extracts and validates the service key and admin secret.
// It never rejects; RequireService and RequireAdmin do.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}
		if apiKey != "" && m.ValidateKey(apiKey) == nil {
			c.Set(ContextKeyService, true)
		}
		if m.ValidateAdmin(c.GetHeader("X-Admin-Secret")) {
			c.Set(ContextKeyAdmin, true)
		}
		c.Next()
	}
}

// RequireService rejects requests without a valid service key unless the
// manager is open.
func RequireService(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.Open() || IsService(c) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required. Include 'Authorization: Bearer <service key>' header.",
		})
	}
}

// RequireAdmin requires the X-Admin-Secret header. With no admin secret
// configured, a valid service key is accepted in development only.
func RequireAdmin(m *Manager, allowServiceFallback bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAdmin(c) {
			c.Next()
			return
		}
		if m.adminSecret == nil && allowServiceFallback {
			if m.Open() || IsService(c) {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin secret required.",
		})
	}
}

// IsService reports whether the request carried a valid service key.
func IsService(c *gin.Context) bool {
	return c.GetBool(ContextKeyService)
}

// IsAdmin reports whether the request carried the admin secret.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
