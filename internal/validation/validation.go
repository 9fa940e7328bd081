// Package validation rejects malformed requests before they reach the
// metering handlers.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize bounds request bodies. Metering payloads are a few
// hundred bytes.
const MaxRequestSize = 64 << 10

// MaxUserIDLength matches the width of the users.id column.
const MaxUserIDLength = 128

// userIDRegex admits the identifiers issued by the auth provider (UUIDs,
// "user_..." handles, emails used as ids in development).
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@|-]*$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "Request body exceeds the allowed size",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID reports whether id is a plausible user identifier.
func IsValidUserID(id string) bool {
	return len(id) <= MaxUserIDLength && userIDRegex.MatchString(id)
}

// UserIDParamMiddleware validates the :userId URL parameter on routes that use it.
func UserIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("userId"); id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "userId must be 1-128 characters of letters, digits or _.:@|-",
			})
			return
		}
		c.Next()
	}
}
