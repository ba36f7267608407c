package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/homesettle/internal/logging"
	"github.com/mbd888/homesettle/internal/validation"
)

const (
	// ContextKeyUserID holds the end user the API layer is acting for.
	ContextKeyUserID = "authUserID"

	HeaderUserID = "X-User-ID"
)

// Middleware rejects calls without a valid service key and records the
// forwarded user ID, if any, on both the gin and request contexts.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-API-Key")
		if raw == "" {
			raw = c.GetHeader("Authorization")
		}
		if err := m.Validate(raw); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}

		if userID := c.GetHeader(HeaderUserID); userID != "" {
			if !validation.IsValidUserID(userID) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_user_id",
					"message": HeaderUserID + " is malformed",
				})
				return
			}
			c.Set(ContextKeyUserID, userID)
			c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
		}

		c.Next()
	}
}

// RequireUser rejects calls that do not name an acting user.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": HeaderUserID + " header required",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the acting user, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
