package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// UserIDHeader carries the caller's identity, asserted by the upstream
	// identity layer. This service trusts it as-is.
	UserIDHeader = "X-User-ID"

	// UserIDKey is the key used to store the user id in the context
	UserIDKey = "user_id"
)

// UserIdentity middleware requires the user id header on every request and
// exposes it to handlers. Requests without it are rejected with 401.
func UserIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" {
			response := gin.H{
				"error": gin.H{
					"code":    "UNAUTHORIZED",
					"message": "Missing " + UserIDHeader + " header",
				},
			}
			if correlationID := GetCorrelationID(c); correlationID != "" {
				response["correlation_id"] = correlationID
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, response)
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// GetUserID retrieves the authenticated user id from the gin context
func GetUserID(c *gin.Context) string {
	if id, exists := c.Get(UserIDKey); exists {
		if userID, ok := id.(string); ok {
			return userID
		}
	}
	return ""
}
