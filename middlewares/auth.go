package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"lmschat/services"
)

// UserIDKey is the gin context key holding the caller's user id.
const UserIDKey = "userID"

// IdentifyUser stores the user id from the X-User-ID header, or the userId
// query parameter, in the context. Authentication itself happens upstream.
func IdentifyUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(services.UserIDHeader))
		if userID == "" {
			userID = strings.TrimSpace(c.Query("userId"))
		}
		if userID != "" {
			c.Set(UserIDKey, userID)
		}
		c.Next()
	}
}

// RequireUser rejects requests without a user id. It must run after
// IdentifyUser.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(UserIDKey) == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
			return
		}
		c.Next()
	}
}
