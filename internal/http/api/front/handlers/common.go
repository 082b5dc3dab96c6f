package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// UserIDKey is the gin context key the session middleware stores the caller under.
const UserIDKey = "userID"

// getUserID returns the authenticated user, or 0 when the middleware did not run.
func getUserID(c *gin.Context) uint64 {
	if id, ok := c.Get(UserIDKey); ok {
		if v, isUint := id.(uint64); isUint {
			return v
		}
	}
	return 0
}

// requireUserID aborts with 401 when no user is attached to the request.
func requireUserID(c *gin.Context) (uint64, bool) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	return userID, true
}
