package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/RelayGate/internal/access"
	log "github.com/sirupsen/logrus"
)

const identityKey = "identity"

// AccessAuthMiddleware authenticates the caller and stores the identity in the gin context.
func AccessAuthMiddleware(auth access.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, authErr := auth.Authenticate(c.Request.Context(), c.Request)
		if authErr == nil {
			c.Set(identityKey, identity)
			c.Next()
			return
		}

		switch {
		case errors.Is(authErr, access.ErrNoCredentials):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key or bearer token"})
		case errors.Is(authErr, access.ErrInvalidCredential):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key or token"})
		default:
			log.WithError(authErr).Error("access auth middleware error")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authentication service error"})
		}
	}
}

// IdentityFrom returns the identity stored by AccessAuthMiddleware.
func IdentityFrom(c *gin.Context) (access.Identity, bool) {
	val, exists := c.Get(identityKey)
	if !exists {
		return access.Identity{}, false
	}
	identity, ok := val.(access.Identity)
	return identity, ok && identity.UserID != 0
}
