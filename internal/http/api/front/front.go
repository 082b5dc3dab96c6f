package front

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/RelayGate/internal/access"
	"github.com/router-for-me/RelayGate/internal/config"
	"github.com/router-for-me/RelayGate/internal/http/api/front/handlers"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RegisterFrontRoutes registers account and upstream management routes under /api.
// Session routes accept the same credentials as the relay: an API key or a bearer JWT.
func RegisterFrontRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, auth access.Authenticator, upstreams handlers.UpstreamStore) {
	if r == nil || db == nil || auth == nil {
		return
	}

	front := r.Group("/api")

	authHandler := handlers.NewAuthHandler(db, jwtCfg)
	front.POST("/auth/register", authHandler.Register)
	front.POST("/auth/login", authHandler.Login)

	authed := front.Group("")
	authed.Use(sessionMiddleware(auth))

	authed.POST("/auth/api-key", authHandler.GenerateAPIKey)

	profileHandler := handlers.NewProfileHandler(db)
	authed.GET("/profile", profileHandler.Get)
	authed.PUT("/profile/password", profileHandler.ChangePassword)

	if upstreams != nil {
		appHandler := handlers.NewAppHandler(upstreams)
		authed.POST("/apps", appHandler.Create)
		authed.GET("/apps", appHandler.List)
		authed.GET("/apps/:upstreamId", appHandler.Get)
		authed.PUT("/apps/:upstreamId", appHandler.Update)
		authed.DELETE("/apps/:upstreamId", appHandler.Delete)
	}
}

// sessionMiddleware resolves the caller and stores the user id for the handlers.
func sessionMiddleware(auth access.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := auth.Authenticate(c.Request.Context(), c.Request)
		switch {
		case err == nil:
		case errors.Is(err, access.ErrNoCredentials):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		case errors.Is(err, access.ErrInvalidCredential):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		default:
			log.WithError(err).Error("front: authenticate failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication unavailable"})
			return
		}
		c.Set(handlers.UserIDKey, identity.UserID)
		c.Next()
	}
}
