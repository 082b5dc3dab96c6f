package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/router-for-me/RelayGate/internal/access"
	"gorm.io/gorm"
)

// Route prefixes for the relay surface.
const (
	ProxyPrefix = "/apis"
	QueuePrefix = "/api/queue"
)

// RelayDeps are the collaborators of the relay routes.
type RelayDeps struct {
	DB       *gorm.DB
	Auth     access.Authenticator
	Proxy    *ProxyHandler
	Status   StatusReader
	Gatherer prometheus.Gatherer
}

// NewEngine builds a gin engine with request id and logging middleware.
func NewEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), RequestIDMiddleware(), RequestLogger())
	return engine
}

// RegisterRelayRoutes mounts health, metrics, proxy and queue status routes.
func RegisterRelayRoutes(engine *gin.Engine, deps RelayDeps) {
	if engine == nil {
		return
	}
	if deps.DB != nil {
		engine.GET("/health", NewHealthHandler(deps.DB).Health)
	}
	if deps.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	authed := AccessAuthMiddleware(deps.Auth)
	if deps.Proxy != nil {
		proxy := engine.Group(ProxyPrefix, authed)
		proxy.Any("/:upstreamId", deps.Proxy.Handle)
		proxy.Any("/:upstreamId/*path", deps.Proxy.Handle)
	}
	if deps.Status != nil {
		status := NewQueueStatusHandler(deps.Status)
		engine.GET(QueuePrefix+"/:queueId/status", authed, status.Get)
	}
}
