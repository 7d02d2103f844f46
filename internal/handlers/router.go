package handlers

import (
	"net/http"

	"github.com/Klein241/bufferwave/internal/logging"
	"github.com/Klein241/bufferwave/internal/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter wires every broker endpoint
func NewRouter(network *NetworkHandler, tunnel *TunnelHandler, metrics http.Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinLogger(logger))
	router.Use(middleware.CORS())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.POST("/register", network.Register)
	router.POST("/connect", network.Connect)
	router.POST("/store", network.Store)
	router.POST("/heartbeat", network.Heartbeat)
	router.POST("/disconnect", network.Disconnect)
	router.POST("/bandwidth", network.Bandwidth)
	router.GET("/nodes", network.ListNodes)
	router.GET("/status", network.Status)

	if tunnel != nil {
		router.GET("/tunnel", tunnel.Serve)
	}
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return router
}
