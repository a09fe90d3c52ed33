package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/internal/middleware"
	"github.com/mossy-p/rtcnet/internal/relay"
)

// RouterConfig holds what the HTTP surface of the relay needs.
type RouterConfig struct {
	AllowedOrigins []string
	// JWTSecret enables authentication when set.
	JWTSecret     string
	Exclusive     *relay.Hub
	Shared        *relay.Hub
	LoggerFactory logging.LoggerFactory
}

// NewRouter builds the relay's gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	factory := cfg.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"clients": cfg.Exclusive.PeerCount() + cfg.Shared.PeerCount(),
		})
	})

	// Closing addresses always needs a token; without a secret it is disabled.
	adminAuth := middleware.JWTAuth(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		adminAuth = func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Authentication is disabled on this relay"})
		}
	}

	addresses := NewAddresses(cfg.Exclusive, cfg.Shared, factory)
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))
		apiGroup.GET("/addresses/:address", addresses.GetAddress)
		apiGroup.DELETE("/addresses/:address", adminAuth, addresses.DeleteAddress)
	}

	wsGroup := router.Group("/ws", middleware.OptionalJWTAuth(cfg.JWTSecret))
	{
		wsGroup.GET("/signal", HandleSignaling(cfg.Exclusive, factory))
		wsGroup.GET("/conference", HandleSignaling(cfg.Shared, factory))
	}

	return router
}
