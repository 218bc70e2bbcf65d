// Package server assembles the reference chat server's HTTP surface.
package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"farmchat/internal/auth"
	"farmchat/internal/chat"
	"farmchat/internal/middleware"
	"farmchat/internal/store"
	"farmchat/internal/user"
	"farmchat/internal/websocket"
)

// Options configures the router.
type Options struct {
	JWTSecret    string
	TokenMaxAge  time.Duration
	DevAuth      bool
	AllowOrigins []string
	// AccessLog turns on gin's request logger.
	AccessLog bool
}

// NewRouter mounts the WebSocket endpoint and the REST API on a gin engine.
func NewRouter(st store.Store, hub *websocket.Hub, opts Options, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.RedirectTrailingSlash = false
	if opts.AccessLog {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = opts.AllowOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "Upgrade", "Connection"}
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	allowed := make(map[string]bool, len(corsConfig.AllowOrigins))
	for _, o := range corsConfig.AllowOrigins {
		allowed[o] = true
	}

	authHandler := auth.NewAuthHandler(st, opts.JWTSecret, opts.TokenMaxAge, logger)
	userHandler := user.NewUserHandler(st, logger)
	chatRestHandler := chat.NewRestHandler(st, logger)
	wsHandler := websocket.NewWSHandler(hub, st, opts.JWTSecret, func(origin string) bool { return allowed[origin] })

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	r.GET("/ws", wsHandler.HandleWebSocketConnection)

	api := r.Group("/api")
	if opts.DevAuth {
		api.POST("/auth/token", authHandler.IssueToken)
	}

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(opts.JWTSecret))
	{
		protected.GET("/auth/me", authHandler.GetMe)
		protected.GET("/users/:id", userHandler.GetUserByID)
		chatRestHandler.Register(protected)
	}
	return r
}
