// Package api is the OpenAI-compatible HTTP surface: routing, CORS, API key
// authentication and the operational endpoints. Request semantics live in
// the handlers subpackages; this file only wires them to gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/api/handlers"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/api/handlers/openai"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/api/middleware"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/apikey"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/engine"
)

// Server is the HTTP front of the proxy.
type Server struct {
	engine *gin.Engine
	server *http.Server
	cfg    *config.Config
	core   *engine.Engine
}

// NewServer builds the server around a started engine.
func NewServer(cfg *config.Config, core *engine.Engine) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogging())
	router.Use(corsMiddleware())

	s := &Server{
		engine: router,
		cfg:    cfg,
		core:   core,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: router,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	base := handlers.NewBaseHandler(s.cfg, s.core)
	chat := openai.NewHandler(base)

	// The model listing stays reachable without a key so clients can
	// discover the server before configuring auth.
	s.engine.GET("/v1/models", chat.Models)

	v1 := s.engine.Group("/v1")
	v1.Use(AuthMiddleware(s.core.Keys))
	{
		v1.POST("/chat/completions", chat.ChatCompletions)
		v1.GET("/queue", base.QueueState)
		v1.POST("/cancel/:req_id", base.CancelRequest)
	}

	s.engine.GET("/health", base.Health)
	s.engine.GET("/api/info", base.Info)

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "AI Studio Proxy API",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"GET /v1/models",
				"GET /health",
			},
		})
	})
}

// Start blocks serving HTTP until an unrecoverable error.
func (s *Server) Start() error {
	log.Infof("api: listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Stop drains active connections and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept, Authorization, X-API-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AuthMiddleware validates the client key against the key store. An empty
// store means authentication is disabled.
func AuthMiddleware(keys *apikey.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if keys.Empty() {
			c.Next()
			return
		}

		key := c.GetHeader("X-API-Key")
		if key == "" {
			auth := c.GetHeader("Authorization")
			if parts := strings.SplitN(auth, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				key = parts[1]
			} else {
				key = auth
			}
		}

		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing API key", "type": "authentication_error"},
			})
			return
		}
		if !keys.Valid(key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid API key", "type": "authentication_error"},
			})
			return
		}
		c.Next()
	}
}
