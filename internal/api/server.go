// Package api wires the gateway's HTTP surface: the Claude-compatible
// /v1/messages endpoint and the account-management surface, behind shared
// middleware. A functional-options Server constructor over a gin.Engine,
// narrowed from a multi-provider router to the two route groups this
// gateway exposes.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kiro-gateway/kirogate/internal/adminauth"
	"github.com/kiro-gateway/kirogate/internal/api/middleware"
	"github.com/kiro-gateway/kirogate/internal/config"
	"github.com/kiro-gateway/kirogate/internal/gateway"
	"github.com/kiro-gateway/kirogate/internal/logging"
)

type serverOptionConfig struct {
	extraMiddleware []gin.HandlerFunc
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends additional Gin middleware during server construction.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(c *serverOptionConfig) {
		c.extraMiddleware = append(c.extraMiddleware, mw...)
	}
}

// Server is the gateway's HTTP server: a gin.Engine wrapping the orchestrator
// and admin handlers behind shared-secret auth.
type Server struct {
	engine *gin.Engine
	server *http.Server
	cfg    *config.Config
}

// NewServer builds and routes a Server. requiredAPIKey is read from cfg at
// call time and is re-checked per request, so a config hot-reload that
// rotates the key takes effect without restarting the listener. requestLogger
// may be nil, in which case request/response audit logging is skipped.
func NewServer(cfg *config.Config, orchestrator *gateway.Orchestrator, admin *gateway.Admin, requestLogger logging.RequestLogger, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for _, opt := range opts {
		opt(optionState)
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())
	engine.Use(middleware.RequestLogging(requestLogger))
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}

	s := &Server{engine: engine, cfg: cfg}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1")
	v1.Use(s.authMiddleware())
	v1.POST("/messages", orchestrator.Handle)

	adminGroup := engine.Group("/api")
	adminGroup.Use(s.authMiddleware())
	admin.RegisterRoutes(adminGroup)

	s.server = &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: engine}
	return s
}

// Start runs the HTTP server until it is stopped or fails.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: listen and serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware checks the shared secret carried either as a bearer token
// or an x-api-key header. When RequiredAPIKeyHash is configured it takes
// priority and the presented key is checked against it with bcrypt's
// constant-time comparison; otherwise the plaintext RequiredAPIKey is
// compared with subtle.ConstantTimeCompare. cfg is read on every request so
// a config hot-reload picks up a rotated key without restarting the
// listener.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requiredHash := s.cfg.RequiredAPIKeyHash
		required := s.cfg.RequiredAPIKey
		if requiredHash == "" && required == "" {
			c.Next()
			return
		}

		presented := c.GetHeader("x-api-key")
		if presented == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		var ok bool
		switch {
		case presented == "":
			ok = false
		case requiredHash != "":
			ok = adminauth.Compare(requiredHash, presented)
		default:
			ok = subtle.ConstantTimeCompare([]byte(presented), []byte(required)) == 1
		}

		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"type": "authentication_error", "message": "invalid or missing API key"}})
			return
		}
		c.Next()
	}
}
