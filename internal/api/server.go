// Package api exposes the intake workflow over HTTP: template management,
// live evaluation, drafts and submissions, plus a websocket session for
// kiosk clients that want per-keystroke evaluation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/intake-form-server/internal/domain"
	"github.com/intake-form-server/internal/middleware"
	"github.com/intake-form-server/internal/service"
)

// Server represents the HTTP server
type Server struct {
	config  *domain.Config
	router  *gin.Engine
	server  *http.Server
	service *service.IntakeService
	log     *logrus.Logger
}

// NewServer creates a new HTTP server instance
func NewServer(config *domain.Config, svc *service.IntakeService, logger *logrus.Logger) *Server {
	if config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestLogger(logger))
	if config.Server.RateLimit > 0 {
		router.Use(middleware.NewRateLimiter(config.Server.RateLimit, config.Server.RateBurst).Middleware())
	}

	server := &Server{
		config:  config,
		router:  router,
		service: svc,
		log:     logger,
	}

	server.setupRoutes()
	return server
}

// Start starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.config.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Handler exposes the router, used by the test suite.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/templates", s.handleCreateTemplate)
		v1.GET("/templates", s.handleListTemplates)
		v1.GET("/templates/:id", s.handleGetTemplate)
		v1.DELETE("/templates/:id", s.handleDeleteTemplate)

		v1.POST("/templates/:id/evaluate", s.handleEvaluate)
		v1.POST("/templates/:id/submissions", s.handleSubmit)
		v1.GET("/templates/:id/submissions", s.handleListSubmissions)
		v1.GET("/templates/:id/live", s.handleLiveSession)

		v1.GET("/submissions/:id", s.handleGetSubmission)

		v1.PUT("/drafts/:session_id", s.handleSaveDraft)
		v1.GET("/drafts/:session_id", s.handleGetDraft)
		v1.DELETE("/drafts/:session_id", s.handleDeleteDraft)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Correlation-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Length, X-Correlation-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
