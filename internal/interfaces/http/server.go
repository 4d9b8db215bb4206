package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/application/usecase"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/service"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/persistence"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/interfaces/http/handlers"
)

// Server is the thin HTTP surface over the orchestrator and result store.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config configures the HTTP listener.
type Config struct {
	Host string
	Port int
	Mode string // debug, production
}

// NewServer builds the gin engine and registers the triage routes.
func NewServer(cfg Config, orchestrator *usecase.Orchestrator, store *persistence.Store, gateway service.Gateway, pv entity.PipelineVersion, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	triageHandler := handlers.NewTriageHandler(orchestrator, store, gateway, pv, logger)
	setupRoutes(router, triageHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start launches the HTTP listener in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, h *handlers.TriageHandler) {
	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/triage", h.Triage)
		v1.POST("/triage/batch", h.SubmitBatch)
		v1.GET("/jobs/:jobId", h.JobStatus)
		v1.GET("/results/:uid", h.GetResult)
		v1.GET("/models/:name", h.ModelInfo)
		v1.GET("/dlq", h.ListDLQ)
		v1.GET("/stats", h.Stats)
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
