package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthChecker is satisfied by every series store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server serves the ops endpoints:
//
//	GET /health      store health, 503 when the check fails
//	GET /metrics     counter snapshot
//	GET /ticks/last  the most recent TickResult, 404 before the first tick
type Server struct {
	addr    string
	metrics *Collector
	health  HealthChecker
	router  *gin.Engine
	logger  *slog.Logger
}

// NewServer creates the ops server. health may be nil.
func NewServer(addr string, metrics *Collector, health HealthChecker, logger *slog.Logger) (*Server, error) {
	if metrics == nil {
		return nil, errors.New("metrics collector is required")
	}
	if addr == "" {
		addr = ":9090"
	}
	if logger == nil {
		logger = slog.Default()
	}

	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:    addr,
		metrics: metrics,
		health:  health,
		router:  router,
		logger:  logger.With("component", "ops"),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", s.handleMetrics)
	s.router.GET("/ticks/last", s.handleLastTick)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	s.logger.Info("ops server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.metrics.Snapshot()
	body := gin.H{
		"status":         "healthy",
		"uptime_seconds": snap.UptimeSeconds,
		"ticks":          snap.Ticks,
	}

	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.health.HealthCheck(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleLastTick(c *gin.Context) {
	tick, ok := s.metrics.LastTick()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no tick has run yet"})
		return
	}
	c.JSON(http.StatusOK, tick)
}
