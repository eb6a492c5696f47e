// Package statusapi is the HTTP control surface of a running process:
// agent status, inbound operator messages, recent logs and metrics.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conclave/pkg/agent"
	llmmetrics "conclave/pkg/agent/middleware/metrics"
	"conclave/pkg/logx"
	"conclave/pkg/metrics"
)

// Registry finds and stops running agents.
type Registry interface {
	Agent(agentID string) (*agent.Agent, bool)
	Running() []string
	Dismiss(ctx context.Context, agentID string) error
}

// UsageSource reports per-agent token usage recorded in process.
type UsageSource interface {
	GetAgentUsage(agentID string) *llmmetrics.AgentUsage
}

// Server serves the control API.
type Server struct {
	registry Registry
	usage    UsageSource
	query    *metrics.QueryService
	gatherer prometheus.Gatherer
	logger   *logx.Logger
	router   *gin.Engine
	timeout  time.Duration
}

// Option configures optional data sources.
type Option func(*Server)

// WithUsage serves /agents/:id/usage from src.
func WithUsage(src UsageSource) Option {
	return func(s *Server) { s.usage = src }
}

// WithPrometheusQuery lets /agents/:id/usage?source=prometheus read aggregated usage.
func WithPrometheusQuery(q *metrics.QueryService) Option {
	return func(s *Server) { s.query = q }
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer builds the router.
func NewServer(registry Registry, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		registry: registry,
		logger:   logx.NewLogger("statusapi"),
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLogger())
	RegisterRoutes(s.router, s)
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// RegisterRoutes installs every endpoint on router.
func RegisterRoutes(router *gin.Engine, s *Server) {
	router.GET("/healthz", s.Health)
	router.GET("/logs", s.Logs)
	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	agents := router.Group("/agents")
	{
		agents.GET("", s.ListAgents)
		agents.GET("/:id", s.GetAgent)
		agents.GET("/:id/usage", s.GetUsage)
		agents.POST("/:id/messages", s.PostMessage)
		agents.POST("/:id/continue", s.PostContinue)
		agents.DELETE("/:id", s.DeleteAgent)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status API: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status API shutdown: %w", err)
		}
		return nil
	}
}
