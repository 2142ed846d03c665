// Package api implements the Dashboard API (spec.md §6): a read-only HTTP
// surface over the Unified Registry plus the one write operation
// (cancelling a run), bearer-token authenticated, with a server-sent-events
// stream for live activity. Routing follows tarsy's cmd/tarsy/main.go
// wiring of gin.Default() + router.Run(addr).
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/squadron/squadron/pkg/activity"
	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/event"
	"github.com/squadron/squadron/pkg/registry"
)

// RunCanceller is the subset of the Pipeline Engine the cancel endpoint
// calls into.
type RunCanceller interface {
	CancelRun(ctx context.Context, runID, reason string) error
}

// EventEmitter is the subset of the Event Router the webhook ingestion
// endpoint calls into.
type EventEmitter interface {
	Emit(ev event.Event) error
}

// Server is the Dashboard API (spec.md §6). It holds no state of its own;
// every handler reads through to the Unified Registry or the Activity Log.
type Server struct {
	reg       *registry.Registry
	pipelines *config.PipelineRegistry
	activity  *activity.Log
	engine    RunCanceller
	router    EventEmitter
	token     string

	engine0 *gin.Engine
}

// New builds a Server. authToken is the resolved bearer token value (already
// read from the environment variable SystemConfig.AuthTokenEnv names); an
// empty authToken leaves every endpoint open, per spec.md §6's "if no token
// is configured, endpoints are open".
func New(reg *registry.Registry, pipelines *config.PipelineRegistry, log *activity.Log, engine RunCanceller, router EventEmitter, authToken string) *Server {
	s := &Server{
		reg:       reg,
		pipelines: pipelines,
		activity:  log,
		engine:    engine,
		router:    router,
		token:     authToken,
	}
	s.engine0 = gin.New()
	s.engine0.Use(gin.Recovery(), gin.Logger())
	s.routes()
	return s
}

// Handler returns the underlying http.Handler, for ListenAndServe or a
// test httptest.Server.
func (s *Server) Handler() http.Handler { return s.engine0 }

// Run blocks serving on addr, matching tarsy's router.Run(":"+httpPort).
func (s *Server) Run(addr string) error {
	return s.engine0.Run(addr)
}

func (s *Server) routes() {
	r := s.engine0

	r.GET("/status", s.handleStatus)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/webhook", s.handleWebhook)

	authed := r.Group("/")
	authed.Use(s.authMiddleware())
	{
		authed.GET("/pipelines", s.handleListPipelines)
		authed.GET("/pipelines/runs", s.handleListRuns)
		authed.GET("/pipelines/runs/:id", s.handleGetRun)
		authed.POST("/pipelines/runs/:id/cancel", s.handleCancelRun)
		authed.GET("/pipelines/stream", s.handleRunStream)
		authed.GET("/agents", s.handleListAgents)
		authed.GET("/agents/:id", s.handleGetAgent)
		authed.GET("/agents/:id/activity", s.handleAgentActivity)
		authed.GET("/agents/:id/stats", s.handleAgentStats)
		authed.GET("/activity", s.handleRecentActivity)
		authed.GET("/stream", s.handleActivityStream)
	}
}

// authMiddleware enforces the bearer-token requirement spec.md §6
// describes: "Authorization: Bearer <token>" for REST calls, a "?token=…"
// query parameter for SSE clients that can't set headers. Open (no-op)
// when no token is configured.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}

		supplied := c.Query("token")
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			supplied = strings.TrimPrefix(h, "Bearer ")
		}
		if supplied != s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"pipelines":   s.pipelines.Len(),
		"subscribers": s.activity.SubscriberCount(),
		"time":        time.Now().UTC(),
	})
}

func respondNotFound(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return true
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	return true
}
