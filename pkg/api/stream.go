package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/squadron/squadron/pkg/registry"
)

// heartbeatInterval matches spec.md §6's "heartbeat every 30s" for both
// streaming endpoints.
const heartbeatInterval = 30 * time.Second

// sseHydrationLimit bounds how many historical runs/events the stream
// replays during hydration before switching to live delivery.
const sseHydrationLimit = 100

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
}

// handleRunStream implements GET /pipelines/stream (spec.md §6): the
// handshake is connected -> pipeline_run (hydration: the most recent runs,
// sent oldest-first) ->
// hydrated -> live pipeline_run/pipeline_cancelled -> heartbeat/30s,
// grounded on tarsy's ConnectionManager catch-up-then-live pattern
// (pkg/events), adapted from WebSocket framing to SSE.
func (s *Server) handleRunStream(c *gin.Context) {
	ctx := c.Request.Context()
	setSSEHeaders(c)

	sub, unsubscribe := s.activity.Subscribe()
	defer unsubscribe()

	c.SSEvent("connected", gin.H{"time": time.Now().UTC()})
	c.Writer.Flush()

	runs, err := s.reg.PipelineRuns.List(ctx, registry.RunFilter{Limit: sseHydrationLimit})
	if err != nil {
		c.SSEvent("error", gin.H{"error": err.Error()})
		c.Writer.Flush()
		return
	}
	for i := len(runs) - 1; i >= 0; i-- {
		c.SSEvent("pipeline_run", runs[i])
		c.Writer.Flush()
	}
	c.SSEvent("hydrated", gin.H{})
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"time": time.Now().UTC()})
			c.Writer.Flush()
		case e, ok := <-sub:
			if !ok {
				return
			}
			switch e.EventType {
			case "pipeline.started", "pipeline.stage_advanced", "pipeline.completed", "pipeline.failed", "pipeline.escalated":
				c.SSEvent("pipeline_run", e)
			case "pipeline.cancelled":
				c.SSEvent("pipeline_cancelled", e)
			default:
				continue
			}
			c.Writer.Flush()
		}
	}
}

// handleActivityStream implements GET /stream: the unfiltered live activity
// feed, without the pipeline-run hydration handshake handleRunStream does.
func (s *Server) handleActivityStream(c *gin.Context) {
	ctx := c.Request.Context()
	setSSEHeaders(c)

	sub, unsubscribe := s.activity.Subscribe()
	defer unsubscribe()

	c.SSEvent("connected", gin.H{"time": time.Now().UTC()})
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"time": time.Now().UTC()})
			c.Writer.Flush()
		case e, ok := <-sub:
			if !ok {
				return
			}
			c.SSEvent("activity", e)
			c.Writer.Flush()
		}
	}
}
