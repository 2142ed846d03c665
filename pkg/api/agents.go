package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.reg.Agents.List(c.Request.Context(), queryInt(c, "limit", 0), queryInt(c, "offset", 0))
	if respondNotFound(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	a, err := s.reg.Agents.Get(c.Request.Context(), c.Param("id"))
	if respondNotFound(c, err) {
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) handleAgentActivity(c *gin.Context) {
	events, err := s.reg.Activity.ForAgent(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 0))
	if respondNotFound(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": events})
}

// agentStats summarizes a single agent's status, circuit-breaker counters
// (iterations, tool calls) and watchdog-escaped flag for spec.md §6's
// GET /agents/{id}/stats.
type agentStats struct {
	AgentID         string `json:"agent_id"`
	Status          string `json:"status"`
	IterationCount  int    `json:"iteration_count"`
	ToolCallCount   int    `json:"tool_call_count"`
	WatchdogEscaped bool   `json:"watchdog_escaped"`
}

func (s *Server) handleAgentStats(c *gin.Context) {
	a, err := s.reg.Agents.Get(c.Request.Context(), c.Param("id"))
	if respondNotFound(c, err) {
		return
	}
	c.JSON(http.StatusOK, agentStats{
		AgentID:         a.AgentID,
		Status:          string(a.Status),
		IterationCount:  a.IterationCount,
		ToolCallCount:   a.ToolCallCount,
		WatchdogEscaped: a.WatchdogEscaped,
	})
}

func (s *Server) handleRecentActivity(c *gin.Context) {
	events, err := s.reg.Activity.Recent(c.Request.Context(), queryInt(c, "limit", 0))
	if respondNotFound(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": events})
}
