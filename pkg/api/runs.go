package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/squadron/squadron/pkg/registry"
)

// pipelineSummary is the trigger-and-stage summary spec.md §6's
// GET /pipelines asks for, without leaking the full stage definition tree.
type pipelineSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Scope       string   `json:"scope"`
	Trigger     string   `json:"trigger,omitempty"`
	SubPipeline bool     `json:"sub_pipeline"`
	StageIDs    []string `json:"stage_ids"`
}

func (s *Server) handleListPipelines(c *gin.Context) {
	defs := s.pipelines.GetAll()
	out := make([]pipelineSummary, 0, len(defs))
	for _, d := range defs {
		sum := pipelineSummary{
			Name:        d.Name,
			Description: d.Description,
			Scope:       string(d.Scope),
			SubPipeline: d.IsSubPipeline(),
		}
		if d.Trigger != nil {
			sum.Trigger = d.Trigger.Event
		}
		for _, st := range d.Stages {
			sum.StageIDs = append(sum.StageIDs, st.ID)
		}
		out = append(out, sum)
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": out})
}

func (s *Server) handleListRuns(c *gin.Context) {
	f := registry.RunFilter{
		Status:       registry.RunStatus(c.Query("status")),
		PipelineName: c.Query("pipeline_name"),
		Limit:        queryInt(c, "limit", 0),
		Offset:       queryInt(c, "offset", 0),
	}
	if v := c.Query("pr_number"); v != "" {
		f.PRNumber = int64(queryInt(c, "pr_number", 0))
	}
	if v := c.Query("issue_number"); v != "" {
		f.IssueNumber = int64(queryInt(c, "issue_number", 0))
	}

	runs, err := s.reg.PipelineRuns.List(c.Request.Context(), f)
	if respondNotFound(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// runDetail is the GET /pipelines/runs/{id} response: the run itself plus
// every stage-run attempt and any sub-pipeline children (spec.md §6 "full
// detail including stage runs and children").
type runDetail struct {
	*registry.PipelineRun
	StageRuns []*registry.StageRun         `json:"stage_runs"`
	Children  []*registry.PipelineRun      `json:"children"`
	PRs       []*registry.PipelinePRAssociation `json:"pr_associations,omitempty"`
}

func (s *Server) handleGetRun(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("id")

	run, err := s.reg.PipelineRuns.Get(ctx, runID)
	if respondNotFound(c, err) {
		return
	}

	stageRuns, err := s.reg.StageRuns.AllForRun(ctx, runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	children, err := s.reg.PipelineRuns.ChildrenOf(ctx, runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	prs, err := s.reg.Associations.ForRun(ctx, runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, runDetail{
		PipelineRun: run,
		StageRuns:   stageRuns,
		Children:    children,
		PRs:         prs,
	})
}

// handleCancelRun implements POST /pipelines/runs/{id}/cancel: 404 if the
// run doesn't exist, 409 if it's already terminal, 200 otherwise (spec.md
// §6).
func (s *Server) handleCancelRun(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("id")

	run, err := s.reg.PipelineRuns.Get(ctx, runID)
	if respondNotFound(c, err) {
		return
	}
	if run.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "run already terminal", "status": run.Status})
		return
	}

	reason := c.Query("reason")
	if reason == "" {
		reason = "cancelled via dashboard API"
	}
	if err := s.engine.CancelRun(ctx, runID, reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": registry.RunCancelled})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
