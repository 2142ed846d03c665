package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/registry"
)

// executeParallelStage fans out to every named branch concurrently and
// joins according to stage.Join — "all", "any", or "N-of-M" (spec.md §4.2.1
// `parallel` stage). Each branch is itself a full StageDefinition (most
// commonly an `agent` stage) executed as a child stage run.
func executeParallelStage(ctx context.Context, e *Engine, run *registry.PipelineRun, def *config.PipelineDefinition, stage config.StageDefinition, sr *registry.StageRun) (StageResult, error) {
	if sr.Status == registry.StageRunRunning {
		for name, branch := range stage.Branches {
			branch.ID = stage.ID + "." + name
			branchSR := &registry.StageRun{
				RunID:         run.RunID,
				StageID:       branch.ID,
				AttemptNumber: 1,
				Status:        registry.StageRunRunning,
				ParentStageID: &sr.StageID,
			}
			if err := e.reg.StageRuns.Create(ctx, branchSR); err != nil {
				return StageResult{}, fmt.Errorf("create branch stage run %q: %w", branch.ID, err)
			}
			if _, err := executors[branch.Type](ctx, e, run, def, branch, branchSR); err != nil {
				if failErr := e.reg.StageRuns.UpdateStatus(ctx, branchSR.ID, registry.StageRunFailed, nil, err.Error()); failErr != nil {
					return StageResult{}, failErr
				}
			}
		}
		if err := e.reg.StageRuns.UpdateStatus(ctx, sr.ID, registry.StageRunWaiting, nil, ""); err != nil {
			return StageResult{}, err
		}
		return waiting(), nil
	}

	children, err := e.reg.StageRuns.ChildrenOfStage(ctx, run.RunID, stage.ID)
	if err != nil {
		return StageResult{}, fmt.Errorf("load parallel branches: %w", err)
	}

	completed, failed, pending := 0, 0, 0
	for _, c := range children {
		switch c.Status {
		case registry.StageRunCompleted:
			completed++
		case registry.StageRunFailed, registry.StageRunCancelled:
			failed++
		default:
			pending++
		}
	}

	satisfied, rejected := joinSatisfied(stage.Join, len(children), completed, failed, pending)
	if rejected {
		next := config.TerminalFail
		if stage.OnAnyReject != nil {
			next = stage.OnAnyReject.Target
		}
		return StageResult{Advance: true, FinalStatus: registry.StageRunFailed, Next: next}, nil
	}
	if !satisfied {
		return waiting(), nil
	}

	return StageResult{
		Advance:     true,
		FinalStatus: registry.StageRunCompleted,
		Next:        nextFor(stage.OnComplete),
	}, nil
}

// joinSatisfied evaluates a parallel stage's join policy. rejected reports
// a fast-fail condition the join policy can never recover from.
func joinSatisfied(join string, total, completed, failed, pending int) (satisfied, rejected bool) {
	switch {
	case join == "" || join == "all":
		if failed > 0 {
			return false, true
		}
		return completed == total, false
	case join == "any":
		if completed > 0 {
			return true, false
		}
		return false, pending == 0 // all failed, none completed
	case strings.Contains(join, "-of-"):
		n, _ := strconv.Atoi(strings.SplitN(join, "-of-", 2)[0])
		if completed >= n {
			return true, false
		}
		if total-failed < n {
			return false, true
		}
		return false, false
	default:
		return completed == total, false
	}
}
