package pipeline

import (
	"context"
	"fmt"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/event"
	"github.com/squadron/squadron/pkg/registry"
)

// executeSubPipelineStage invokes a named sub-pipeline and waits for it to
// reach a terminal status (spec.md §4.2.1 `pipeline` stage, §4.2.2 nesting).
func executeSubPipelineStage(ctx context.Context, e *Engine, run *registry.PipelineRun, def *config.PipelineDefinition, stage config.StageDefinition, sr *registry.StageRun) (StageResult, error) {
	if sr.ChildPipelineRunID == nil {
		childDef, err := e.pipelines.Get(stage.PipelineName)
		if err != nil {
			return StageResult{}, fmt.Errorf("resolve sub-pipeline %q: %w", stage.PipelineName, err)
		}

		syntheticTrigger := event.Event{
			DeliveryID:  run.RunID + ":" + stage.ID,
			Repo:        "",
			IssueNumber: derefInt(run.IssueNumber),
		}
		if run.PrimaryPRNumber != nil {
			syntheticTrigger.PRNumber = *run.PrimaryPRNumber
		}

		childRun, err := e.StartPipeline(ctx, childDef, syntheticTrigger, &run.RunID, stage.ID)
		if err != nil {
			return StageResult{}, fmt.Errorf("start sub-pipeline %q: %w", stage.PipelineName, err)
		}
		if err := e.reg.StageRuns.SetChildPipelineRun(ctx, sr.ID, childRun.RunID); err != nil {
			return StageResult{}, err
		}
		if err := e.reg.StageRuns.UpdateStatus(ctx, sr.ID, registry.StageRunWaiting, nil, ""); err != nil {
			return StageResult{}, err
		}
		return waiting(), nil
	}

	child, err := e.reg.PipelineRuns.Get(ctx, *sr.ChildPipelineRunID)
	if err != nil {
		return StageResult{}, fmt.Errorf("load sub-pipeline run: %w", err)
	}
	if !child.Status.IsTerminal() {
		return waiting(), nil
	}

	switch child.Status {
	case registry.RunCompleted:
		return StageResult{Advance: true, FinalStatus: registry.StageRunCompleted, Next: nextFor(stage.OnComplete)}, nil
	case registry.RunEscalated:
		return StageResult{Advance: true, FinalStatus: registry.StageRunFailed, Next: config.TerminalEscalate}, nil
	default:
		next := config.TerminalFail
		if stage.OnError != nil {
			next = stage.OnError.Target
		}
		return StageResult{Advance: true, FinalStatus: registry.StageRunFailed, Next: next}, nil
	}
}
