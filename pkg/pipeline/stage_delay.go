package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/registry"
)

// executeDelayStage parks a run for a fixed duration, or until an optional
// poll check passes early (spec.md §4.2.1 `delay` stage). Actual wakeup is
// driven by the reconciliation sweep (pkg/reconcile) re-invoking this
// executor once the duration has elapsed; this function itself never
// blocks or sleeps.
func executeDelayStage(ctx context.Context, e *Engine, run *registry.PipelineRun, def *config.PipelineDefinition, stage config.StageDefinition, sr *registry.StageRun) (StageResult, error) {
	if sr.Status == registry.StageRunRunning {
		if err := e.reg.StageRuns.UpdateStatus(ctx, sr.ID, registry.StageRunWaiting, nil, ""); err != nil {
			return StageResult{}, err
		}
		return waiting(), nil
	}

	dur, err := time.ParseDuration(stage.Duration)
	if err != nil {
		return StageResult{}, fmt.Errorf("parse delay duration %q: %w", stage.Duration, err)
	}
	if sr.StartedAt != nil && e.clock.Now().Before(sr.StartedAt.Add(dur)) {
		if stage.Poll != nil {
			passed, message, resultData, err := e.gates.Evaluate(ctx, config.GateConditionConfig{Check: stage.Poll.Check, Config: stage.Poll.Config}, scopeFor(run))
			if err != nil {
				return StageResult{}, fmt.Errorf("poll check %q: %w", stage.Poll.Check, err)
			}
			if recErr := e.reg.GateChecks.Record(ctx, &registry.GateCheck{
				StageRunID: sr.ID, CheckType: stage.Poll.Check, Passed: passed, Message: message, ResultData: resultData,
			}); recErr != nil {
				return StageResult{}, recErr
			}
			if !passed {
				return waiting(), nil
			}
		} else {
			return waiting(), nil
		}
	}

	return StageResult{
		Advance:     true,
		FinalStatus: registry.StageRunCompleted,
		Next:        nextFor(stage.OnComplete),
	}, nil
}
