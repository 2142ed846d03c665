package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/registry"
)

// executeGateStage evaluates a gate's conditions against the Gate
// Registry (spec.md §4.2.1 `gate` stage, §4.4). `conditions` requires every
// check to pass; `any_of` requires at least one. Every fresh evaluation is
// recorded as an append-only gate_checks row regardless of outcome, so
// reconciliation and the dashboard can see check history even for gates
// that never pass. A reactive re-evaluation (a wake carrying the event that
// triggered it) only re-runs the checks that declare that event among their
// reactive_events; every other check reuses its latest recorded result
// instead of re-running (spec.md §4.4, testable property 10).
func executeGateStage(ctx context.Context, e *Engine, run *registry.PipelineRun, def *config.PipelineDefinition, stage config.StageDefinition, sr *registry.StageRun) (StageResult, error) {
	scope := scopeFor(run)

	checks := stage.Conditions
	requireAll := true
	if len(stage.AnyOf) > 0 {
		checks = stage.AnyOf
		requireAll = false
	}

	triggerEvent, reactive := reactiveEventFromContext(ctx)

	var lastMessage string
	passed := requireAll
	for _, check := range checks {
		ok, message, _, err := evaluateGateCheck(ctx, e, check, scope, sr.ID, triggerEvent.Type, reactive)
		if err != nil {
			return StageResult{}, fmt.Errorf("evaluate gate %q: %w", check.Check, err)
		}

		lastMessage = message
		if requireAll {
			passed = passed && ok
			if !ok {
				break
			}
		} else if ok {
			passed = true
			break
		} else {
			passed = false
		}
	}

	if passed {
		return StageResult{
			Advance:     true,
			FinalStatus: registry.StageRunCompleted,
			Outputs:     registry.JSONMap{"message": lastMessage},
			Next:        nextFor(stage.OnPass),
		}, nil
	}

	if stage.OnFail == nil {
		// No explicit on_fail: the gate simply parks here awaiting a
		// reevaluate_gates reactive event (spec.md §4.2.4).
		return waiting(), nil
	}
	if stage.OnFail.IsLoop() {
		iteration := sr.AttemptNumber
		if stage.OnFail.MaxIterations > 0 && iteration >= stage.OnFail.MaxIterations {
			return StageResult{Advance: true, FinalStatus: registry.StageRunFailed, Next: stage.OnFail.Then}, nil
		}
		return StageResult{Advance: true, FinalStatus: registry.StageRunFailed, Next: stage.OnFail.Goto}, nil
	}
	return StageResult{Advance: true, FinalStatus: registry.StageRunFailed, Next: stage.OnFail.Target}, nil
}

// evaluateGateCheck runs one condition, or — during a reactive
// re-evaluation whose triggering event type the check doesn't declare among
// its reactive_events — reuses its latest recorded gate_checks row instead
// (spec.md §4.4). A fresh evaluation is always recorded as a new append-only
// row; a reused one is not, since nothing new happened.
func evaluateGateCheck(ctx context.Context, e *Engine, check config.GateConditionConfig, scope map[string]any, stageRunID int64, triggerEventType string, reactive bool) (bool, string, registry.JSONMap, error) {
	if reactive && !eventMatchesAny(e.gates.ReactiveEventsFor(check.Check), triggerEventType) {
		latest, err := e.reg.GateChecks.Latest(ctx, stageRunID, check.Check)
		if err == nil {
			return latest.Passed, latest.Message, latest.ResultData, nil
		}
		if !errors.Is(err, registry.ErrNotFound) {
			return false, "", nil, fmt.Errorf("load cached gate check %q: %w", check.Check, err)
		}
		// No cached result yet (the stage's very first pass happened to
		// arrive as a reactive wake) — fall through and evaluate fresh.
	}

	ok, message, resultData, err := e.gates.Evaluate(ctx, check, scope)
	if err != nil {
		return false, "", nil, err
	}
	if recErr := e.reg.GateChecks.Record(ctx, &registry.GateCheck{
		StageRunID:          stageRunID,
		CheckType:           check.Check,
		CheckConfigSnapshot: check.Config,
		Passed:              ok,
		Message:             message,
		ResultData:          resultData,
	}); recErr != nil {
		return false, "", nil, fmt.Errorf("record gate check: %w", recErr)
	}
	return ok, message, resultData, nil
}

func eventMatchesAny(events []string, triggerEventType string) bool {
	if triggerEventType == "" {
		return false
	}
	for _, ev := range events {
		if ev == triggerEventType {
			return true
		}
	}
	return false
}
