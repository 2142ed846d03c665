package pipeline

import (
	"context"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/registry"
)

// StageResult is what a stage executor returns after one invocation. A
// stage that is still waiting (human review, delay poll, suspended agent)
// sets Advance=false; the engine leaves the run parked at that stage until
// a future event or sweep re-invokes it.
type StageResult struct {
	Advance     bool
	FinalStatus registry.StageRunStatus
	Outputs     registry.JSONMap
	Next        string // transition target; empty means the pipeline's implicit "complete"
}

// waiting is the result shape every suspending stage type returns.
func waiting() StageResult { return StageResult{Advance: false} }

// stageExecutor runs one stage-type's logic for a single invocation. It is
// called both on first entry to a stage and on every subsequent wake
// (reactive event, reconciliation sweep) while that stage is StageRunWaiting.
type stageExecutor func(ctx context.Context, e *Engine, run *registry.PipelineRun, def *config.PipelineDefinition, stage config.StageDefinition, sr *registry.StageRun) (StageResult, error)

var executors = map[config.StageType]stageExecutor{
	config.StageTypeAgent:    executeAgentStage,
	config.StageTypeGate:     executeGateStage,
	config.StageTypeHuman:    executeHumanStage,
	config.StageTypeParallel: executeParallelStage,
	config.StageTypeDelay:    executeDelayStage,
	config.StageTypeAction:   executeActionStage,
	config.StageTypeWebhook:  executeWebhookStage,
	config.StageTypePipeline: executeSubPipelineStage,
}

// scopeFor assembles the expression-evaluation scope available to a stage's
// template fields: the run's accumulated context plus prior stage outputs.
func scopeFor(run *registry.PipelineRun) map[string]any {
	scope := map[string]any{}
	for k, v := range run.Context {
		scope[k] = v
	}
	return scope
}
