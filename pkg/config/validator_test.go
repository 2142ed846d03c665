package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseValidConfig(defs map[string]*PipelineDefinition) *Config {
	return &Config{
		Queue:      DefaultQueueConfig(),
		Forge:      &ForgeConfig{BaseURL: "https://api.example.com", Retry: DefaultForgeRetryConfig()},
		AgentRoles: AgentRolesConfig{},
		Pipelines:  NewPipelineRegistry(defs),
	}
}

func simpleDef(name string) *PipelineDefinition {
	return &PipelineDefinition{
		Name:  name,
		Scope: ScopeSinglePR,
		Stages: []StageDefinition{
			{ID: "s1", Type: StageTypeAction, ActionName: "comment", OnComplete: &TransitionTarget{Target: TerminalComplete}},
		},
	}
}

func TestValidateAllAcceptsValidConfig(t *testing.T) {
	cfg := baseValidConfig(map[string]*PipelineDefinition{"p": simpleDef("p")})
	require.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidateQueueRejectsZeroConcurrency(t *testing.T) {
	cfg := baseValidConfig(nil)
	cfg.Queue.MaxConcurrentAgents = 0
	err := NewValidator(cfg).ValidateAll()
	assert.ErrorContains(t, err, "max_concurrent_agents")
}

func TestValidateForgeRejectsNonPositiveBaseDelay(t *testing.T) {
	cfg := baseValidConfig(nil)
	cfg.Forge.Retry.BaseDelay = 0
	err := NewValidator(cfg).ValidateAll()
	assert.ErrorContains(t, err, "base_delay")
}

func TestValidateStageGraphRejectsDuplicateStageID(t *testing.T) {
	def := &PipelineDefinition{
		Name:  "dup",
		Scope: ScopeSinglePR,
		Stages: []StageDefinition{
			{ID: "s1", Type: StageTypeAction, ActionName: "comment"},
			{ID: "s1", Type: StageTypeAction, ActionName: "comment"},
		},
	}
	cfg := baseValidConfig(map[string]*PipelineDefinition{"dup": def})
	err := NewValidator(cfg).ValidateAll()
	assert.ErrorContains(t, err, "duplicate stage id")
}

func TestValidateStageGraphRejectsDanglingTransition(t *testing.T) {
	def := &PipelineDefinition{
		Name:  "dangling",
		Scope: ScopeSinglePR,
		Stages: []StageDefinition{
			{ID: "s1", Type: StageTypeAction, ActionName: "comment", OnComplete: &TransitionTarget{Target: "nope"}},
		},
	}
	cfg := baseValidConfig(map[string]*PipelineDefinition{"dangling": def})
	err := NewValidator(cfg).ValidateAll()
	assert.ErrorIs(t, err, ErrDanglingReference)
}

func TestValidateStageGraphAcceptsReservedTerminals(t *testing.T) {
	def := &PipelineDefinition{
		Name:  "terminals",
		Scope: ScopeSinglePR,
		Stages: []StageDefinition{
			{ID: "s1", Type: StageTypeGate, OnPass: &TransitionTarget{Target: TerminalComplete}, OnFail: &TransitionTarget{Target: TerminalEscalate}},
		},
	}
	cfg := baseValidConfig(map[string]*PipelineDefinition{"terminals": def})
	require.NoError(t, NewValidator(cfg).ValidateAll())
}

// TestValidateNoCyclesDetectsCycle covers spec.md §8 property 8 / S4: a
// sub-pipeline reference cycle must fail configuration load.
func TestValidateNoCyclesDetectsCycle(t *testing.T) {
	a := &PipelineDefinition{
		Name:  "A",
		Scope: ScopeSinglePR,
		Stages: []StageDefinition{
			{ID: "call-b", Type: StageTypePipeline, PipelineName: "B", OnComplete: &TransitionTarget{Target: TerminalComplete}},
		},
	}
	b := &PipelineDefinition{
		Name:  "B",
		Scope: ScopeSinglePR,
		Stages: []StageDefinition{
			{ID: "call-a", Type: StageTypePipeline, PipelineName: "A", OnComplete: &TransitionTarget{Target: TerminalComplete}},
		},
	}
	cfg := baseValidConfig(map[string]*PipelineDefinition{"A": a, "B": b})
	err := NewValidator(cfg).ValidateAll()
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestValidateNoCyclesAcceptsAcyclicChain(t *testing.T) {
	a := &PipelineDefinition{
		Name:  "A",
		Scope: ScopeSinglePR,
		Stages: []StageDefinition{
			{ID: "call-b", Type: StageTypePipeline, PipelineName: "B", OnComplete: &TransitionTarget{Target: TerminalComplete}},
		},
	}
	b := simpleDef("B")
	cfg := baseValidConfig(map[string]*PipelineDefinition{"A": a, "B": b})
	require.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidateNoCyclesRejectsUnknownSubPipeline(t *testing.T) {
	a := &PipelineDefinition{
		Name:  "A",
		Scope: ScopeSinglePR,
		Stages: []StageDefinition{
			{ID: "call-ghost", Type: StageTypePipeline, PipelineName: "ghost"},
		},
	}
	cfg := baseValidConfig(map[string]*PipelineDefinition{"A": a})
	err := NewValidator(cfg).ValidateAll()
	assert.ErrorIs(t, err, ErrDanglingReference)
}

func TestValidateAgentRolesRejectsNegativeLimit(t *testing.T) {
	cfg := baseValidConfig(nil)
	cfg.AgentRoles = AgentRolesConfig{"reviewer": {MaxIterations: -1}}
	err := NewValidator(cfg).ValidateAll()
	assert.ErrorContains(t, err, "max_iterations")
}

func TestValidateStageIDPattern(t *testing.T) {
	assert.True(t, ValidateStageID("review-pr_1"))
	assert.False(t, ValidateStageID("1-review"))
	assert.False(t, ValidateStageID(""))
}
