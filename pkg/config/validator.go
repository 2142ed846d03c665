package config

import (
	"fmt"

	playground "github.com/go-playground/validator/v10"
)

// Validator validates configuration comprehensively with clear error
// messages, modeled on tarsy's pkg/config/validator.go.
type Validator struct {
	cfg *Config
	sv  *playground.Validate
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg, sv: playground.New()}
}

// ValidateAll performs comprehensive validation, stopping at the first
// error. Order: queue → forge → agent roles → pipelines (struct tags, then stage graph
// integrity per pipeline).
func (v *Validator) ValidateAll() error {
	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}

	if err := v.validateForge(); err != nil {
		return fmt.Errorf("forge validation failed: %w", err)
	}

	if err := v.validateAgentRoles(); err != nil {
		return fmt.Errorf("agent role validation failed: %w", err)
	}

	if err := v.validatePipelines(); err != nil {
		return fmt.Errorf("pipeline validation failed: %w", err)
	}

	return nil
}

func (v *Validator) validateQueue() error {
	q := v.cfg.Queue
	if q == nil {
		return fmt.Errorf("queue configuration is nil")
	}
	if q.MaxConcurrentAgents < 1 {
		return fmt.Errorf("max_concurrent_agents must be at least 1, got %d", q.MaxConcurrentAgents)
	}
	if q.EventQueueDepth < 1 {
		return fmt.Errorf("event_queue_depth must be at least 1, got %d", q.EventQueueDepth)
	}
	if q.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdog_interval must be positive, got %v", q.WatchdogInterval)
	}
	if q.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be positive, got %v", q.ReconcileInterval)
	}
	if q.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be positive, got %v", q.GracefulShutdownTimeout)
	}
	for role, limit := range q.AgentRoleLimits {
		if limit < 1 {
			return fmt.Errorf("agent_role_limits[%s] must be at least 1, got %d", role, limit)
		}
	}
	return nil
}

func (v *Validator) validateForge() error {
	f := v.cfg.Forge
	if f == nil {
		return fmt.Errorf("forge configuration is nil")
	}
	if f.Retry.MaxRetries < 0 {
		return NewValidationError("forge", "", "retry.max_attempts", fmt.Errorf("must be non-negative"))
	}
	if f.Retry.BaseDelay <= 0 {
		return NewValidationError("forge", "", "retry.base_delay", fmt.Errorf("must be positive"))
	}
	if f.Retry.Multiplier < 1 {
		return NewValidationError("forge", "", "retry.multiplier", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *Validator) validateAgentRoles() error {
	for role, rc := range v.cfg.AgentRoles {
		if rc.MaxActiveDuration < 0 {
			return NewValidationError("agent_role", role, "max_active_duration", fmt.Errorf("must be non-negative"))
		}
		if rc.MaxIterations < 0 {
			return NewValidationError("agent_role", role, "max_iterations", fmt.Errorf("must be non-negative"))
		}
		if rc.MaxToolCalls < 0 {
			return NewValidationError("agent_role", role, "max_tool_calls", fmt.Errorf("must be non-negative"))
		}
		if rc.MaxTurns < 0 {
			return NewValidationError("agent_role", role, "max_turns", fmt.Errorf("must be non-negative"))
		}
	}
	return nil
}

// validatePipelines validates every registered pipeline definition: struct
// tags via go-playground/validator, then stage-graph integrity (unique
// stage ids, resolvable transition targets, sub-pipeline reference cycles
// bounded to MaxNestingDepth).
func (v *Validator) validatePipelines() error {
	defs := v.cfg.Pipelines.GetAll()

	for name, def := range defs {
		if err := v.sv.Struct(def); err != nil {
			return NewValidationError("pipeline", name, "struct", err)
		}
		if err := v.validateStageGraph(name, def); err != nil {
			return err
		}
	}

	for name, def := range defs {
		if err := v.validateNoCycles(name, def, defs, map[string]bool{}); err != nil {
			return err
		}
	}

	return nil
}

func (v *Validator) validateStageGraph(pipelineName string, def *PipelineDefinition) error {
	seen := make(map[string]bool, len(def.Stages))
	for _, s := range def.Stages {
		if !ValidateStageID(s.ID) {
			return NewValidationError("pipeline", pipelineName, "stages[].id",
				fmt.Errorf("invalid stage id %q", s.ID))
		}
		if seen[s.ID] {
			return NewValidationError("pipeline", pipelineName, "stages[].id",
				fmt.Errorf("duplicate stage id %q", s.ID))
		}
		seen[s.ID] = true
	}

	resolvable := func(t *TransitionTarget) error {
		if t == nil {
			return nil
		}
		target := t.Target
		if t.IsLoop() {
			target = t.Goto
		}
		switch target {
		case TerminalComplete, TerminalEscalate, TerminalFail, TerminalCancel, "":
			return nil
		}
		if !seen[target] {
			return fmt.Errorf("%w: %q", ErrDanglingReference, target)
		}
		return nil
	}

	for _, s := range def.Stages {
		targets := []*TransitionTarget{s.OnPass, s.OnFail, s.OnTimeout, s.OnAnyReject,
			s.OnConflict, s.OnCIFailure, s.OnComplete, s.OnError}
		for _, t := range targets {
			if err := resolvable(t); err != nil {
				return NewValidationError("pipeline", pipelineName, "stages["+s.ID+"]", err)
			}
		}
		for _, branch := range s.Branches {
			if err := resolvable(branch.OnComplete); err != nil {
				return NewValidationError("pipeline", pipelineName, "stages["+s.ID+"].branches", err)
			}
		}
	}

	if err := resolvable(def.OnComplete); err != nil {
		return NewValidationError("pipeline", pipelineName, "on_complete", err)
	}
	if err := resolvable(def.OnError); err != nil {
		return NewValidationError("pipeline", pipelineName, "on_error", err)
	}

	return nil
}

// validateNoCycles walks `pipeline`-stage references and rejects cycles or
// chains deeper than MaxNestingDepth.
func (v *Validator) validateNoCycles(name string, def *PipelineDefinition, all map[string]*PipelineDefinition, visiting map[string]bool) error {
	if visiting[name] {
		return NewValidationError("pipeline", name, "stages[].pipeline_name",
			fmt.Errorf("%w: %s", ErrCycleDetected, name))
	}
	if len(visiting) > MaxNestingDepth {
		return NewValidationError("pipeline", name, "stages[].pipeline_name",
			fmt.Errorf("sub-pipeline nesting exceeds max depth %d", MaxNestingDepth))
	}

	visiting[name] = true
	defer delete(visiting, name)

	for _, s := range def.Stages {
		if s.Type != StageTypePipeline {
			continue
		}
		child, ok := all[s.PipelineName]
		if !ok {
			return NewValidationError("pipeline", name, "stages["+s.ID+"].pipeline_name",
				fmt.Errorf("%w: pipeline %q not found", ErrDanglingReference, s.PipelineName))
		}
		if err := v.validateNoCycles(s.PipelineName, child, all, visiting); err != nil {
			return err
		}
	}

	return nil
}
