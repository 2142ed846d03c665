package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/registry"
)

// executeAgentStage starts (or, with ContinueSession, resumes) an LLM
// agent for the given role (spec.md §4.2.1 `agent` stage, §4.3). The agent
// runs asynchronously via the session bridge; this call only starts it and
// leaves the stage run in StageRunWaiting until the Lifecycle Manager
// reports completion through an agent-completed event, at which point the
// engine re-invokes this same executor to collect outputs and advance.
func executeAgentStage(ctx context.Context, e *Engine, run *registry.PipelineRun, def *config.PipelineDefinition, stage config.StageDefinition, sr *registry.StageRun) (StageResult, error) {
	if sr.AgentID != nil {
		return collectAgentOutputs(ctx, e, run, stage, sr)
	}

	action, err := renderOr(stage.Action, scopeFor(run))
	if err != nil {
		return StageResult{}, fmt.Errorf("render agent action: %w", err)
	}

	req := StartAgentRequest{
		Role:            stage.AgentRole,
		IssueNumber:     derefInt(run.IssueNumber),
		PRNumber:        run.PrimaryPRNumber,
		RunID:           run.RunID,
		StageID:         stage.ID,
		Action:          action,
		ContinueSession: stage.ContinueSession,
		Context:         run.Context,
	}

	agent, err := e.agents.StartAgent(ctx, req)
	if err != nil {
		if stage.ContinueSession {
			// Open Question #3: continue_session against a failed/absent
			// preceding session falls back to a fresh one rather than
			// erroring the stage outright.
			req.ContinueSession = false
			agent, err = e.agents.StartAgent(ctx, req)
		}
		if err != nil {
			return StageResult{}, fmt.Errorf("start agent: %w", err)
		}
	}

	if err := e.reg.StageRuns.SetAgent(ctx, sr.ID, agent.AgentID); err != nil {
		return StageResult{}, fmt.Errorf("record agent on stage run: %w", err)
	}
	if err := e.reg.StageRuns.UpdateStatus(ctx, sr.ID, registry.StageRunWaiting, nil, ""); err != nil {
		return StageResult{}, err
	}
	e.recordActivity(ctx, run.RunID, "agent.started", registry.JSONMap{"stage": stage.ID, "role": stage.AgentRole, "agent_id": agent.AgentID})
	return waiting(), nil
}

// collectAgentOutputs is invoked once the agent tied to sr has reached a
// terminal status (spec.md §4.3: completed/failed/escalated).
func collectAgentOutputs(ctx context.Context, e *Engine, run *registry.PipelineRun, stage config.StageDefinition, sr *registry.StageRun) (StageResult, error) {
	agent, err := e.reg.Agents.Get(ctx, *sr.AgentID)
	if errors.Is(err, registry.ErrNotFound) {
		// Get returns terminal rows too; a miss here means the agent record
		// was purged after the lifecycle manager folded its outputs into sr
		// via finalizeAgent.
		if err := validateExpectedOutputs(stage.ExpectedOutputs, sr.Outputs); err != nil {
			return StageResult{}, err
		}
		return StageResult{
			Advance:     true,
			FinalStatus: registry.StageRunCompleted,
			Outputs:     sr.Outputs,
			Next:        nextFor(stage.OnComplete),
		}, nil
	}
	if err != nil {
		return StageResult{}, fmt.Errorf("load agent: %w", err)
	}
	if !agent.Status.IsTerminal() {
		return waiting(), nil
	}

	if agent.Status == registry.AgentEscalated {
		return StageResult{Advance: true, FinalStatus: registry.StageRunFailed, Next: config.TerminalEscalate}, nil
	}
	if agent.Status == registry.AgentFailed {
		next := config.TerminalFail
		if stage.OnError != nil {
			next = stage.OnError.Target
		}
		return StageResult{Advance: true, FinalStatus: registry.StageRunFailed, Next: next}, nil
	}
	if err := validateExpectedOutputs(stage.ExpectedOutputs, sr.Outputs); err != nil {
		return StageResult{}, err
	}
	return StageResult{
		Advance:     true,
		FinalStatus: registry.StageRunCompleted,
		Outputs:     sr.Outputs,
		Next:        nextFor(stage.OnComplete),
	}, nil
}

// validateExpectedOutputs enforces spec.md §4.2.1's "validated on
// completion" for an agent stage's expected_outputs: every declared key
// must be present in the agent's reported outputs or the stage fails
// (driven through stage.OnError like any other stage failure, via
// executeStage's generic error handling).
func validateExpectedOutputs(expected []string, outputs registry.JSONMap) error {
	var missing []string
	for _, key := range expected {
		if _, ok := outputs[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("agent stage missing expected output(s): %v", missing)
	}
	return nil
}

func nextFor(t *config.TransitionTarget) string {
	if t == nil {
		return ""
	}
	return t.Target
}

func derefInt(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func renderOr(s string, scope map[string]any) (string, error) {
	if s == "" {
		return "", nil
	}
	return RenderTemplate(s, scope)
}
