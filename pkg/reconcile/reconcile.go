// Package reconcile implements Reconciliation & Recovery (spec.md §4.7): a
// one-shot startup scan that resumes every non-terminal pipeline run and
// agent after a process restart, plus a cron-scheduled periodic sweep that
// catches the failure modes no reactive event ever announces — an agent
// stuck past its watchdog, a sleeping agent whose blocker issue closed
// without a comment, and registry rows orphaned by a run that already
// terminated.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/metrics"
	"github.com/squadron/squadron/pkg/pipeline"
	"github.com/squadron/squadron/pkg/registry"
)

// AgentManager is the subset of the Agent Lifecycle Manager the
// reconciliation sweep drives directly, bypassing the Pipeline Engine for
// agent-only recovery actions. Implemented by *lifecycle.Manager.
type AgentManager interface {
	CancelAgent(ctx context.Context, agentID string) error
	WakeAgent(ctx context.Context, agentID string, mail registry.JSONMap) error
}

// StageAdvancer is the Pipeline Engine seam reconciliation re-drives after
// restoring Registry state (the same seam pkg/lifecycle uses to report a
// finalized agent back to its owning stage).
type StageAdvancer interface {
	AdvanceStageRun(ctx context.Context, runID, stageID string) error
	TimeoutStage(ctx context.Context, runID, stageID string) error
}

// Reconciler owns both the one-shot startup recovery pass and the
// recurring sweep.
type Reconciler struct {
	reg     *registry.Registry
	engine  StageAdvancer
	agents  AgentManager
	forge   pipeline.Forge
	roles   config.AgentRolesConfig
	queue   *config.QueueConfig
	metrics *metrics.Metrics
	log     *slog.Logger

	cron *cron.Cron
}

// New wires a Reconciler. forge may be nil, in which case the "sleeping
// agent whose blocker issue closed" sweep step is skipped — it has no other
// way to learn an issue's state.
func New(reg *registry.Registry, engine StageAdvancer, agents AgentManager, forge pipeline.Forge, roles config.AgentRolesConfig, queue *config.QueueConfig, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		reg:     reg,
		engine:  engine,
		agents:  agents,
		forge:   forge,
		roles:   roles,
		queue:   queue,
		metrics: m,
		log:     slog.With("component", "reconcile"),
	}
}

// RecoverOnStartup performs the spec.md §4.7 startup recovery scan: every
// non-terminal pipeline run is re-driven through AdvanceStageRun so its
// current stage's status (running agent, waiting gate, running child
// pipeline, pending) is re-derived against Registry state rather than
// assumed; every agent left ACTIVE by the previous process (whose in-memory
// session-worker is necessarily gone — the bridge does not survive a
// restart) is force-failed so its stage's on_error fires instead of hanging
// forever.
func (rc *Reconciler) RecoverOnStartup(ctx context.Context) error {
	runs, err := rc.reg.PipelineRuns.NonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("load non-terminal runs: %w", err)
	}
	rc.log.Info("startup recovery: re-driving non-terminal runs", "count", len(runs))

	var errs []error
	for _, run := range runs {
		if run.CurrentStageID == "" {
			continue
		}
		if err := rc.engine.AdvanceStageRun(ctx, run.RunID, run.CurrentStageID); err != nil {
			rc.log.Error("recover pipeline run", "run_id", run.RunID, "stage_id", run.CurrentStageID, "error", err)
			errs = append(errs, err)
		}
	}

	agents, err := rc.reg.Agents.NonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("load non-terminal agents: %w", err)
	}
	for _, a := range agents {
		if a.Status != registry.AgentActive {
			continue
		}
		rc.log.Warn("startup recovery: force-failing agent left ACTIVE by a previous process", "agent_id", a.AgentID)
		if err := rc.agents.CancelAgent(ctx, a.AgentID); err != nil {
			rc.log.Error("force-fail orphaned active agent", "agent_id", a.AgentID, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := rc.reg.Agents.MarkWatchdogEscaped(ctx, a.AgentID); err != nil {
			rc.log.Error("mark watchdog-escaped", "agent_id", a.AgentID, "error", err)
		}
		rc.recordEscape("startup")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d recovery error(s): %v", len(errs), errors.Join(errs...))
	}
	return nil
}

// Start schedules the periodic sweep at QueueConfig.ReconcileInterval via
// robfig/cron's "@every" spec and returns immediately; call Stop to drain
// in-flight sweeps gracefully.
func (rc *Reconciler) Start(ctx context.Context) error {
	rc.cron = cron.New()
	spec := fmt.Sprintf("@every %s", rc.queue.ReconcileInterval)
	_, err := rc.cron.AddFunc(spec, func() {
		if err := rc.Sweep(ctx); err != nil {
			rc.log.Error("reconciliation sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconciliation sweep %q: %w", spec, err)
	}
	rc.cron.Start()
	return nil
}

// Stop waits for any in-flight sweep to finish and cancels the schedule.
func (rc *Reconciler) Stop() {
	if rc.cron == nil {
		return
	}
	<-rc.cron.Stop().Done()
}

// Sweep implements the periodic reconciliation checks (spec.md §4.7): (a)
// ACTIVE agents past max_active_duration, (b) SLEEPING agents whose blocker
// issue closed, (c) non-terminal agents orphaned by an already terminal
// owning run, (d) gate/human stages that sat in `waiting` past their
// configured timeout (spec.md §8 scenario S3).
func (rc *Reconciler) Sweep(ctx context.Context) error {
	var errs []error

	if err := rc.sweepOverrunActive(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rc.sweepClosedBlockers(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rc.sweepOrphanedAgents(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rc.sweepStageTimeouts(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d sweep step(s) failed: %v", len(errs), errors.Join(errs...))
	}
	return nil
}

// sweepOverrunActive force-fails agents whose ACTIVE duration has exceeded
// their role's max_active_duration — the layer-3 backstop for an agent that
// escaped both the per-agent watchdog and its independent backup timer
// (spec.md §4.3.2, testable property 6).
func (rc *Reconciler) sweepOverrunActive(ctx context.Context) error {
	agents, err := rc.reg.Agents.NonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("load non-terminal agents: %w", err)
	}
	return rc.forceFailOverrun(ctx, agents)
}

// forceFailOverrun applies the max_active_duration decision to an
// already-fetched agent list, split out from sweepOverrunActive so the
// decision itself is testable without a live Registry.
func (rc *Reconciler) forceFailOverrun(ctx context.Context, agents []*registry.Agent) error {
	now := time.Now()
	var errs []error
	for _, a := range agents {
		if a.Status != registry.AgentActive || a.ActiveSince == nil {
			continue
		}
		maxActive := rc.roles.For(a.Role).MaxActiveDuration
		if maxActive <= 0 || now.Sub(*a.ActiveSince) < maxActive {
			continue
		}
		rc.log.Warn("reconciliation sweep: force-failing agent past max_active_duration", "agent_id", a.AgentID)
		if err := rc.agents.CancelAgent(ctx, a.AgentID); err != nil {
			errs = append(errs, fmt.Errorf("cancel overrun agent %s: %w", a.AgentID, err))
			continue
		}
		if err := rc.reg.Agents.MarkWatchdogEscaped(ctx, a.AgentID); err != nil {
			errs = append(errs, fmt.Errorf("mark watchdog-escaped %s: %w", a.AgentID, err))
		}
		rc.recordEscape("sweep")
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (rc *Reconciler) recordEscape(layer string) {
	if rc.metrics != nil {
		rc.metrics.RecordWatchdogEscape(layer)
	}
}

// sweepClosedBlockers wakes SLEEPING agents whose blocker issue has closed
// without a comment ever arriving to trigger the Event Router's own wake
// path (spec.md §4.7 (b)). An agent's IssueNumber is the issue/PR it is
// parked on.
func (rc *Reconciler) sweepClosedBlockers(ctx context.Context) error {
	if rc.forge == nil {
		return nil
	}

	agents, err := rc.reg.Agents.NonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("load non-terminal agents: %w", err)
	}
	return rc.wakeClosedBlockers(ctx, agents)
}

// wakeClosedBlockers applies the closed-blocker decision to an
// already-fetched agent list, split out so it's testable against a fake
// Forge without a live Registry.
func (rc *Reconciler) wakeClosedBlockers(ctx context.Context, agents []*registry.Agent) error {
	var errs []error
	for _, a := range agents {
		if a.Status != registry.AgentSleeping || a.IssueNumber == 0 {
			continue
		}
		closed, err := rc.issueClosed(ctx, a.IssueNumber)
		if err != nil {
			rc.log.Warn("reconciliation sweep: check blocker issue state", "agent_id", a.AgentID, "issue", a.IssueNumber, "error", err)
			continue
		}
		if !closed {
			continue
		}
		rc.log.Info("reconciliation sweep: waking agent whose blocker issue closed", "agent_id", a.AgentID, "issue", a.IssueNumber)
		if err := rc.agents.WakeAgent(ctx, a.AgentID, registry.JSONMap{"body": "blocker issue closed", "sender": "reconcile"}); err != nil {
			errs = append(errs, fmt.Errorf("wake agent %s: %w", a.AgentID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (rc *Reconciler) issueClosed(ctx context.Context, issueNumber int64) (bool, error) {
	resp, err := rc.forge.Do(ctx, pipeline.ForgeRequest{Method: "GET", URL: fmt.Sprintf("/issues/%d", issueNumber)})
	if err != nil {
		return false, fmt.Errorf("fetch issue %d: %w", issueNumber, err)
	}
	var body struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return false, fmt.Errorf("decode issue %d response: %w", issueNumber, err)
	}
	return body.State == "closed", nil
}

// sweepOrphanedAgents cancels non-terminal agents whose owning pipeline run
// has already reached a terminal status — rows orphaned by a cancellation
// or failure the agent's own finalize path never observed (spec.md §4.7
// (c)).
func (rc *Reconciler) sweepOrphanedAgents(ctx context.Context) error {
	agents, err := rc.reg.Agents.NonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("load non-terminal agents: %w", err)
	}

	var errs []error
	for _, a := range agents {
		if a.PipelineRunID == nil {
			continue
		}
		run, err := rc.reg.PipelineRuns.Get(ctx, *a.PipelineRunID)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load owning run for agent %s: %w", a.AgentID, err))
			continue
		}
		if !run.Status.IsTerminal() {
			continue
		}
		rc.log.Info("reconciliation sweep: cancelling agent orphaned by terminal run", "agent_id", a.AgentID, "run_id", run.RunID, "run_status", run.Status)
		if err := rc.agents.CancelAgent(ctx, a.AgentID); err != nil {
			errs = append(errs, fmt.Errorf("cancel orphaned agent %s: %w", a.AgentID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// sweepStageTimeouts forces stage.on_timeout for gate/human stages that have
// sat in StageRunWaiting past their configured Timeout — the only trigger
// for scenario S3 (spec.md §8), since nothing else polls wall-clock time
// against a waiting stage.
func (rc *Reconciler) sweepStageTimeouts(ctx context.Context) error {
	runs, err := rc.reg.PipelineRuns.NonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("load non-terminal runs: %w", err)
	}
	return rc.timeoutOverdueStages(ctx, runs)
}

// timeoutOverdueStages applies the timeout decision to an already-fetched
// run list, split out so it's testable without a live Registry.
func (rc *Reconciler) timeoutOverdueStages(ctx context.Context, runs []*registry.PipelineRun) error {
	now := time.Now()
	var errs []error
	for _, run := range runs {
		if run.CurrentStageID == "" {
			continue
		}
		var def config.PipelineDefinition
		if err := json.Unmarshal(run.DefinitionSnapshot, &def); err != nil {
			errs = append(errs, fmt.Errorf("unmarshal definition for run %s: %w", run.RunID, err))
			continue
		}
		stage, ok := def.StageByID(run.CurrentStageID)
		if !ok || (stage.Type != config.StageTypeGate && stage.Type != config.StageTypeHuman) || stage.Timeout == "" {
			continue
		}
		dur, err := time.ParseDuration(stage.Timeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse timeout for run %s stage %s: %w", run.RunID, stage.ID, err))
			continue
		}
		sr, err := rc.reg.StageRuns.LatestAttempt(ctx, run.RunID, stage.ID)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load stage run for %s/%s: %w", run.RunID, stage.ID, err))
			continue
		}
		if sr.Status != registry.StageRunWaiting || sr.StartedAt == nil || now.Sub(*sr.StartedAt) < dur {
			continue
		}
		rc.log.Info("reconciliation sweep: stage timed out", "run_id", run.RunID, "stage_id", stage.ID, "timeout", stage.Timeout)
		if err := rc.engine.TimeoutStage(ctx, run.RunID, stage.ID); err != nil {
			errs = append(errs, fmt.Errorf("timeout stage %s/%s: %w", run.RunID, stage.ID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
