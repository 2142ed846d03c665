package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/event"
	"github.com/squadron/squadron/pkg/registry"
)

// runLocks serializes all work against a single run_id (spec.md's
// concurrency model: a per-run mutex, never a process-global lock, so
// unrelated runs always proceed in parallel).
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*sync.Mutex)}
}

func (rl *runLocks) forRun(runID string) *sync.Mutex {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		rl.locks[runID] = l
	}
	return l
}

var locks = newRunLocks()

// HandleTrigger implements event.PipelineDispatcher: it matches ev against
// every registered top-level pipeline's trigger and starts a run for each
// match (spec.md §4.1 step 3a, §4.2.2).
func (e *Engine) HandleTrigger(ctx context.Context, ev event.Event) error {
	label, _ := ev.Payload["label"].(string)
	baseBranch, _ := ev.Payload["base_branch"].(string)

	matches := e.pipelines.MatchTrigger(ev.Type, label, baseBranch)
	var firstErr error
	for _, def := range matches {
		if _, err := e.StartPipeline(ctx, def, ev, nil, ""); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartPipeline begins a new run of def (spec.md §4.2.2). When parentRunID
// is non-empty this is a sub-pipeline invocation from a `pipeline` stage;
// nesting depth is rejected beyond config.MaxNestingDepth.
func (e *Engine) StartPipeline(ctx context.Context, def *config.PipelineDefinition, trigger event.Event, parentRunID *string, parentStageID string) (*registry.PipelineRun, error) {
	nestingDepth := 0
	if parentRunID != nil {
		parent, err := e.reg.PipelineRuns.Get(ctx, *parentRunID)
		if err != nil {
			return nil, fmt.Errorf("load parent run: %w", err)
		}
		nestingDepth = parent.NestingDepth + 1
		if nestingDepth > config.MaxNestingDepth {
			return nil, fmt.Errorf("%w: sub-pipeline nesting depth %d exceeds limit %d", registry.ErrNestingTooDeep, nestingDepth, config.MaxNestingDepth)
		}
	}

	snapshot, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("snapshot pipeline definition: %w", err)
	}

	run := &registry.PipelineRun{
		RunID:                  uuid.NewString(),
		PipelineName:           def.Name,
		DefinitionSnapshot:     snapshot,
		TriggerEventDeliveryID: trigger.DeliveryID,
		Scope:                  string(def.Scope),
		Status:                 registry.RunPending,
		Context:                registry.JSONMap{"trigger": triggerScope(trigger)},
		ParentRunID:            parentRunID,
		NestingDepth:           nestingDepth,
	}
	if parentRunID != nil {
		run.ParentStageID = &parentStageID
	}
	if trigger.IssueNumber != 0 {
		v := trigger.IssueNumber
		run.IssueNumber = &v
	}
	if trigger.PRNumber != 0 {
		v := trigger.PRNumber
		run.PrimaryPRNumber = &v
	}

	if err := e.reg.PipelineRuns.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create pipeline run: %w", err)
	}

	if trigger.PRNumber != 0 {
		assoc := &registry.PipelinePRAssociation{
			PipelineRunID: run.RunID,
			PRNumber:      trigger.PRNumber,
			Repo:          trigger.Repo,
			Role:          "primary",
		}
		if err := e.reg.Associations.Create(ctx, assoc); err != nil {
			return nil, fmt.Errorf("record pr association: %w", err)
		}
	}

	e.recordActivity(ctx, run.RunID, "pipeline.started", registry.JSONMap{"pipeline": def.Name})

	first := def.Stages[0]
	return run, e.transitionTo(ctx, run, def, first.ID)
}

// HandleReactive implements event.PipelineDispatcher: it looks up every
// non-terminal run whose definition declares an on_events directive for
// ev.Type and applies it (spec.md §4.2.4).
func (e *Engine) HandleReactive(ctx context.Context, ev event.Event) error {
	var runIDs []string
	if ev.PRNumber != 0 {
		ids, err := e.reg.Associations.RunIDsForPR(ctx, ev.PRNumber, ev.Repo)
		if err != nil {
			return fmt.Errorf("lookup runs for pr: %w", err)
		}
		runIDs = ids
	}

	var firstErr error
	for _, runID := range runIDs {
		if err := e.applyReactive(ctx, runID, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) applyReactive(ctx context.Context, runID string, ev event.Event) error {
	lock := locks.forRun(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.reg.PipelineRuns.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.IsTerminal() {
		return nil
	}

	def, err := e.definitionFor(run)
	if err != nil {
		return err
	}
	directive, ok := def.OnEvents[ev.Type]
	if !ok {
		return nil
	}

	switch directive.Action {
	case "cancel":
		return e.cancelRun(ctx, run, "cancelled by reactive event "+ev.Type)
	case "wake_agent":
		return e.wakeCurrentStageAgent(ctx, run)
	case "notify":
		if e.notifier != nil {
			return e.notifier.Notify(ctx, directive.Message)
		}
		return nil
	case "reevaluate_gates":
		return e.reevaluateWaitingStage(ctx, run, def, ev)
	case "invalidate_and_restart":
		return e.invalidateAndRestart(ctx, run, def, directive)
	default:
		return fmt.Errorf("unknown reactive action %q", directive.Action)
	}
}

func (e *Engine) wakeCurrentStageAgent(ctx context.Context, run *registry.PipelineRun) error {
	sr, err := latestAttemptOrNil(ctx, e.reg.StageRuns, run.RunID, run.CurrentStageID)
	if err != nil {
		return fmt.Errorf("load current stage run: %w", err)
	}
	if sr == nil || sr.AgentID == nil {
		return nil
	}
	return e.agents.WakeAgent(ctx, *sr.AgentID, nil)
}

// latestAttemptOrNil wraps StageRunRepository.LatestAttempt, treating
// registry.ErrNotFound as "no prior attempt" rather than an error.
func latestAttemptOrNil(ctx context.Context, repo *registry.StageRunRepository, runID, stageID string) (*registry.StageRun, error) {
	sr, err := repo.LatestAttempt(ctx, runID, stageID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, nil
	}
	return sr, err
}

// reevaluateWaitingStage implements the reevaluate_gates directive: if the
// current stage is `gate` or `human` and parked in `waiting`, re-invoke its
// executor with the triggering event attached to the context so it can
// minimize re-evaluation to only what that event actually affects (spec.md
// §4.2.4 line "if the current stage is gate or human and in waiting").
func (e *Engine) reevaluateWaitingStage(ctx context.Context, run *registry.PipelineRun, def *config.PipelineDefinition, ev event.Event) error {
	stage, ok := def.StageByID(run.CurrentStageID)
	if !ok || (stage.Type != config.StageTypeGate && stage.Type != config.StageTypeHuman) {
		return nil
	}
	sr, err := latestAttemptOrNil(ctx, e.reg.StageRuns, run.RunID, stage.ID)
	if err != nil {
		return fmt.Errorf("load current stage run: %w", err)
	}
	if sr == nil || sr.Status != registry.StageRunWaiting {
		return nil
	}
	return e.executeStage(withReactiveEvent(ctx, ev), run, def, stage)
}

func (e *Engine) invalidateAndRestart(ctx context.Context, run *registry.PipelineRun, def *config.PipelineDefinition, directive config.ReactiveDirective) error {
	for _, stageID := range directive.InvalidateStages {
		sr, err := latestAttemptOrNil(ctx, e.reg.StageRuns, run.RunID, stageID)
		if err != nil || sr == nil {
			continue
		}
		if err := e.reg.StageRuns.UpdateStatus(ctx, sr.ID, registry.StageRunCancelled, nil, "invalidated by reactive event"); err != nil {
			return err
		}
	}
	restart := directive.RestartFrom
	if restart == "" {
		restart = run.CurrentStageID
	}
	return e.transitionTo(ctx, run, def, restart)
}

// CancelRun is the operator-initiated counterpart to the reactive "cancel"
// directive, invoked by the Dashboard API's POST /pipelines/runs/{id}/cancel
// (spec.md §6). It takes the same per-run lock as reactive handling so an
// operator cancel can never race a concurrent stage transition.
func (e *Engine) CancelRun(ctx context.Context, runID, reason string) error {
	lock := locks.forRun(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.reg.PipelineRuns.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.IsTerminal() {
		return nil
	}
	if reason == "" {
		reason = "cancelled via dashboard"
	}
	return e.cancelRun(ctx, run, reason)
}

func (e *Engine) cancelRun(ctx context.Context, run *registry.PipelineRun, reason string) error {
	if err := e.cascadeCancel(ctx, run, reason); err != nil {
		return fmt.Errorf("cascade cancel: %w", err)
	}
	if err := e.reg.PipelineRuns.Complete(ctx, run.RunID, registry.RunCancelled, reason, run.CurrentStageID); err != nil {
		return err
	}
	e.recordActivity(ctx, run.RunID, "pipeline.cancelled", registry.JSONMap{"reason": reason})
	return nil
}

// cascadeCancel cancels everything run owns before run itself is marked
// cancelled (spec.md §4.2.5, testable property 9): every non-terminal child
// pipeline run (recursively, since a grandchild is a child of a child),
// every non-terminal stage run it owns directly, and any agent bound to one
// of those stage runs.
func (e *Engine) cascadeCancel(ctx context.Context, run *registry.PipelineRun, reason string) error {
	children, err := e.reg.PipelineRuns.ChildrenOf(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("load child runs: %w", err)
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		if err := e.CancelRun(ctx, child.RunID, reason); err != nil {
			return fmt.Errorf("cancel child run %s: %w", child.RunID, err)
		}
	}

	stageRuns, err := e.reg.StageRuns.AllForRun(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("load owned stage runs: %w", err)
	}
	for _, sr := range stageRuns {
		if sr.Status != registry.StageRunRunning && sr.Status != registry.StageRunWaiting {
			continue
		}
		if sr.AgentID != nil && e.agents != nil {
			if err := e.agents.CancelAgent(ctx, *sr.AgentID); err != nil {
				return fmt.Errorf("cancel agent %s for stage run %d: %w", *sr.AgentID, sr.ID, err)
			}
		}
		if err := e.reg.StageRuns.UpdateStatus(ctx, sr.ID, registry.StageRunCancelled, nil, reason); err != nil {
			return fmt.Errorf("cancel stage run %d: %w", sr.ID, err)
		}
	}
	return nil
}

func (e *Engine) definitionFor(run *registry.PipelineRun) (*config.PipelineDefinition, error) {
	var def config.PipelineDefinition
	if err := json.Unmarshal(run.DefinitionSnapshot, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition snapshot: %w", err)
	}
	return &def, nil
}

// transitionTo moves run to targetStageID (or a terminal), persisting the
// new cursor, then executes the stage there.
func (e *Engine) transitionTo(ctx context.Context, run *registry.PipelineRun, def *config.PipelineDefinition, target string) error {
	switch target {
	case config.TerminalComplete:
		return e.finish(ctx, run, registry.RunCompleted, "")
	case config.TerminalFail:
		return e.finish(ctx, run, registry.RunFailed, "")
	case config.TerminalCancel:
		return e.cancelRun(ctx, run, "pipeline reached cancel terminal")
	case config.TerminalEscalate:
		return e.finish(ctx, run, registry.RunEscalated, "")
	}

	stage, ok := def.StageByID(target)
	if !ok {
		return fmt.Errorf("transition target %q is not a known stage or terminal", target)
	}
	run.CurrentStageID = stage.ID
	run.Status = registry.RunRunning
	if err := e.reg.PipelineRuns.UpdateStageAndStatus(ctx, run.RunID, stage.ID, registry.RunRunning); err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}
	return e.executeStage(ctx, run, def, stage)
}

func (e *Engine) finish(ctx context.Context, run *registry.PipelineRun, status registry.RunStatus, errMsg string) error {
	if err := e.reg.PipelineRuns.Complete(ctx, run.RunID, status, errMsg, run.CurrentStageID); err != nil {
		return err
	}
	e.recordActivity(ctx, run.RunID, "pipeline."+string(status), nil)
	if status == registry.RunEscalated {
		e.escalate(ctx, run)
	}
	return nil
}

// escalate applies spec.md §7's user-visible escalation behavior: label
// the PR/issue, post a comment, and notify the maintainers group. Forge
// and notifier failures are logged as activity, not returned — a failed
// best-effort notification must not prevent the run from reaching its
// terminal escalated state.
func (e *Engine) escalate(ctx context.Context, run *registry.PipelineRun) {
	message := fmt.Sprintf("pipeline %s escalated at stage %s", run.PipelineName, run.CurrentStageID)
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, message); err != nil {
			e.recordActivity(ctx, run.RunID, "escalation.notify_failed", registry.JSONMap{"error": err.Error()})
		}
	}

	target := run.PrimaryPRNumber
	if target == nil {
		target = run.IssueNumber
	}
	if target == nil || e.forge == nil {
		return
	}

	if e.escalationLabel != "" {
		labelBody, _ := json.Marshal([]string{e.escalationLabel})
		if _, err := e.forge.Do(ctx, ForgeRequest{
			Method: "POST",
			URL:    fmt.Sprintf("/issues/%d/labels", *target),
			Body:   string(labelBody),
		}); err != nil {
			e.recordActivity(ctx, run.RunID, "escalation.label_failed", registry.JSONMap{"error": err.Error()})
		}
	}

	commentBody, _ := json.Marshal(map[string]string{"body": message})
	if _, err := e.forge.Do(ctx, ForgeRequest{
		Method: "POST",
		URL:    fmt.Sprintf("/issues/%d/comments", *target),
		Body:   string(commentBody),
	}); err != nil {
		e.recordActivity(ctx, run.RunID, "escalation.comment_failed", registry.JSONMap{"error": err.Error()})
	}
}

// executeStage dispatches to the stage-type-specific executor and applies
// its returned transition. Called under the run's lock by every entry point
// that can move a run forward.
func (e *Engine) executeStage(ctx context.Context, run *registry.PipelineRun, def *config.PipelineDefinition, stage config.StageDefinition) error {
	exec, ok := executors[stage.Type]
	if !ok {
		return fmt.Errorf("%w: %s", config.ErrUnknownStageType, stage.Type)
	}

	sr, err := e.currentOrNewStageRun(ctx, run, stage.ID)
	if err != nil {
		return err
	}

	result, err := exec(ctx, e, run, def, stage, sr)
	if err != nil {
		if failErr := e.reg.StageRuns.UpdateStatus(ctx, sr.ID, registry.StageRunFailed, nil, err.Error()); failErr != nil {
			return failErr
		}
		e.recordActivity(ctx, run.RunID, "stage.failed", registry.JSONMap{"stage": stage.ID, "error": err.Error()})
		if stage.OnError != nil {
			return e.transitionTo(ctx, run, def, stage.OnError.Target)
		}
		return e.finish(ctx, run, registry.RunFailed, err.Error())
	}

	if !result.Advance {
		return nil // stage is waiting (human review, delay poll, suspended agent)
	}

	if err := e.reg.StageRuns.UpdateStatus(ctx, sr.ID, result.FinalStatus, result.Outputs, ""); err != nil {
		return err
	}
	e.recordActivity(ctx, run.RunID, "stage.completed", registry.JSONMap{"stage": stage.ID})

	next := result.Next
	if next == "" {
		next = config.TerminalComplete
	}
	return e.transitionTo(ctx, run, def, next)
}

func (e *Engine) currentOrNewStageRun(ctx context.Context, run *registry.PipelineRun, stageID string) (*registry.StageRun, error) {
	existing, err := latestAttemptOrNil(ctx, e.reg.StageRuns, run.RunID, stageID)
	if err != nil {
		return nil, fmt.Errorf("load latest stage run: %w", err)
	}
	if existing != nil && existing.Status == registry.StageRunWaiting {
		return existing, nil
	}

	attempt := 1
	if existing != nil {
		attempt = existing.AttemptNumber + 1
	}
	startedAt := e.clock.Now()
	sr := &registry.StageRun{
		RunID:         run.RunID,
		StageID:       stageID,
		AttemptNumber: attempt,
		Status:        registry.StageRunRunning,
		StartedAt:     &startedAt,
	}
	if err := e.reg.StageRuns.Create(ctx, sr); err != nil {
		return nil, fmt.Errorf("create stage run: %w", err)
	}
	return sr, nil
}

// AdvanceStageRun re-invokes the executor for a single stage run without
// going through transitionTo — used by pkg/reconcile to poll parallel
// branches and delay stages that have no reactive event of their own to
// wake them.
func (e *Engine) AdvanceStageRun(ctx context.Context, runID, stageID string) error {
	lock := locks.forRun(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.reg.PipelineRuns.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	def, err := e.definitionFor(run)
	if err != nil {
		return err
	}
	stage, ok := stageOrBranchByID(def, stageID)
	if !ok {
		return fmt.Errorf("stage %q not found in definition %q", stageID, def.Name)
	}
	if stageID == run.CurrentStageID {
		return e.executeStage(ctx, run, def, stage)
	}

	// A nested (parallel-branch) stage run: re-run its executor directly
	// and persist the result without driving the parent run's transition.
	sr, err := latestAttemptOrNil(ctx, e.reg.StageRuns, runID, stageID)
	if err != nil || sr == nil {
		return err
	}
	exec, ok := executors[stage.Type]
	if !ok {
		return fmt.Errorf("%w: %s", config.ErrUnknownStageType, stage.Type)
	}
	result, err := exec(ctx, e, run, def, stage, sr)
	if err != nil {
		return e.reg.StageRuns.UpdateStatus(ctx, sr.ID, registry.StageRunFailed, nil, err.Error())
	}
	if !result.Advance {
		return nil
	}
	return e.reg.StageRuns.UpdateStatus(ctx, sr.ID, result.FinalStatus, result.Outputs, "")
}

// TimeoutStage applies a waiting stage's configured on_timeout transition
// (gate: OnFail's `then`-on-exhaustion path reuses OnTimeout too when set;
// human: OnTimeout) once the reconciliation sweep has determined its
// configured Timeout has elapsed (spec.md §4.2.1, §8 scenario S3). It is a
// no-op if the run has since moved on — the sweep's view of "still waiting"
// may already be stale by the time this runs.
func (e *Engine) TimeoutStage(ctx context.Context, runID, stageID string) error {
	lock := locks.forRun(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.reg.PipelineRuns.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.IsTerminal() || run.CurrentStageID != stageID {
		return nil
	}
	def, err := e.definitionFor(run)
	if err != nil {
		return err
	}
	stage, ok := def.StageByID(stageID)
	if !ok {
		return nil
	}
	sr, err := latestAttemptOrNil(ctx, e.reg.StageRuns, runID, stageID)
	if err != nil {
		return fmt.Errorf("load current stage run: %w", err)
	}
	if sr == nil || sr.Status != registry.StageRunWaiting {
		return nil
	}

	if err := e.reg.StageRuns.UpdateStatus(ctx, sr.ID, registry.StageRunFailed, nil, "stage timed out"); err != nil {
		return err
	}
	e.recordActivity(ctx, run.RunID, "stage.timed_out", registry.JSONMap{"stage": stage.ID})

	if stage.OnTimeout == nil {
		return e.finish(ctx, run, registry.RunFailed, "stage timed out")
	}
	target := stage.OnTimeout.Target
	if stage.OnTimeout.IsLoop() {
		target = stage.OnTimeout.Then
	}
	return e.transitionTo(ctx, run, def, target)
}

func (e *Engine) recordActivity(ctx context.Context, runID, eventType string, meta registry.JSONMap) {
	if e.activity == nil {
		return
	}
	e.activity.Record(ctx, registry.ActivityEvent{PipelineRunID: &runID, EventType: eventType, Metadata: meta})
}

// stageOrBranchByID resolves either a top-level stage id or a parallel
// branch id of the form "<parent-stage-id>.<branch-name>".
func stageOrBranchByID(def *config.PipelineDefinition, stageID string) (config.StageDefinition, bool) {
	if s, ok := def.StageByID(stageID); ok {
		return s, true
	}
	parentID, branchName, found := strings.Cut(stageID, ".")
	if !found {
		return config.StageDefinition{}, false
	}
	parent, ok := def.StageByID(parentID)
	if !ok || parent.Type != config.StageTypeParallel {
		return config.StageDefinition{}, false
	}
	branch, ok := parent.Branches[branchName]
	if !ok {
		return config.StageDefinition{}, false
	}
	branch.ID = stageID
	return branch, true
}

func triggerScope(ev event.Event) map[string]any {
	return map[string]any{
		"type":         ev.Type,
		"sender":       ev.Sender,
		"repo":         ev.Repo,
		"pr_number":    ev.PRNumber,
		"issue_number": ev.IssueNumber,
		"payload":      ev.Payload,
	}
}
