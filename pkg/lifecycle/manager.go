// Package lifecycle implements the Agent Lifecycle Manager (spec.md §4.3):
// it bridges `agent` pipeline stages to opaque session-workers over
// pkg/session.Bridge, enforces the three-layer timeout/circuit-breaker
// model (§4.3.2), and answers the Event Router's lifecycle hooks (§4.3.3).
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/event"
	"github.com/squadron/squadron/pkg/pipeline"
	"github.com/squadron/squadron/pkg/registry"
	"github.com/squadron/squadron/pkg/session"
)

// ErrAtCapacity is returned by StartAgent when the global or per-role
// concurrency semaphore has no free slot, mirroring tarsy's
// queue.ErrAtCapacity. Stage-level on_error/retry config decides what
// happens next; reconciliation also retries pending agent stages.
var ErrAtCapacity = errors.New("lifecycle: at agent concurrency capacity")

// StageAdvancer is the subset of the Pipeline Engine the Lifecycle Manager
// calls back into once a session-worker reports a terminal event
// (spec.md §4.3.1 complete_agent "delivers completion signal to the owning
// pipeline stage"). Implemented by *pipeline.Engine.
type StageAdvancer interface {
	AdvanceStageRun(ctx context.Context, runID, stageID string) error
}

// Manager is the Agent Lifecycle Manager. It implements
// pipeline.AgentManager and event.LifecycleHooks.
type Manager struct {
	reg    *registry.Registry
	bridge session.Bridge
	roles  config.AgentRolesConfig
	queue  *config.QueueConfig
	system *config.SystemConfig
	wt     *worktreeAllocator
	cb     *roleBreakers

	engine StageAdvancer

	globalSem chan struct{}
	roleMu    sync.Mutex
	roleSems  map[string]chan struct{}

	wdMu      sync.Mutex
	watchdogs map[string]context.CancelFunc
	releases  map[string]func()

	stopCh chan struct{}
	wg     sync.WaitGroup

	log *slog.Logger
}

// NewManager wires the Lifecycle Manager's dependencies. SetEngine must be
// called once the Pipeline Engine exists (the two packages are built
// together and neither can construct the other first).
func NewManager(reg *registry.Registry, bridge session.Bridge, roles config.AgentRolesConfig, queue *config.QueueConfig, system *config.SystemConfig) *Manager {
	return &Manager{
		reg:       reg,
		bridge:    bridge,
		roles:     roles,
		queue:     queue,
		system:    system,
		wt:        newWorktreeAllocator(system.RepoPath, system.WorktreeRoot),
		cb:        newRoleBreakers(),
		globalSem: make(chan struct{}, max(1, queue.MaxConcurrentAgents)),
		roleSems:  map[string]chan struct{}{},
		watchdogs: map[string]context.CancelFunc{},
		releases:  map[string]func(){},
		stopCh:    make(chan struct{}),
		log:       slog.With("component", "lifecycle"),
	}
}

// SetEngine attaches the Pipeline Engine callback. Must be called before
// Start.
func (m *Manager) SetEngine(engine StageAdvancer) { m.engine = engine }

// Start launches the session-event consumption loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.consumeEvents(ctx)
}

// Stop signals every running watchdog and the event loop to exit and waits
// for them to finish.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wdMu.Lock()
	for _, cancel := range m.watchdogs {
		cancel()
	}
	m.wdMu.Unlock()
	m.wg.Wait()
}

// StartAgent implements pipeline.AgentManager (spec.md §4.3.1 create_agent).
func (m *Manager) StartAgent(ctx context.Context, req pipeline.StartAgentRequest) (*registry.Agent, error) {
	roleCfg := m.roles.For(req.Role)

	if existing, err := m.continueOrSingleton(ctx, req, roleCfg); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	release, err := m.acquire(req.Role, roleCfg)
	if err != nil {
		return nil, err
	}

	agentID := fmt.Sprintf("%s-%d-%s", req.Role, req.IssueNumber, uuid.NewString()[:8])
	branch, worktreePath, tag, err := m.wt.allocate(roleCfg, agentID)
	if err != nil {
		release()
		return nil, fmt.Errorf("allocate workspace for agent %s: %w", agentID, err)
	}

	now := time.Now()
	a := &registry.Agent{
		AgentID:         agentID,
		Role:            req.Role,
		IssueNumber:     req.IssueNumber,
		SessionID:       agentID,
		Status:          registry.AgentActive,
		Branch:          branch,
		WorktreePath:    worktreePath,
		PRNumber:        req.PRNumber,
		PipelineRunID:   &req.RunID,
		PipelineStageID: &req.StageID,
		ActiveSince:     &now,
		LifecycleTag:    tag,
	}

	systemPrompt := fmt.Sprintf("You are the %s agent working issue #%d.", req.Role, req.IssueNumber)
	if err := m.cb.guardStart(req.Role, func() error {
		return m.bridge.Start(ctx, agentID, systemPrompt, nil, req.Action)
	}); err != nil {
		release()
		m.wt.release(a)
		return nil, fmt.Errorf("start session for agent %s: %w", agentID, err)
	}

	if err := m.reg.Agents.Create(ctx, a); err != nil {
		_ = m.bridge.Cancel(ctx, agentID)
		release()
		m.wt.release(a)
		return nil, fmt.Errorf("create agent record: %w", err)
	}

	m.setRelease(agentID, release)
	m.startWatchdog(agentID, roleCfg.MaxActiveDuration)
	m.recordActivity(ctx, &agentID, req.RunID, "agent.created", registry.JSONMap{"role": req.Role, "stage": req.StageID})
	return a, nil
}

// continueOrSingleton implements the singleton-role dedup and
// continue_session lookup (spec.md §4.3.1, Open Question #3). A non-nil
// Agent means the caller should return it directly without starting a new
// session; a nil Agent with nil error means proceed to create a fresh one.
func (m *Manager) continueOrSingleton(ctx context.Context, req pipeline.StartAgentRequest, roleCfg config.AgentRoleConfig) (*registry.Agent, error) {
	if !req.ContinueSession && !roleCfg.Singleton {
		return nil, nil
	}

	existing, err := m.reg.Agents.GetActiveByRoleAndIssue(ctx, req.Role, req.IssueNumber)
	if errors.Is(err, registry.ErrNotFound) {
		if req.ContinueSession && !roleCfg.Singleton {
			return nil, fmt.Errorf("lifecycle: no prior session to continue for role %s issue %d", req.Role, req.IssueNumber)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup active agent: %w", err)
	}

	if existing.Status == registry.AgentSleeping {
		if err := m.wakeLocked(ctx, existing, nil); err != nil {
			return nil, err
		}
	}
	existing.PipelineRunID = &req.RunID
	existing.PipelineStageID = &req.StageID
	if err := m.reg.Agents.UpdateStatus(ctx, existing.AgentID, registry.AgentActive, nil, nil); err != nil {
		return nil, fmt.Errorf("reattach agent %s: %w", existing.AgentID, err)
	}
	return existing, nil
}

// WakeAgent implements pipeline.AgentManager (spec.md §4.3.1 wake_agent).
func (m *Manager) WakeAgent(ctx context.Context, agentID string, mail registry.JSONMap) error {
	a, err := m.reg.Agents.GetActive(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", agentID, err)
	}
	return m.wakeLocked(ctx, a, mail)
}

func (m *Manager) wakeLocked(ctx context.Context, a *registry.Agent, mail registry.JSONMap) error {
	if mail != nil {
		msg := &registry.MailMessage{AgentID: a.AgentID, MessageID: uuid.NewString(), Body: mail}
		if err := m.reg.Mailbox.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("enqueue mail for agent %s: %w", a.AgentID, err)
		}
	}

	if a.Status != registry.AgentSleeping {
		// Already active: mail is picked up by the worker's own mailbox
		// poll (spec.md §4.6); nothing else to do here.
		return nil
	}

	roleCfg := m.roles.For(a.Role)
	if a.IterationCount+1 > roleCfg.MaxIterations {
		return m.finalizeAgent(ctx, a.AgentID, registry.AgentEscalated, nil, "max_iterations exceeded on wake")
	}

	drained, err := m.reg.Mailbox.Drain(ctx, a.AgentID)
	if err != nil {
		return fmt.Errorf("drain mailbox for agent %s: %w", a.AgentID, err)
	}
	messages := make([]string, 0, len(drained))
	for _, d := range drained {
		if body, ok := d.Body["body"].(string); ok {
			messages = append(messages, body)
		}
	}

	if err := m.bridge.Resume(ctx, a.AgentID, messages); err != nil {
		return fmt.Errorf("resume session for agent %s: %w", a.AgentID, err)
	}
	if err := m.reg.Agents.IncrementCounters(ctx, a.AgentID, 1, 0); err != nil {
		return fmt.Errorf("increment iteration counter for agent %s: %w", a.AgentID, err)
	}

	now := time.Now()
	if err := m.reg.Agents.UpdateStatus(ctx, a.AgentID, registry.AgentActive, &now, nil); err != nil {
		return fmt.Errorf("mark agent %s active: %w", a.AgentID, err)
	}
	m.startWatchdog(a.AgentID, roleCfg.MaxActiveDuration)
	m.recordActivity(ctx, &a.AgentID, "", "agent.woken", registry.JSONMap{"mail_count": len(messages)})
	return nil
}

// CancelAgent implements pipeline.AgentManager. Cancellation is best-effort
// against the session-worker; the Registry is always updated. Idempotent:
// finalizeAgent is a no-op for an agent that's already terminal.
func (m *Manager) CancelAgent(ctx context.Context, agentID string) error {
	_ = m.bridge.Cancel(ctx, agentID)
	return m.finalizeAgent(ctx, agentID, registry.AgentFailed, nil, "cancelled")
}

// HandleLifecycleEvent implements event.LifecycleHooks (spec.md §4.3.3).
func (m *Manager) HandleLifecycleEvent(ctx context.Context, ev event.Event) error {
	switch ev.Type {
	case "pull_request_review.submitted":
		return m.onReviewSubmitted(ctx, ev)
	case "pull_request.synchronize":
		if ev.PRNumber == 0 {
			return nil
		}
		return m.reg.Approvals.MarkAllStale(ctx, ev.PRNumber)
	case "issue_comment.created", "pull_request_review_comment.created":
		return m.onComment(ctx, ev)
	default:
		return nil
	}
}

func (m *Manager) onReviewSubmitted(ctx context.Context, ev event.Event) error {
	if ev.PRNumber == 0 {
		return nil
	}
	state, _ := ev.Payload["state"].(string)
	reviewID, _ := ev.Payload["review_id"].(string)

	a := &registry.PRApproval{
		PRNumber: ev.PRNumber,
		Role:     "human:" + ev.Sender,
		Approved: state == "approved",
		Reviewer: ev.Sender,
		ReviewID: reviewID,
	}
	return m.reg.Approvals.RecordApproval(ctx, a)
}

func (m *Manager) onComment(ctx context.Context, ev event.Event) error {
	issueNumber := ev.IssueNumber
	if issueNumber == 0 {
		issueNumber = ev.PRNumber
	}
	if issueNumber == 0 {
		return nil
	}

	body, _ := ev.Payload["body"].(string)
	sleeping, err := m.reg.Agents.SleepingForIssue(ctx, issueNumber)
	if err != nil {
		return fmt.Errorf("query sleeping agents for issue %d: %w", issueNumber, err)
	}

	var errs []error
	for _, a := range sleeping {
		if err := m.WakeAgent(ctx, a.AgentID, registry.JSONMap{"body": body, "sender": ev.Sender}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("waking %d agent(s) for issue %d: %v", len(errs), issueNumber, errs)
	}
	return nil
}

// consumeEvents translates the session bridge's synthetic event stream
// into Registry writes and Pipeline Engine advances.
func (m *Manager) consumeEvents(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-m.bridge.Events():
			if !ok {
				return
			}
			m.handleSessionEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleSessionEvent(ctx context.Context, ev session.Event) {
	switch ev.Type {
	case session.EventAgentCompleted:
		if err := m.finalizeAgent(ctx, ev.SessionID, registry.AgentCompleted, ev.Outputs, ev.Summary); err != nil {
			m.log.Error("finalize completed agent", "agent_id", ev.SessionID, "error", err)
		}
	case session.EventAgentEscalated:
		if err := m.finalizeAgent(ctx, ev.SessionID, registry.AgentEscalated, nil, ev.Reason); err != nil {
			m.log.Error("finalize escalated agent", "agent_id", ev.SessionID, "error", err)
		}
	case session.EventAgentBlocked:
		if err := m.sleepAgent(ctx, ev.SessionID, ev.Reason); err != nil {
			m.log.Error("sleep blocked agent", "agent_id", ev.SessionID, "error", err)
		}
	case session.EventToolCallStarted, session.EventToolCallFinished:
		m.recordActivity(ctx, &ev.SessionID, "", "agent."+string(ev.Type), registry.JSONMap{
			"tool": ev.ToolName, "ok": ev.OK, "duration_ms": ev.DurationMS,
		})
		if ev.Type == session.EventToolCallFinished {
			_ = m.reg.Agents.IncrementCounters(ctx, ev.SessionID, 0, 1)
		}
	}
}

func (m *Manager) sleepAgent(ctx context.Context, agentID, reason string) error {
	now := time.Now()
	m.cancelWatchdog(agentID)
	if err := m.reg.Agents.UpdateStatus(ctx, agentID, registry.AgentSleeping, nil, &now); err != nil {
		return fmt.Errorf("mark agent %s sleeping: %w", agentID, err)
	}
	m.recordActivity(ctx, &agentID, "", "agent.sleeping", registry.JSONMap{"reason": reason})
	return nil
}

// finalizeAgent folds an agent's outputs onto its bound stage run (kept
// non-terminal so pkg/pipeline's collectAgentOutputs can still read
// sr.Outputs after the agent row itself goes terminal), then marks the
// agent terminal and re-drives the Pipeline Engine.
func (m *Manager) finalizeAgent(ctx context.Context, agentID string, status registry.AgentStatus, outputs registry.JSONMap, note string) error {
	a, err := m.reg.Agents.GetActive(ctx, agentID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil // already finalized; idempotent retry
	}
	if err != nil {
		return fmt.Errorf("load agent %s: %w", agentID, err)
	}

	m.cancelWatchdog(agentID)
	m.wt.release(a)
	m.popRelease(agentID)()

	var runID, stageID string
	if a.PipelineRunID != nil {
		runID = *a.PipelineRunID
	}
	if a.PipelineStageID != nil {
		stageID = *a.PipelineStageID
	}

	if runID != "" && stageID != "" {
		if sr, err := m.reg.StageRuns.LatestAttempt(ctx, runID, stageID); err == nil {
			if err := m.reg.StageRuns.UpdateStatus(ctx, sr.ID, registry.StageRunWaiting, outputs, ""); err != nil {
				return fmt.Errorf("stash outputs for stage run %d: %w", sr.ID, err)
			}
		} else if !errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("load stage run for agent %s: %w", agentID, err)
		}
	}

	if err := m.reg.Agents.UpdateStatus(ctx, agentID, status, nil, nil); err != nil {
		return fmt.Errorf("mark agent %s %s: %w", agentID, status, err)
	}
	m.recordActivity(ctx, &agentID, runID, "agent."+string(status), registry.JSONMap{"note": note})

	if m.engine != nil && runID != "" && stageID != "" {
		if err := m.engine.AdvanceStageRun(ctx, runID, stageID); err != nil {
			return fmt.Errorf("advance stage run after agent %s: %w", agentID, err)
		}
	}
	return nil
}

func (m *Manager) recordActivity(ctx context.Context, agentID *string, runID, eventType string, meta registry.JSONMap) {
	e := &registry.ActivityEvent{AgentID: agentID, EventType: eventType, Metadata: meta}
	if runID != "" {
		e.PipelineRunID = &runID
	}
	if err := m.reg.Activity.Append(ctx, e); err != nil {
		m.log.Warn("append activity event", "event_type", eventType, "error", err)
	}
}

// acquire reserves one global and (if configured) one per-role concurrency
// slot, returning a release func. Non-blocking: a full semaphore is
// ErrAtCapacity rather than a wait, so a stalled run's lock isn't held
// while queued behind unrelated agent capacity.
func (m *Manager) acquire(role string, roleCfg config.AgentRoleConfig) (func(), error) {
	select {
	case m.globalSem <- struct{}{}:
	default:
		return nil, ErrAtCapacity
	}

	roleSem := m.roleSemFor(role)
	if roleSem != nil {
		select {
		case roleSem <- struct{}{}:
		default:
			<-m.globalSem
			return nil, ErrAtCapacity
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-m.globalSem
			if roleSem != nil {
				<-roleSem
			}
		})
	}, nil
}

func (m *Manager) roleSemFor(role string) chan struct{} {
	limit, ok := m.queue.AgentRoleLimits[role]
	if !ok || limit <= 0 {
		return nil
	}

	m.roleMu.Lock()
	defer m.roleMu.Unlock()
	sem, ok := m.roleSems[role]
	if !ok {
		sem = make(chan struct{}, limit)
		m.roleSems[role] = sem
	}
	return sem
}

// setRelease stashes the concurrency-slot release func created in
// StartAgent, keyed by agent_id, so finalizeAgent can free the same slot
// regardless of how many sleep/wake cycles happened in between.
func (m *Manager) setRelease(agentID string, release func()) {
	m.wdMu.Lock()
	defer m.wdMu.Unlock()
	m.releases[agentID] = release
}

// popRelease returns and forgets the stashed release func, or a no-op if
// none is registered (e.g. a singleton-reuse path that never called
// StartAgent's acquire for this particular agent record).
func (m *Manager) popRelease(agentID string) func() {
	m.wdMu.Lock()
	defer m.wdMu.Unlock()
	release, ok := m.releases[agentID]
	if !ok {
		return func() {}
	}
	delete(m.releases, agentID)
	return release
}
