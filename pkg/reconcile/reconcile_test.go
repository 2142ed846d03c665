package reconcile

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/pipeline"
	"github.com/squadron/squadron/pkg/registry"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStageAdvancer struct {
	advanced []string
	timedOut []string
}

func (f *fakeStageAdvancer) AdvanceStageRun(_ context.Context, runID, stageID string) error {
	f.advanced = append(f.advanced, runID+"/"+stageID)
	return nil
}

func (f *fakeStageAdvancer) TimeoutStage(_ context.Context, runID, stageID string) error {
	f.timedOut = append(f.timedOut, runID+"/"+stageID)
	return nil
}

type fakeAgentManager struct {
	cancelled []string
	woken     []string
}

func (f *fakeAgentManager) CancelAgent(_ context.Context, agentID string) error {
	f.cancelled = append(f.cancelled, agentID)
	return nil
}

func (f *fakeAgentManager) WakeAgent(_ context.Context, agentID string, _ registry.JSONMap) error {
	f.woken = append(f.woken, agentID)
	return nil
}

var _ pipeline.Forge = (*fakeForge)(nil)

type fakeForge struct {
	resp pipeline.ForgeResponse
	err  error
}

func (f *fakeForge) Do(_ context.Context, _ pipeline.ForgeRequest) (pipeline.ForgeResponse, error) {
	return f.resp, f.err
}

func TestForceFailOverrunCancelsOnlyPastDeadline(t *testing.T) {
	staleSince := time.Now().Add(-2 * time.Hour)
	fresh := time.Now()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(`UPDATE agents SET watchdog_escaped = true WHERE agent_id = \$1`).
		WithArgs("stale-agent").
		WillReturnResult(sqlmock.NewResult(0, 1))

	roles := config.AgentRolesConfig{"reviewer": {MaxActiveDuration: 30 * time.Minute}}
	agentMgr := &fakeAgentManager{}
	rc := &Reconciler{reg: registry.NewRegistryFromDB(db), agents: agentMgr, roles: roles, log: noopLogger()}

	agents := []*registry.Agent{
		{AgentID: "stale-agent", Role: "reviewer", Status: registry.AgentActive, ActiveSince: &staleSince},
		{AgentID: "fresh-agent", Role: "reviewer", Status: registry.AgentActive, ActiveSince: &fresh},
		{AgentID: "sleeping-agent", Role: "reviewer", Status: registry.AgentSleeping},
	}

	require.NoError(t, rc.forceFailOverrun(context.Background(), agents))
	require.Equal(t, []string{"stale-agent"}, agentMgr.cancelled)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestForceFailOverrunAppliesDefaultLimitToUnconfiguredRole covers a role
// absent from agent_roles: it falls back to the default 30m
// max_active_duration, so an agent ACTIVE for 48h is force-failed.
func TestForceFailOverrunAppliesDefaultLimitToUnconfiguredRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(`UPDATE agents SET watchdog_escaped = true WHERE agent_id = \$1`).
		WithArgs("default-role-agent").
		WillReturnResult(sqlmock.NewResult(0, 1))

	staleSince := time.Now().Add(-48 * time.Hour)
	roles := config.AgentRolesConfig{}
	agentMgr := &fakeAgentManager{}
	rc := &Reconciler{reg: registry.NewRegistryFromDB(db), agents: agentMgr, roles: roles, log: noopLogger()}

	agents := []*registry.Agent{
		{AgentID: "default-role-agent", Role: "unknown", Status: registry.AgentActive, ActiveSince: &staleSince},
	}

	require.NoError(t, rc.forceFailOverrun(context.Background(), agents))
	require.Equal(t, []string{"default-role-agent"}, agentMgr.cancelled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWakeClosedBlockersWakesOnlyClosedIssues(t *testing.T) {
	agentMgr := &fakeAgentManager{}
	rc := &Reconciler{
		agents: agentMgr,
		forge:  &fakeForge{resp: pipeline.ForgeResponse{StatusCode: 200, Body: []byte(`{"state":"closed"}`)}},
		log:    noopLogger(),
	}

	agents := []*registry.Agent{
		{AgentID: "blocked-agent", Status: registry.AgentSleeping, IssueNumber: 42},
		{AgentID: "active-agent", Status: registry.AgentActive, IssueNumber: 42},
		{AgentID: "no-issue-agent", Status: registry.AgentSleeping},
	}

	require.NoError(t, rc.wakeClosedBlockers(context.Background(), agents))
	require.Equal(t, []string{"blocked-agent"}, agentMgr.woken)
}

func TestWakeClosedBlockersSkipsOpenIssues(t *testing.T) {
	agentMgr := &fakeAgentManager{}
	rc := &Reconciler{
		agents: agentMgr,
		forge:  &fakeForge{resp: pipeline.ForgeResponse{StatusCode: 200, Body: []byte(`{"state":"open"}`)}},
		log:    noopLogger(),
	}

	agents := []*registry.Agent{{AgentID: "blocked-agent", Status: registry.AgentSleeping, IssueNumber: 42}}

	require.NoError(t, rc.wakeClosedBlockers(context.Background(), agents))
	require.Empty(t, agentMgr.woken)
}

func TestWakeClosedBlockersNoopsWithoutForge(t *testing.T) {
	rc := &Reconciler{agents: &fakeAgentManager{}, forge: nil, log: noopLogger()}
	require.NoError(t, rc.sweepClosedBlockers(context.Background()))
}

func TestStageAdvancerInterfaceSatisfiedByFake(t *testing.T) {
	var sa StageAdvancer = &fakeStageAdvancer{}
	require.NoError(t, sa.AdvanceStageRun(context.Background(), "run-a", "review"))
	require.NoError(t, sa.TimeoutStage(context.Background(), "run-a", "review"))

	advancer := sa.(*fakeStageAdvancer)
	require.Equal(t, []string{"run-a/review"}, advancer.advanced)
	require.Equal(t, []string{"run-a/review"}, advancer.timedOut)
}

func TestIssueClosedParsesForgeResponse(t *testing.T) {
	rc := &Reconciler{forge: &fakeForge{resp: pipeline.ForgeResponse{StatusCode: 200, Body: []byte(`{"state":"closed"}`)}}}

	closed, err := rc.issueClosed(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, closed)
}

var stageRunColumns = []string{
	"id", "run_id", "stage_id", "attempt_number", "status", "agent_id", "branch_id",
	"parent_stage_id", "child_pipeline_run_id", "outputs", "error_message",
	"started_at", "completed_at", "created_at",
}

// TestTimeoutOverdueStagesFiresOnlyPastDeadline covers spec.md §8 scenario
// S3: a gate/human stage that has sat in StageRunWaiting past its configured
// Timeout is forced through Engine.TimeoutStage; one still within its
// window is left alone.
func TestTimeoutOverdueStagesFiresOnlyPastDeadline(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := registry.NewRegistryFromDB(db)
	advancer := &fakeStageAdvancer{}
	rc := &Reconciler{reg: reg, engine: advancer, log: noopLogger()}

	def := config.PipelineDefinition{
		Name:  "review",
		Scope: config.ScopeSinglePR,
		Stages: []config.StageDefinition{
			{ID: "await-approval", Type: config.StageTypeHuman, WaitFor: "approval", Timeout: "1h"},
		},
	}
	defJSON, err := json.Marshal(def)
	require.NoError(t, err)

	overdueSince := time.Now().Add(-2 * time.Hour)
	freshSince := time.Now()

	runs := []*registry.PipelineRun{
		{RunID: "run-overdue", PipelineName: "review", DefinitionSnapshot: defJSON, CurrentStageID: "await-approval", Status: registry.RunRunning},
		{RunID: "run-fresh", PipelineName: "review", DefinitionSnapshot: defJSON, CurrentStageID: "await-approval", Status: registry.RunRunning},
	}

	mock.ExpectQuery(`SELECT id, run_id, stage_id, attempt_number, status, agent_id, branch_id.*FROM stage_runs WHERE run_id = \$1 AND stage_id = \$2`).
		WithArgs("run-overdue", "await-approval").
		WillReturnRows(sqlmock.NewRows(stageRunColumns).AddRow(
			1, "run-overdue", "await-approval", 1, registry.StageRunWaiting, nil, nil,
			nil, nil, []byte(`{}`), "", overdueSince, nil, overdueSince,
		))
	mock.ExpectQuery(`SELECT id, run_id, stage_id, attempt_number, status, agent_id, branch_id.*FROM stage_runs WHERE run_id = \$1 AND stage_id = \$2`).
		WithArgs("run-fresh", "await-approval").
		WillReturnRows(sqlmock.NewRows(stageRunColumns).AddRow(
			2, "run-fresh", "await-approval", 1, registry.StageRunWaiting, nil, nil,
			nil, nil, []byte(`{}`), "", freshSince, nil, freshSince,
		))

	require.NoError(t, rc.timeoutOverdueStages(context.Background(), runs))
	require.Equal(t, []string{"run-overdue/await-approval"}, advancer.timedOut)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestTimeoutOverdueStagesSkipsStagesWithoutTimeout covers a stage with no
// configured timeout: it must never be forced regardless of how long it has
// waited, and no stage_runs lookup should even be issued.
func TestTimeoutOverdueStagesSkipsStagesWithoutTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := registry.NewRegistryFromDB(db)
	advancer := &fakeStageAdvancer{}
	rc := &Reconciler{reg: reg, engine: advancer, log: noopLogger()}

	def := config.PipelineDefinition{
		Name:  "review",
		Scope: config.ScopeSinglePR,
		Stages: []config.StageDefinition{
			{ID: "await-approval", Type: config.StageTypeHuman, WaitFor: "approval"},
		},
	}
	defJSON, err := json.Marshal(def)
	require.NoError(t, err)

	runs := []*registry.PipelineRun{
		{RunID: "run-1", PipelineName: "review", DefinitionSnapshot: defJSON, CurrentStageID: "await-approval", Status: registry.RunRunning},
	}

	require.NoError(t, rc.timeoutOverdueStages(context.Background(), runs))
	require.Empty(t, advancer.timedOut)
	require.NoError(t, mock.ExpectationsWereMet())
}
