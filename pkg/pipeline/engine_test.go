package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/event"
	"github.com/squadron/squadron/pkg/registry"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.NewRegistryFromDB(db)
	pipelines := config.NewPipelineRegistry(map[string]*config.PipelineDefinition{})
	e := NewEngine(pipelines, reg, nil, nil, nil, nil, nil, "needs-human")
	return e, mock
}

var pipelineRunColumns = []string{
	"run_id", "pipeline_name", "definition_snapshot", "trigger_event_delivery_id",
	"issue_number", "primary_pr_number", "scope", "status", "current_stage_id", "context",
	"parent_run_id", "parent_stage_id", "nesting_depth", "error_message", "error_stage_id",
	"created_at", "updated_at", "completed_at",
}

var stageRunColumns = []string{
	"id", "run_id", "stage_id", "attempt_number", "status", "agent_id", "branch_id",
	"parent_stage_id", "child_pipeline_run_id", "outputs", "error_message",
	"started_at", "completed_at", "created_at",
}

// TestStartPipelineRejectsExcessiveNestingDepth covers spec.md §8 property 9:
// a sub-pipeline invocation whose parent is already at MaxNestingDepth must
// be rejected with ErrNestingTooDeep before any run row is created.
func TestStartPipelineRejectsExcessiveNestingDepth(t *testing.T) {
	e, mock := newTestEngine(t)
	parentID := "parent-run"

	mock.ExpectQuery(`SELECT run_id, pipeline_name, definition_snapshot`).
		WithArgs(parentID).
		WillReturnRows(sqlmock.NewRows(pipelineRunColumns).AddRow(
			parentID, "outer", []byte(`{}`), "d0",
			nil, nil, string(config.ScopeSinglePR), registry.RunRunning, "stage-1", []byte(`{}`),
			nil, nil, config.MaxNestingDepth, "", "",
			time.Now(), time.Now(), nil,
		))

	def := &config.PipelineDefinition{
		Name:  "inner",
		Scope: config.ScopeSinglePR,
		Stages: []config.StageDefinition{
			{ID: "stage-1", Type: config.StageTypeAction},
		},
	}

	trigger := event.Event{DeliveryID: "delivery-1"}
	_, err := e.StartPipeline(context.Background(), def, trigger, &parentID, "stage-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrNestingTooDeep)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestCancelRunIsNoopWhenAlreadyTerminal covers the idempotency half of
// spec.md §8 property 7 (cascade cancellation must not re-fire against an
// already-finished run): no UPDATE/activity write may be issued.
func TestCancelRunIsNoopWhenAlreadyTerminal(t *testing.T) {
	e, mock := newTestEngine(t)
	runID := "run-1"

	mock.ExpectQuery(`SELECT run_id, pipeline_name, definition_snapshot`).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows(pipelineRunColumns).AddRow(
			runID, "outer", []byte(`{}`), "d0",
			nil, nil, string(config.ScopeSinglePR), registry.RunCompleted, "stage-1", []byte(`{}`),
			nil, nil, 0, "", "",
			time.Now(), time.Now(), time.Now(),
		))

	require.NoError(t, e.CancelRun(context.Background(), runID, "cascade from parent"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestCancelRunMarksRunCancelled covers spec.md §8 property 7's main path:
// cancelling a running run persists RunCancelled with the given reason.
func TestCancelRunMarksRunCancelled(t *testing.T) {
	e, mock := newTestEngine(t)
	runID := "run-2"

	mock.ExpectQuery(`SELECT run_id, pipeline_name, definition_snapshot`).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows(pipelineRunColumns).AddRow(
			runID, "outer", []byte(`{}`), "d0",
			nil, nil, string(config.ScopeSinglePR), registry.RunRunning, "stage-1", []byte(`{}`),
			nil, nil, 0, "", "",
			time.Now(), time.Now(), nil,
		))

	mock.ExpectQuery(`SELECT run_id, pipeline_name, definition_snapshot.*FROM pipeline_runs WHERE parent_run_id`).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows(pipelineRunColumns))

	mock.ExpectQuery(`SELECT id, run_id, stage_id, attempt_number, status, agent_id, branch_id.*FROM stage_runs WHERE run_id = \$1\s+ORDER BY id`).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows(stageRunColumns))

	mock.ExpectExec(`UPDATE pipeline_runs\s+SET status = \$2`).
		WithArgs(runID, registry.RunCancelled, "cascade from parent", "stage-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.CancelRun(context.Background(), runID, "cascade from parent"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
