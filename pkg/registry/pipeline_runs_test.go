package registry

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPipelineRunCreateDeduplicatesByDeliveryID covers spec.md §8 property
// 1 / S6: a second run created with the same trigger_event_delivery_id must
// surface ErrDuplicateDelivery rather than silently succeeding.
func TestPipelineRunCreateDeduplicatesByDeliveryID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := &PipelineRunRepository{db: db}
	run := &PipelineRun{
		RunID:                  "run-1",
		PipelineName:           "pr-lifecycle",
		TriggerEventDeliveryID: "d1",
		Scope:                  "single-pr",
		Status:                 RunPending,
	}

	mock.ExpectQuery(`INSERT INTO pipeline_runs`).WillReturnError(&pgconn.PgError{Code: "23505"})

	createErr := repo.Create(context.Background(), run)
	assert.ErrorIs(t, createErr, ErrDuplicateDelivery)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPipelineRunCreateSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := &PipelineRunRepository{db: db}
	run := &PipelineRun{
		RunID:                  "run-1",
		PipelineName:           "pr-lifecycle",
		TriggerEventDeliveryID: "d1",
		Scope:                  "single-pr",
		Status:                 RunPending,
		Context:                JSONMap{"trigger": "x"},
	}

	mock.ExpectQuery(`INSERT INTO pipeline_runs`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))

	require.NoError(t, repo.Create(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestUpdateStageAndStatusIsSingleWrite covers spec.md §4.2.2's crash-safety
// requirement: advancing a run's cursor is one durable statement.
func TestUpdateStageAndStatusIsSingleWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := &PipelineRunRepository{db: db}
	mock.ExpectExec(`UPDATE pipeline_runs SET current_stage_id = \$2, status = \$3`).
		WithArgs("run-1", "approval-gate", RunRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateStageAndStatus(context.Background(), "run-1", "approval-gate", RunRunning))
	assert.NoError(t, mock.ExpectationsWereMet())
}
