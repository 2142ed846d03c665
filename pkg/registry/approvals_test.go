package registry

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCheckPRMergeReadySatisfied covers spec.md §8 property 4: the derived
// merge-ready predicate must equal "every requirement row's non-stale
// approved count meets its required count".
func TestCheckPRMergeReadySatisfied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := &ApprovalRepository{db: db}

	mock.ExpectQuery(`SELECT id, pr_number, role, required_count, owning_run_id, created_at`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "pr_number", "role", "required_count", "owning_run_id", "created_at"}).
			AddRow(1, 42, "human:maintainer", 1, "run-1", time.Now()))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM pr_approvals`).
		WithArgs(int64(42), "human:maintainer").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ready, missing, err := repo.CheckPRMergeReady(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Empty(t, missing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckPRMergeReadyMissingRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := &ApprovalRepository{db: db}

	mock.ExpectQuery(`SELECT id, pr_number, role, required_count, owning_run_id, created_at`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "pr_number", "role", "required_count", "owning_run_id", "created_at"}).
			AddRow(1, 42, "human:maintainer", 1, "run-1", time.Now()).
			AddRow(2, 42, "agent:pr-review", 1, "run-1", time.Now()))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM pr_approvals`).
		WithArgs(int64(42), "human:maintainer").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM pr_approvals`).
		WithArgs(int64(42), "agent:pr-review").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	ready, missing, err := repo.CheckPRMergeReady(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, []string{"agent:pr-review"}, missing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckPRMergeReadyNoRequirements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := &ApprovalRepository{db: db}
	mock.ExpectQuery(`SELECT id, pr_number, role, required_count, owning_run_id, created_at`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "pr_number", "role", "required_count", "owning_run_id", "created_at"}))

	ready, missing, err := repo.CheckPRMergeReady(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Empty(t, missing)
}

// TestMarkAllStale covers spec.md §8 property 5 (synchronize invalidation):
// a pull_request.synchronize event must flag every non-stale approval row.
func TestMarkAllStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := &ApprovalRepository{db: db}
	mock.ExpectExec(`UPDATE pr_approvals SET stale = true WHERE pr_number = \$1 AND NOT stale`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.MarkAllStale(context.Background(), 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}
