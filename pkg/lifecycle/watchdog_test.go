package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/registry"
	"github.com/squadron/squadron/pkg/session"
)

func newTestManagerWithMock(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.NewRegistryFromDB(db)
	queue := config.DefaultQueueConfig()
	sys := &config.SystemConfig{RepoPath: "/repo", WorktreeRoot: "/worktrees"}
	m := NewManager(reg, session.NewLocalBridge(), config.AgentRolesConfig{}, queue, sys)
	return m, mock
}

// TestForceTerminateMarksWatchdogEscaped covers spec.md §8 property 6 / S5:
// a backup-timer (or reconciliation-sweep) force-terminate must flag
// watchdog_escaped, cancel the worker, and leave the agent failed — distinct
// from a clean primary-watchdog deadline expiry, which takes the same tail
// without that flag.
func TestForceTerminateMarksWatchdogEscaped(t *testing.T) {
	m, mock := newTestManagerWithMock(t)
	agentID := "reviewer-7-abc123"

	mock.ExpectExec(`UPDATE agents SET watchdog_escaped = true`).
		WithArgs(agentID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`SELECT agent_id, role, issue_number`).
		WithArgs(agentID).
		WillReturnRows(sqlmock.NewRows([]string{
			"agent_id", "role", "issue_number", "session_id", "status", "branch", "worktree_path",
			"pr_number", "pipeline_run_id", "pipeline_stage_id", "active_since", "sleeping_since",
			"last_heartbeat_at", "watchdog_escaped", "iteration_count", "tool_call_count",
			"lifecycle_tag", "created_at", "updated_at",
		}).AddRow(
			agentID, "reviewer", int64(7), agentID, registry.AgentActive, nil, "/repo",
			nil, nil, nil, time.Now(), nil,
			nil, false, 0, 0,
			registry.LifecycleEphemeral, time.Now(), time.Now(),
		))

	mock.ExpectExec(`UPDATE agents SET status = \$2`).
		WithArgs(agentID, registry.AgentFailed, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`INSERT INTO activity_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))

	m.forceTerminate(agentID, "backup timer: primary watchdog unresponsive", true)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestForceTerminateCleanExpiryDoesNotMarkEscaped covers the layer-1 path:
// a plain max_active_duration expiry must not touch watchdog_escaped at all.
func TestForceTerminateCleanExpiryDoesNotMarkEscaped(t *testing.T) {
	m, mock := newTestManagerWithMock(t)
	agentID := "reviewer-7-def456"

	mock.ExpectQuery(`SELECT agent_id, role, issue_number`).
		WithArgs(agentID).
		WillReturnRows(sqlmock.NewRows([]string{
			"agent_id", "role", "issue_number", "session_id", "status", "branch", "worktree_path",
			"pr_number", "pipeline_run_id", "pipeline_stage_id", "active_since", "sleeping_since",
			"last_heartbeat_at", "watchdog_escaped", "iteration_count", "tool_call_count",
			"lifecycle_tag", "created_at", "updated_at",
		}).AddRow(
			agentID, "reviewer", int64(7), agentID, registry.AgentActive, nil, "/repo",
			nil, nil, nil, time.Now(), nil,
			nil, false, 0, 0,
			registry.LifecycleEphemeral, time.Now(), time.Now(),
		))

	mock.ExpectExec(`UPDATE agents SET status = \$2`).
		WithArgs(agentID, registry.AgentFailed, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`INSERT INTO activity_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))

	m.forceTerminate(agentID, "max_active_duration exceeded", false)

	// No "UPDATE agents SET watchdog_escaped" expectation was set, so if
	// forceTerminate had called it this assertion would fail with an
	// unmet-expectation mismatch on the status update instead.
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestBackupTimerFiresWhenPrimaryWedged models a primary watchdog goroutine
// that never reaches its own deadline branch (as if it were destroyed) by
// running only runBackupTimer, with a 20ms delay standing in for
// maxActiveDuration + BackupTimerSlack — the backup timer must still flag
// watchdog_escaped and force-terminate the agent (spec.md §8 property 6).
func TestBackupTimerFiresWhenPrimaryWedged(t *testing.T) {
	m, mock := newTestManagerWithMock(t)
	agentID := "reviewer-9-ghi789"

	mock.ExpectExec(`UPDATE agents SET watchdog_escaped = true`).
		WithArgs(agentID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`SELECT agent_id, role, issue_number`).
		WithArgs(agentID).
		WillReturnRows(sqlmock.NewRows([]string{
			"agent_id", "role", "issue_number", "session_id", "status", "branch", "worktree_path",
			"pr_number", "pipeline_run_id", "pipeline_stage_id", "active_since", "sleeping_since",
			"last_heartbeat_at", "watchdog_escaped", "iteration_count", "tool_call_count",
			"lifecycle_tag", "created_at", "updated_at",
		}).AddRow(
			agentID, "reviewer", int64(9), agentID, registry.AgentActive, nil, "/repo",
			nil, nil, nil, time.Now(), nil,
			nil, false, 0, 0,
			registry.LifecycleEphemeral, time.Now(), time.Now(),
		))

	mock.ExpectExec(`UPDATE agents SET status = \$2`).
		WithArgs(agentID, registry.AgentFailed, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`INSERT INTO activity_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))

	// Run only the backup timer directly, bypassing runWatchdog, to model
	// a primary watchdog that never fires its own deadline case.
	ctx, cancel := context.WithCancel(context.Background())
	m.wdMu.Lock()
	m.watchdogs[agentID] = cancel
	m.wdMu.Unlock()
	m.wg.Add(1)

	done := make(chan struct{})
	go func() {
		m.runBackupTimer(ctx, agentID, 20*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("backup timer did not fire in time")
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}
