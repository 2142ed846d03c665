package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/registry"
)

type fakeGateEvaluator struct {
	reactive map[string][]string
	calls    int
	passed   bool
	message  string
}

func (f *fakeGateEvaluator) Evaluate(_ context.Context, check config.GateConditionConfig, _ map[string]any) (bool, string, registry.JSONMap, error) {
	f.calls++
	return f.passed, f.message, nil, nil
}

func (f *fakeGateEvaluator) ReactiveEventsFor(check string) []string {
	return f.reactive[check]
}

func newTestEngineWithGates(t *testing.T, gates GateEvaluator) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.NewRegistryFromDB(db)
	pipelines := config.NewPipelineRegistry(map[string]*config.PipelineDefinition{})
	e := NewEngine(pipelines, reg, nil, gates, nil, nil, nil, "needs-human")
	return e, mock
}

// TestEvaluateGateCheckReusesCachedResultOutsideReactiveEvents covers
// spec.md §4.4's reactive minimization (testable property 10): a reactive
// wake whose triggering event type isn't among the check's reactive_events
// must reuse the cached gate_checks row instead of calling Evaluate again.
func TestEvaluateGateCheckReusesCachedResultOutsideReactiveEvents(t *testing.T) {
	fake := &fakeGateEvaluator{reactive: map[string][]string{"ci_status": {"check_suite.completed"}}, passed: false}
	e, mock := newTestEngineWithGates(t, fake)

	mock.ExpectQuery(`SELECT id, stage_run_id, check_type, check_config_snapshot, passed, message, result_data, checked_at\s+FROM gate_checks`).
		WithArgs(int64(42), "ci_status").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "stage_run_id", "check_type", "check_config_snapshot", "passed", "message", "result_data", "checked_at",
		}).AddRow(1, int64(42), "ci_status", []byte(`{}`), true, "cached pass", nil, time.Now()))

	check := config.GateConditionConfig{Check: "ci_status"}
	passed, message, _, err := evaluateGateCheck(context.Background(), e, check, map[string]any{}, 42, "pull_request_review.submitted", true)

	require.NoError(t, err)
	assert.True(t, passed)
	assert.Equal(t, "cached pass", message)
	assert.Equal(t, 0, fake.calls, "Evaluate must not be called when reusing a cached result")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestEvaluateGateCheckRunsFreshWhenTriggerEventMatches covers the other
// half of testable property 10: when the triggering event IS among the
// check's reactive_events, it evaluates fresh and records a new row.
func TestEvaluateGateCheckRunsFreshWhenTriggerEventMatches(t *testing.T) {
	fake := &fakeGateEvaluator{reactive: map[string][]string{"ci_status": {"check_suite.completed"}}, passed: true, message: "green"}
	e, mock := newTestEngineWithGates(t, fake)

	mock.ExpectQuery(`INSERT INTO gate_checks`).
		WithArgs(int64(42), "ci_status", []byte(`{}`), true, "green", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "checked_at"}).AddRow(1, time.Now()))

	check := config.GateConditionConfig{Check: "ci_status"}
	passed, message, _, err := evaluateGateCheck(context.Background(), e, check, map[string]any{}, 42, "check_suite.completed", true)

	require.NoError(t, err)
	assert.True(t, passed)
	assert.Equal(t, "green", message)
	assert.Equal(t, 1, fake.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestEvaluateGateCheckAlwaysEvaluatesOnNonReactiveEntry covers a stage's
// first (non-reactive) pass through a gate: every check runs fresh
// regardless of reactive_events, since there is nothing cached yet to reuse.
func TestEvaluateGateCheckAlwaysEvaluatesOnNonReactiveEntry(t *testing.T) {
	fake := &fakeGateEvaluator{reactive: map[string][]string{"ci_status": {"check_suite.completed"}}, passed: false, message: "pending"}
	e, mock := newTestEngineWithGates(t, fake)

	mock.ExpectQuery(`INSERT INTO gate_checks`).
		WithArgs(int64(7), "ci_status", []byte(`{}`), false, "pending", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "checked_at"}).AddRow(1, time.Now()))

	check := config.GateConditionConfig{Check: "ci_status"}
	_, _, _, err := evaluateGateCheck(context.Background(), e, check, map[string]any{}, 7, "", false)

	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}
