package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// PipelineRunRepository persists pipeline_runs rows (spec.md §3.2, §4.5).
// Hand-written over database/sql, grounded on jordigilh-kubernaut's
// datastorage repository pattern (constructor over *sql.DB, one method per
// query, parameterized SQL, no ORM).
type PipelineRunRepository struct {
	db *sql.DB
}

// Create inserts a new pipeline run. The trigger_event_delivery_id unique
// constraint makes run creation idempotent: a duplicate delivery returns
// ErrDuplicateDelivery instead of a second run (spec.md §4.2.2 step 1–2).
func (r *PipelineRunRepository) Create(ctx context.Context, run *PipelineRun) error {
	ctxJSON, err := jsonEncode(run.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}

	const q = `
		INSERT INTO pipeline_runs (
			run_id, pipeline_name, definition_snapshot, trigger_event_delivery_id,
			issue_number, primary_pr_number, scope, status, current_stage_id,
			context, parent_run_id, parent_stage_id, nesting_depth
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`

	row := r.db.QueryRowContext(ctx, q,
		run.RunID, run.PipelineName, run.DefinitionSnapshot, run.TriggerEventDeliveryID,
		nullInt64(run.IssueNumber), nullInt64(run.PrimaryPRNumber), run.Scope, run.Status,
		run.CurrentStageID, ctxJSON, run.ParentRunID, run.ParentStageID, run.NestingDepth,
	)
	if err := row.Scan(&run.CreatedAt, &run.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateDelivery, run.TriggerEventDeliveryID)
		}
		return fmt.Errorf("insert pipeline_run: %w", err)
	}
	return nil
}

// Get retrieves a pipeline run by id.
func (r *PipelineRunRepository) Get(ctx context.Context, runID string) (*PipelineRun, error) {
	const q = `
		SELECT run_id, pipeline_name, definition_snapshot, trigger_event_delivery_id,
			issue_number, primary_pr_number, scope, status, current_stage_id, context,
			parent_run_id, parent_stage_id, nesting_depth, error_message, error_stage_id,
			created_at, updated_at, completed_at
		FROM pipeline_runs WHERE run_id = $1`

	return scanPipelineRun(r.db.QueryRowContext(ctx, q, runID))
}

// UpdateStageAndStatus advances a run's current stage pointer and status in
// one durable write, matching the "single durable write before any
// externally-visible side effect" crash-safety requirement (spec.md §4.2.2).
func (r *PipelineRunRepository) UpdateStageAndStatus(ctx context.Context, runID, stageID string, status RunStatus) error {
	const q = `UPDATE pipeline_runs SET current_stage_id = $2, status = $3, updated_at = now() WHERE run_id = $1`
	_, err := r.db.ExecContext(ctx, q, runID, stageID, status)
	if err != nil {
		return fmt.Errorf("update pipeline_run stage/status: %w", err)
	}
	return nil
}

// Complete sets a terminal status and completion timestamp, optionally with
// an error message/stage when terminating abnormally.
func (r *PipelineRunRepository) Complete(ctx context.Context, runID string, status RunStatus, errMsg, errStageID string) error {
	const q = `
		UPDATE pipeline_runs
		SET status = $2, error_message = NULLIF($3, ''), error_stage_id = NULLIF($4, ''),
			completed_at = now(), updated_at = now()
		WHERE run_id = $1`
	_, err := r.db.ExecContext(ctx, q, runID, status, errMsg, errStageID)
	if err != nil {
		return fmt.Errorf("complete pipeline_run: %w", err)
	}
	return nil
}

// RunningForPR returns every non-terminal run whose primary_pr_number
// matches, for reactive dispatch (spec.md §4.2.4) — the
// running_pipelines_for_pr(n) query required by §4.5.
func (r *PipelineRunRepository) RunningForPR(ctx context.Context, prNumber int64) ([]*PipelineRun, error) {
	const q = `
		SELECT run_id, pipeline_name, definition_snapshot, trigger_event_delivery_id,
			issue_number, primary_pr_number, scope, status, current_stage_id, context,
			parent_run_id, parent_stage_id, nesting_depth, error_message, error_stage_id,
			created_at, updated_at, completed_at
		FROM pipeline_runs
		WHERE primary_pr_number = $1 AND status NOT IN ('completed','failed','cancelled','escalated')
		ORDER BY created_at`
	return queryPipelineRuns(ctx, r.db, q, prNumber)
}

// RunningForIssue is the running_pipelines_for_issue(n) query (spec.md §4.5).
func (r *PipelineRunRepository) RunningForIssue(ctx context.Context, issueNumber int64) ([]*PipelineRun, error) {
	const q = `
		SELECT run_id, pipeline_name, definition_snapshot, trigger_event_delivery_id,
			issue_number, primary_pr_number, scope, status, current_stage_id, context,
			parent_run_id, parent_stage_id, nesting_depth, error_message, error_stage_id,
			created_at, updated_at, completed_at
		FROM pipeline_runs
		WHERE issue_number = $1 AND status NOT IN ('completed','failed','cancelled','escalated')
		ORDER BY created_at`
	return queryPipelineRuns(ctx, r.db, q, issueNumber)
}

// ChildrenOf is the children_of(run) query (spec.md §4.5): every sub-pipeline
// run started by a `pipeline` stage within the given run.
func (r *PipelineRunRepository) ChildrenOf(ctx context.Context, runID string) ([]*PipelineRun, error) {
	const q = `
		SELECT run_id, pipeline_name, definition_snapshot, trigger_event_delivery_id,
			issue_number, primary_pr_number, scope, status, current_stage_id, context,
			parent_run_id, parent_stage_id, nesting_depth, error_message, error_stage_id,
			created_at, updated_at, completed_at
		FROM pipeline_runs WHERE parent_run_id = $1
		ORDER BY created_at`
	return queryPipelineRuns(ctx, r.db, q, runID)
}

// RunFilter narrows the Dashboard API's GET /pipelines/runs listing (spec.md
// §6). Zero values are "no filter" for that dimension.
type RunFilter struct {
	Status       RunStatus
	PipelineName string
	PRNumber     int64
	IssueNumber  int64
	Limit        int
	Offset       int
}

// List is the paginated, filterable run listing the Dashboard API's
// GET /pipelines/runs serves, newest first (spec.md §6).
func (r *PipelineRunRepository) List(ctx context.Context, f RunFilter) ([]*PipelineRun, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := `
		SELECT run_id, pipeline_name, definition_snapshot, trigger_event_delivery_id,
			issue_number, primary_pr_number, scope, status, current_stage_id, context,
			parent_run_id, parent_stage_id, nesting_depth, error_message, error_stage_id,
			created_at, updated_at, completed_at
		FROM pipeline_runs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		q += " AND status = " + arg(f.Status)
	}
	if f.PipelineName != "" {
		q += " AND pipeline_name = " + arg(f.PipelineName)
	}
	if f.PRNumber != 0 {
		q += " AND primary_pr_number = " + arg(f.PRNumber)
	}
	if f.IssueNumber != 0 {
		q += " AND issue_number = " + arg(f.IssueNumber)
	}
	q += " ORDER BY created_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(f.Offset)

	return queryPipelineRuns(ctx, r.db, q, args...)
}

// NonTerminal returns every run not yet in a terminal state, for startup
// recovery (spec.md §4.7).
func (r *PipelineRunRepository) NonTerminal(ctx context.Context) ([]*PipelineRun, error) {
	const q = `
		SELECT run_id, pipeline_name, definition_snapshot, trigger_event_delivery_id,
			issue_number, primary_pr_number, scope, status, current_stage_id, context,
			parent_run_id, parent_stage_id, nesting_depth, error_message, error_stage_id,
			created_at, updated_at, completed_at
		FROM pipeline_runs WHERE status NOT IN ('completed','failed','cancelled','escalated')
		ORDER BY created_at`
	return queryPipelineRuns(ctx, r.db, q)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipelineRun(row rowScanner) (*PipelineRun, error) {
	var (
		run                             PipelineRun
		issueNumber, primaryPR          sql.NullInt64
		parentRunID, parentStageID      sql.NullString
		errMsg, errStageID              sql.NullString
		completedAt                     sql.NullTime
		definitionSnapshot, contextJSON []byte
	)

	err := row.Scan(
		&run.RunID, &run.PipelineName, &definitionSnapshot, &run.TriggerEventDeliveryID,
		&issueNumber, &primaryPR, &run.Scope, &run.Status, &run.CurrentStageID, &contextJSON,
		&parentRunID, &parentStageID, &run.NestingDepth, &errMsg, &errStageID,
		&run.CreatedAt, &run.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pipeline_run: %w", err)
	}

	run.DefinitionSnapshot = definitionSnapshot
	run.IssueNumber = nullInt64Ptr(issueNumber)
	run.PrimaryPRNumber = nullInt64Ptr(primaryPR)
	run.ParentRunID = nullStringPtr(parentRunID)
	run.ParentStageID = nullStringPtr(parentStageID)
	run.ErrorMessage = errMsg.String
	run.ErrorStageID = errStageID.String
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.Context, err = jsonDecode(contextJSON)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func queryPipelineRuns(ctx context.Context, db *sql.DB, q string, args ...any) ([]*PipelineRun, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query pipeline_runs: %w", err)
	}
	defer rows.Close()

	var out []*PipelineRun
	for rows.Next() {
		run, err := scanPipelineRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
