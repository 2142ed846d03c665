package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StageRunRepository persists stage_runs rows (spec.md §3.3).
type StageRunRepository struct {
	db *sql.DB
}

// Create inserts a new stage-run attempt. The (run_id, stage_id,
// attempt_number) unique constraint enforces the per-attempt uniqueness
// invariant from spec.md §3.3.
func (r *StageRunRepository) Create(ctx context.Context, sr *StageRun) error {
	outputs, err := jsonEncode(sr.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}

	const q = `
		INSERT INTO stage_runs (
			run_id, stage_id, attempt_number, status, agent_id, branch_id,
			parent_stage_id, child_pipeline_run_id, outputs, started_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id, created_at`

	row := r.db.QueryRowContext(ctx, q,
		sr.RunID, sr.StageID, sr.AttemptNumber, sr.Status, sr.AgentID, sr.BranchID,
		sr.ParentStageID, sr.ChildPipelineRunID, outputs, sr.StartedAt,
	)
	return row.Scan(&sr.ID, &sr.CreatedAt)
}

// UpdateStatus transitions a stage run's status, optionally recording
// outputs and an error message, and stamping completed_at for terminal
// statuses.
func (r *StageRunRepository) UpdateStatus(ctx context.Context, id int64, status StageRunStatus, outputs JSONMap, errMsg string) error {
	outJSON, err := jsonEncode(outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}

	terminal := status == StageRunCompleted || status == StageRunFailed ||
		status == StageRunSkipped || status == StageRunCancelled

	const q = `
		UPDATE stage_runs
		SET status = $2, outputs = $3, error_message = NULLIF($4, ''),
			completed_at = CASE WHEN $5 THEN now() ELSE completed_at END
		WHERE id = $1`
	_, err = r.db.ExecContext(ctx, q, id, status, outJSON, errMsg, terminal)
	if err != nil {
		return fmt.Errorf("update stage_run status: %w", err)
	}
	return nil
}

// SetChildPipelineRun records the sub-pipeline run started by a `pipeline`
// stage (spec.md §4.2.1).
func (r *StageRunRepository) SetChildPipelineRun(ctx context.Context, id int64, childRunID string) error {
	const q = `UPDATE stage_runs SET child_pipeline_run_id = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, q, id, childRunID)
	return err
}

// SetAgent records which agent an `agent` stage's session is bound to.
func (r *StageRunRepository) SetAgent(ctx context.Context, id int64, agentID string) error {
	const q = `UPDATE stage_runs SET agent_id = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, q, id, agentID)
	return err
}

// Get retrieves a stage run by its surrogate id.
func (r *StageRunRepository) Get(ctx context.Context, id int64) (*StageRun, error) {
	const q = `
		SELECT id, run_id, stage_id, attempt_number, status, agent_id, branch_id,
			parent_stage_id, child_pipeline_run_id, outputs, error_message,
			started_at, completed_at, created_at
		FROM stage_runs WHERE id = $1`
	return scanStageRun(r.db.QueryRowContext(ctx, q, id))
}

// LatestAttempt returns the highest-numbered attempt of a stage within a
// run, or ErrNotFound if the stage has never executed.
func (r *StageRunRepository) LatestAttempt(ctx context.Context, runID, stageID string) (*StageRun, error) {
	const q = `
		SELECT id, run_id, stage_id, attempt_number, status, agent_id, branch_id,
			parent_stage_id, child_pipeline_run_id, outputs, error_message,
			started_at, completed_at, created_at
		FROM stage_runs WHERE run_id = $1 AND stage_id = $2
		ORDER BY attempt_number DESC LIMIT 1`
	return scanStageRun(r.db.QueryRowContext(ctx, q, runID, stageID))
}

// AllForRun returns every stage run recorded against a pipeline run, in
// execution order — the backing query for the Dashboard API's
// GET /pipelines/runs/{id} detail view (spec.md §6).
func (r *StageRunRepository) AllForRun(ctx context.Context, runID string) ([]*StageRun, error) {
	const q = `
		SELECT id, run_id, stage_id, attempt_number, status, agent_id, branch_id,
			parent_stage_id, child_pipeline_run_id, outputs, error_message,
			started_at, completed_at, created_at
		FROM stage_runs WHERE run_id = $1
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage_runs: %w", err)
	}
	defer rows.Close()

	var out []*StageRun
	for rows.Next() {
		sr, err := scanStageRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// ChildrenOfStage returns parallel-branch child stage runs for a parent
// stage run (spec.md §4.2.1 `parallel`).
func (r *StageRunRepository) ChildrenOfStage(ctx context.Context, runID, parentStageID string) ([]*StageRun, error) {
	const q = `
		SELECT id, run_id, stage_id, attempt_number, status, agent_id, branch_id,
			parent_stage_id, child_pipeline_run_id, outputs, error_message,
			started_at, completed_at, created_at
		FROM stage_runs WHERE run_id = $1 AND parent_stage_id = $2
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, runID, parentStageID)
	if err != nil {
		return nil, fmt.Errorf("query stage_run children: %w", err)
	}
	defer rows.Close()

	var out []*StageRun
	for rows.Next() {
		sr, err := scanStageRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func scanStageRun(row rowScanner) (*StageRun, error) {
	var (
		sr                                 StageRun
		agentID, branchID, parentStageID   sql.NullString
		childRunID, errMsg                 sql.NullString
		outputsJSON                        []byte
		startedAt, completedAt             sql.NullTime
	)

	err := row.Scan(
		&sr.ID, &sr.RunID, &sr.StageID, &sr.AttemptNumber, &sr.Status, &agentID, &branchID,
		&parentStageID, &childRunID, &outputsJSON, &errMsg, &startedAt, &completedAt, &sr.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan stage_run: %w", err)
	}

	sr.AgentID = nullStringPtr(agentID)
	sr.BranchID = nullStringPtr(branchID)
	sr.ParentStageID = nullStringPtr(parentStageID)
	sr.ChildPipelineRunID = nullStringPtr(childRunID)
	sr.ErrorMessage = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		sr.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		sr.CompletedAt = &t
	}
	sr.Outputs, err = jsonDecode(outputsJSON)
	if err != nil {
		return nil, err
	}
	return &sr, nil
}
