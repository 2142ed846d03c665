package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// AssociationRepository persists pipeline_pr_associations rows — the
// zero-or-more (pr_number, repo, stage_id, role) rows a multi-PR-scope run
// tracks (spec.md §3.2).
type AssociationRepository struct {
	db *sql.DB
}

// Create records a PR association for a run. The (pipeline_run_id,
// pr_number, repo) unique constraint prevents duplicate association rows.
func (r *AssociationRepository) Create(ctx context.Context, a *PipelinePRAssociation) error {
	const q = `
		INSERT INTO pipeline_pr_associations (pipeline_run_id, pr_number, repo, stage_id, role)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (pipeline_run_id, pr_number, repo) DO NOTHING
		RETURNING id, created_at`
	row := r.db.QueryRowContext(ctx, q, a.PipelineRunID, a.PRNumber, a.Repo, a.StageID, a.Role)
	if err := row.Scan(&a.ID, &a.CreatedAt); err != nil {
		return fmt.Errorf("insert pipeline_pr_association: %w", err)
	}
	return nil
}

// ForRun returns every PR association recorded for a run.
func (r *AssociationRepository) ForRun(ctx context.Context, runID string) ([]*PipelinePRAssociation, error) {
	const q = `
		SELECT id, pipeline_run_id, pr_number, repo, stage_id, role, created_at
		FROM pipeline_pr_associations WHERE pipeline_run_id = $1`
	rows, err := r.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("query pipeline_pr_associations: %w", err)
	}
	defer rows.Close()

	var out []*PipelinePRAssociation
	for rows.Next() {
		var a PipelinePRAssociation
		if err := rows.Scan(&a.ID, &a.PipelineRunID, &a.PRNumber, &a.Repo, &a.StageID, &a.Role, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline_pr_association: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// RunIDsForPR returns every run id associated with a (pr_number, repo) pair,
// used by the Event Router to find live runs to reactively notify
// (spec.md §4.2.4) beyond the single primary_pr_number column.
func (r *AssociationRepository) RunIDsForPR(ctx context.Context, prNumber int64, repo string) ([]string, error) {
	const q = `SELECT DISTINCT pipeline_run_id FROM pipeline_pr_associations WHERE pr_number = $1 AND repo = $2`
	rows, err := r.db.QueryContext(ctx, q, prNumber, repo)
	if err != nil {
		return nil, fmt.Errorf("query pipeline_pr_associations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
