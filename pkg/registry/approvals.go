package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ApprovalRepository persists pr_review_requirements, pr_approvals, and
// pr_sequence_state (spec.md §3.6).
type ApprovalRepository struct {
	db *sql.DB
}

// UpsertRequirement registers (or updates the required count of) a review
// requirement for a PR/role pair, owned by the run that declared it.
func (r *ApprovalRepository) UpsertRequirement(ctx context.Context, req *PRReviewRequirement) error {
	const q = `
		INSERT INTO pr_review_requirements (pr_number, role, required_count, owning_run_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (pr_number, role) DO UPDATE SET required_count = EXCLUDED.required_count
		RETURNING id, created_at`
	row := r.db.QueryRowContext(ctx, q, req.PRNumber, req.Role, req.RequiredCount, req.OwningRunID)
	return row.Scan(&req.ID, &req.CreatedAt)
}

// RecordApproval appends an approval event. Recorded under role
// `human:{username}` for ad hoc human reviewers per spec.md §3.6.
func (r *ApprovalRepository) RecordApproval(ctx context.Context, a *PRApproval) error {
	const q = `
		INSERT INTO pr_approvals (pr_number, role, approved, reviewer, review_id, stale)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at`
	row := r.db.QueryRowContext(ctx, q, a.PRNumber, a.Role, a.Approved, a.Reviewer, nullString(&a.ReviewID), a.Stale)
	return row.Scan(&a.ID, &a.CreatedAt)
}

// MarkStale flags prior approvals from a reviewer as stale, e.g. on a new
// commit push invalidating earlier reviews.
func (r *ApprovalRepository) MarkStale(ctx context.Context, prNumber int64, reviewer string) error {
	const q = `UPDATE pr_approvals SET stale = true WHERE pr_number = $1 AND reviewer = $2 AND NOT stale`
	_, err := r.db.ExecContext(ctx, q, prNumber, reviewer)
	return err
}

// MarkAllStale flags every non-stale approval for a PR regardless of
// reviewer, used on pull_request.synchronize (spec.md §4.3.3): a new commit
// invalidates all prior reviews, not just one reviewer's.
func (r *ApprovalRepository) MarkAllStale(ctx context.Context, prNumber int64) error {
	const q = `UPDATE pr_approvals SET stale = true WHERE pr_number = $1 AND NOT stale`
	_, err := r.db.ExecContext(ctx, q, prNumber)
	return err
}

// Requirements returns every review requirement for a PR.
func (r *ApprovalRepository) Requirements(ctx context.Context, prNumber int64) ([]*PRReviewRequirement, error) {
	const q = `
		SELECT id, pr_number, role, required_count, owning_run_id, created_at
		FROM pr_review_requirements WHERE pr_number = $1`
	rows, err := r.db.QueryContext(ctx, q, prNumber)
	if err != nil {
		return nil, fmt.Errorf("query pr_review_requirements: %w", err)
	}
	defer rows.Close()

	var out []*PRReviewRequirement
	for rows.Next() {
		var req PRReviewRequirement
		if err := rows.Scan(&req.ID, &req.PRNumber, &req.Role, &req.RequiredCount, &req.OwningRunID, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pr_review_requirement: %w", err)
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}

// nonStaleApprovalCount counts non-stale approved=true approvals for a
// (pr_number, role) pair — the derivation rule in spec.md §3.6.
func (r *ApprovalRepository) nonStaleApprovalCount(ctx context.Context, prNumber int64, role string) (int, error) {
	const q = `
		SELECT COUNT(*) FROM pr_approvals
		WHERE pr_number = $1 AND role = $2 AND approved = true AND NOT stale`
	var count int
	err := r.db.QueryRowContext(ctx, q, prNumber, role).Scan(&count)
	return count, err
}

// CheckPRMergeReady is the check_pr_merge_ready(pr, scope) query required by
// spec.md §4.5: derives "PR approved" from requirements vs. non-stale
// approval counts and reports which roles are still missing.
func (r *ApprovalRepository) CheckPRMergeReady(ctx context.Context, prNumber int64) (ready bool, missingRoles []string, err error) {
	reqs, err := r.Requirements(ctx, prNumber)
	if err != nil {
		return false, nil, err
	}
	if len(reqs) == 0 {
		return true, nil, nil
	}

	for _, req := range reqs {
		count, err := r.nonStaleApprovalCount(ctx, prNumber, req.Role)
		if err != nil {
			return false, nil, fmt.Errorf("count approvals for role %s: %w", req.Role, err)
		}
		if count < req.RequiredCount {
			missingRoles = append(missingRoles, req.Role)
		}
	}

	return len(missingRoles) == 0, missingRoles, nil
}

// SequenceState retrieves the ordering cursor for a PR, if one is set.
func (r *ApprovalRepository) SequenceState(ctx context.Context, prNumber int64) (*PRSequenceState, error) {
	const q = `SELECT pr_number, cursor, updated_at FROM pr_sequence_state WHERE pr_number = $1`
	var s PRSequenceState
	err := r.db.QueryRowContext(ctx, q, prNumber).Scan(&s.PRNumber, &s.Cursor, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pr_sequence_state: %w", err)
	}
	return &s, nil
}

// SetSequenceState upserts the ordering cursor for a PR.
func (r *ApprovalRepository) SetSequenceState(ctx context.Context, prNumber int64, cursor string) error {
	const q = `
		INSERT INTO pr_sequence_state (pr_number, cursor, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (pr_number) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = now()`
	_, err := r.db.ExecContext(ctx, q, prNumber, cursor)
	return err
}
