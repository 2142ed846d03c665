package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GateCheckRepository persists gate_checks rows (spec.md §3.4).
type GateCheckRepository struct {
	db *sql.DB
}

// Record appends a new gate evaluation outcome. Gate checks are append-only
// — re-evaluation never updates a prior row, it inserts a new one.
func (r *GateCheckRepository) Record(ctx context.Context, gc *GateCheck) error {
	snapshot, err := jsonEncode(gc.CheckConfigSnapshot)
	if err != nil {
		return fmt.Errorf("encode check_config_snapshot: %w", err)
	}
	var resultData any
	if gc.ResultData != nil {
		resultData, err = jsonEncode(gc.ResultData)
		if err != nil {
			return fmt.Errorf("encode result_data: %w", err)
		}
	}

	const q = `
		INSERT INTO gate_checks (stage_run_id, check_type, check_config_snapshot, passed, message, result_data)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, checked_at`

	row := r.db.QueryRowContext(ctx, q, gc.StageRunID, gc.CheckType, snapshot, gc.Passed, gc.Message, resultData)
	return row.Scan(&gc.ID, &gc.CheckedAt)
}

// Latest is the latest_gate_check(stage_run, check_name) query required by
// spec.md §4.5: the most recent record per (stage_run, check_type) is the
// authoritative cached result.
func (r *GateCheckRepository) Latest(ctx context.Context, stageRunID int64, checkType string) (*GateCheck, error) {
	const q = `
		SELECT id, stage_run_id, check_type, check_config_snapshot, passed, message, result_data, checked_at
		FROM gate_checks
		WHERE stage_run_id = $1 AND check_type = $2
		ORDER BY checked_at DESC LIMIT 1`

	var (
		gc         GateCheck
		snapshot   []byte
		message    sql.NullString
		resultData sql.RawBytes
	)
	row := r.db.QueryRowContext(ctx, q, stageRunID, checkType)
	err := row.Scan(&gc.ID, &gc.StageRunID, &gc.CheckType, &snapshot, &gc.Passed, &message, &resultData, &gc.CheckedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan gate_check: %w", err)
	}

	gc.Message = message.String
	gc.CheckConfigSnapshot, err = jsonDecode(snapshot)
	if err != nil {
		return nil, err
	}
	gc.ResultData, err = jsonDecodeNullable(resultData, resultData != nil)
	if err != nil {
		return nil, err
	}
	return &gc, nil
}

// AllLatestForStageRun returns the latest record for every distinct
// check_type evaluated against a stage run. The reconciliation sweep and
// startup recovery do not call it.
func (r *GateCheckRepository) AllLatestForStageRun(ctx context.Context, stageRunID int64) ([]*GateCheck, error) {
	const q = `
		SELECT DISTINCT ON (check_type)
			id, stage_run_id, check_type, check_config_snapshot, passed, message, result_data, checked_at
		FROM gate_checks
		WHERE stage_run_id = $1
		ORDER BY check_type, checked_at DESC`

	rows, err := r.db.QueryContext(ctx, q, stageRunID)
	if err != nil {
		return nil, fmt.Errorf("query gate_checks: %w", err)
	}
	defer rows.Close()

	var out []*GateCheck
	for rows.Next() {
		var (
			gc         GateCheck
			snapshot   []byte
			message    sql.NullString
			resultData sql.RawBytes
		)
		if err := rows.Scan(&gc.ID, &gc.StageRunID, &gc.CheckType, &snapshot, &gc.Passed, &message, &resultData, &gc.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan gate_check: %w", err)
		}
		gc.Message = message.String
		if gc.CheckConfigSnapshot, err = jsonDecode(snapshot); err != nil {
			return nil, err
		}
		if gc.ResultData, err = jsonDecodeNullable(resultData, resultData != nil); err != nil {
			return nil, err
		}
		out = append(out, &gc)
	}
	return out, rows.Err()
}
