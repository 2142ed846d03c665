package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// ActivityRepository persists activity_events rows — the durable backing
// store behind pkg/activity's in-memory append-only log (spec.md §3.7,
// §4.6). Writes here are best-effort from the caller's perspective: the
// in-memory fan-out is the source of truth for live subscribers, this table
// exists so history survives a restart and the dashboard can page through
// it.
type ActivityRepository struct {
	db *sql.DB
}

// Append inserts a new activity event.
func (r *ActivityRepository) Append(ctx context.Context, e *ActivityEvent) error {
	metadata, err := jsonEncode(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	const q = `
		INSERT INTO activity_events (agent_id, pipeline_run_id, event_type, metadata)
		VALUES ($1,$2,$3,$4)
		RETURNING id, created_at`
	row := r.db.QueryRowContext(ctx, q, e.AgentID, e.PipelineRunID, e.EventType, metadata)
	return row.Scan(&e.ID, &e.CreatedAt)
}

// ForRun returns activity events for a run, newest first, bounded by limit.
// Used by pkg/activity's Log.ForRun and by the `human` stage's scan of a
// run's recorded events.
func (r *ActivityRepository) ForRun(ctx context.Context, runID string, limit int) ([]*ActivityEvent, error) {
	const q = `
		SELECT id, agent_id, pipeline_run_id, event_type, metadata, created_at
		FROM activity_events WHERE pipeline_run_id = $1
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity_events: %w", err)
	}
	defer rows.Close()

	var out []*ActivityEvent
	for rows.Next() {
		e, err := scanActivityEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForAgent returns activity events recorded against a single agent, newest
// first, bounded by limit — the backing query for the Dashboard API's
// GET /agents/{id}/activity (spec.md §6).
func (r *ActivityRepository) ForAgent(ctx context.Context, agentID string, limit int) ([]*ActivityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `
		SELECT id, agent_id, pipeline_run_id, event_type, metadata, created_at
		FROM activity_events WHERE agent_id = $1
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity_events: %w", err)
	}
	defer rows.Close()

	var out []*ActivityEvent
	for rows.Next() {
		e, err := scanActivityEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Recent returns the most recent activity events across every run and
// agent, newest first, bounded by limit — the backing query for the
// Dashboard API's global GET /activity feed (spec.md §6).
func (r *ActivityRepository) Recent(ctx context.Context, limit int) ([]*ActivityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `
		SELECT id, agent_id, pipeline_run_id, event_type, metadata, created_at
		FROM activity_events ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity_events: %w", err)
	}
	defer rows.Close()

	var out []*ActivityEvent
	for rows.Next() {
		e, err := scanActivityEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes activity events older than maxAgeSeconds, the
// safety-net cleanup described in spec.md's ambient retention settings.
func (r *ActivityRepository) PruneOlderThan(ctx context.Context, maxAgeSeconds float64) (int64, error) {
	const q = `DELETE FROM activity_events WHERE created_at < now() - ($1 || ' seconds')::interval`
	res, err := r.db.ExecContext(ctx, q, maxAgeSeconds)
	if err != nil {
		return 0, fmt.Errorf("prune activity_events: %w", err)
	}
	return res.RowsAffected()
}

func scanActivityEvent(rows *sql.Rows) (*ActivityEvent, error) {
	var (
		e                       ActivityEvent
		agentID, pipelineRunID  sql.NullString
		metadata                []byte
	)
	if err := rows.Scan(&e.ID, &agentID, &pipelineRunID, &e.EventType, &metadata, &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan activity_event: %w", err)
	}
	e.AgentID = nullStringPtr(agentID)
	e.PipelineRunID = nullStringPtr(pipelineRunID)
	var err error
	e.Metadata, err = jsonDecodeNullable(metadata, metadata != nil)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
