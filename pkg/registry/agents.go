package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// AgentRepository persists agents rows (spec.md §3.5).
type AgentRepository struct {
	db *sql.DB
}

// Create inserts a new agent record. The partial unique index on agent_id
// (active agents only) enforces the "unique among non-terminal records"
// invariant; a collision returns ErrNotFound-adjacent duplicate info via the
// pgx error, surfaced as a plain wrapped error since the Lifecycle Manager's
// singleton-dedup check (spec.md §4.3.1) should query before inserting.
func (r *AgentRepository) Create(ctx context.Context, a *Agent) error {
	const q = `
		INSERT INTO agents (
			agent_id, role, issue_number, session_id, status, branch, worktree_path,
			pr_number, pipeline_run_id, pipeline_stage_id, active_since, lifecycle_tag
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`

	row := r.db.QueryRowContext(ctx, q,
		a.AgentID, a.Role, a.IssueNumber, a.SessionID, a.Status, a.Branch, a.WorktreePath,
		a.PRNumber, a.PipelineRunID, a.PipelineStageID, a.ActiveSince, a.LifecycleTag,
	)
	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("registry: agent %q already active", a.AgentID)
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// Get returns an agent by id regardless of status, for the Dashboard API's
// GET /agents/{id} family of endpoints (spec.md §6) — unlike GetActive, a
// terminal agent is still returned rather than treated as not found.
func (r *AgentRepository) Get(ctx context.Context, agentID string) (*Agent, error) {
	const q = selectAgentColumns + ` WHERE agent_id = $1`
	return scanAgent(r.db.QueryRowContext(ctx, q, agentID))
}

// List returns agents newest-first, bounded by limit, for the Dashboard
// API's GET /agents listing (spec.md §6).
func (r *AgentRepository) List(ctx context.Context, limit, offset int) ([]*Agent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const q = selectAgentColumns + ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetActive returns the non-terminal agent record for an agent_id, or
// ErrNotFound once the agent is terminal; used by the Lifecycle Manager's
// wake and finalize paths (spec.md §4.3.1).
func (r *AgentRepository) GetActive(ctx context.Context, agentID string) (*Agent, error) {
	const q = selectAgentColumns + `
		WHERE agent_id = $1 AND status NOT IN ('completed','failed','escalated')`
	return scanAgent(r.db.QueryRowContext(ctx, q, agentID))
}

// GetActiveByRoleAndIssue implements the per-role singleton dedup policy:
// an existing non-terminal agent for (role, issue) short-circuits creation
// of a second one (spec.md §4.3.1).
func (r *AgentRepository) GetActiveByRoleAndIssue(ctx context.Context, role string, issueNumber int64) (*Agent, error) {
	const q = selectAgentColumns + `
		WHERE role = $1 AND issue_number = $2 AND status NOT IN ('completed','failed','escalated')
		ORDER BY created_at DESC LIMIT 1`
	return scanAgent(r.db.QueryRowContext(ctx, q, role, issueNumber))
}

// UpdateStatus transitions an agent's status and the associated
// active_since/sleeping_since timestamps (spec.md §4.3.1 sleep_agent/
// wake_agent/complete_agent).
func (r *AgentRepository) UpdateStatus(ctx context.Context, agentID string, status AgentStatus, activeSince, sleepingSince *time.Time) error {
	const q = `
		UPDATE agents
		SET status = $2, active_since = COALESCE($3, active_since), sleeping_since = $4, updated_at = now()
		WHERE agent_id = $1`
	_, err := r.db.ExecContext(ctx, q, agentID, status, activeSince, sleepingSince)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return nil
}

// IncrementCounters bumps iteration/tool-call counters (circuit breaker
// inputs, spec.md §4.3.2).
func (r *AgentRepository) IncrementCounters(ctx context.Context, agentID string, iterationDelta, toolCallDelta int) error {
	const q = `
		UPDATE agents
		SET iteration_count = iteration_count + $2, tool_call_count = tool_call_count + $3, updated_at = now()
		WHERE agent_id = $1`
	_, err := r.db.ExecContext(ctx, q, agentID, iterationDelta, toolCallDelta)
	return err
}

// NonTerminal returns every agent not yet in a terminal state, for startup
// recovery (spec.md §4.7).
func (r *AgentRepository) NonTerminal(ctx context.Context) ([]*Agent, error) {
	const q = selectAgentColumns + ` WHERE status NOT IN ('completed','failed','escalated') ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveLongerThan returns ACTIVE agents whose active_since predates the
// given cutoff, oldest first. The periodic reconciliation sweep's
// forced-fail pass (spec.md §4.7 (a)) filters NonTerminal by per-role
// limits instead of calling this.
func (r *AgentRepository) ActiveLongerThan(ctx context.Context, cutoff time.Time) ([]*Agent, error) {
	const q = selectAgentColumns + ` WHERE status = 'active' AND active_since < $1 ORDER BY active_since`
	rows, err := r.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query active agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SleepingForIssue returns every SLEEPING agent owning issueNumber, used by
// the Event Router's lifecycle hooks (spec.md §4.3.3) to deliver mail from
// an issue/PR comment to whichever agents are parked waiting on it.
func (r *AgentRepository) SleepingForIssue(ctx context.Context, issueNumber int64) ([]*Agent, error) {
	const q = selectAgentColumns + ` WHERE status = 'sleeping' AND issue_number = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, q, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("query sleeping agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Heartbeat stamps last_heartbeat_at — the per-agent watchdog's periodic
// liveness signal (spec.md §4.3.2 layer 1). The backup timer (layer 2)
// fires on its own deadline and does not read this column.
func (r *AgentRepository) Heartbeat(ctx context.Context, agentID string, at time.Time) error {
	const q = `UPDATE agents SET last_heartbeat_at = $2 WHERE agent_id = $1`
	_, err := r.db.ExecContext(ctx, q, agentID, at)
	return err
}

// MarkWatchdogEscaped flags an agent as force-failed by the backup timer or
// reconciliation sweep rather than its own primary watchdog (spec.md §4.3.2
// layer 2/3, §8 S5) — surfaced to the activity log/diagnostics.
func (r *AgentRepository) MarkWatchdogEscaped(ctx context.Context, agentID string) error {
	const q = `UPDATE agents SET watchdog_escaped = true WHERE agent_id = $1`
	_, err := r.db.ExecContext(ctx, q, agentID)
	return err
}

// Purge deletes a terminal agent record, required before a new record with
// the same agent_id can be created (spec.md §3.5 uniqueness invariant). A
// non-terminal agent_id is left untouched — Purge only ever removes rows
// already excluded from the partial unique index.
func (r *AgentRepository) Purge(ctx context.Context, agentID string) error {
	const q = `DELETE FROM agents WHERE agent_id = $1 AND status IN ('completed','failed','escalated')`
	_, err := r.db.ExecContext(ctx, q, agentID)
	return err
}

const selectAgentColumns = `
	SELECT agent_id, role, issue_number, session_id, status, branch, worktree_path,
		pr_number, pipeline_run_id, pipeline_stage_id, active_since, sleeping_since,
		last_heartbeat_at, watchdog_escaped, iteration_count, tool_call_count,
		lifecycle_tag, created_at, updated_at
	FROM agents`

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a                              Agent
		branch, worktreePath           sql.NullString
		prNumber                       sql.NullInt64
		pipelineRunID, pipelineStageID sql.NullString
		activeSince, sleepingSince     sql.NullTime
		lastHeartbeat                  sql.NullTime
	)

	err := row.Scan(
		&a.AgentID, &a.Role, &a.IssueNumber, &a.SessionID, &a.Status, &branch, &worktreePath,
		&prNumber, &pipelineRunID, &pipelineStageID, &activeSince, &sleepingSince,
		&lastHeartbeat, &a.WatchdogEscaped, &a.IterationCount, &a.ToolCallCount,
		&a.LifecycleTag, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}

	a.Branch = nullStringPtr(branch)
	a.WorktreePath = nullStringPtr(worktreePath)
	a.PRNumber = nullInt64Ptr(prNumber)
	a.PipelineRunID = nullStringPtr(pipelineRunID)
	a.PipelineStageID = nullStringPtr(pipelineStageID)
	if activeSince.Valid {
		t := activeSince.Time
		a.ActiveSince = &t
	}
	if sleepingSince.Valid {
		t := sleepingSince.Time
		a.SleepingSince = &t
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		a.LastHeartbeatAt = &t
	}
	return &a, nil
}
