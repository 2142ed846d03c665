package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// MailboxRepository persists mail_messages rows — the durable backing
// store for an agent's per-agent FIFO inbox (spec.md §3.8, §4.6).
type MailboxRepository struct {
	db *sql.DB
}

// Enqueue inserts a mail message for an agent. Idempotent by (agent_id,
// message_id): a duplicate enqueue is a silent no-op.
func (r *MailboxRepository) Enqueue(ctx context.Context, m *MailMessage) error {
	body, err := jsonEncode(m.Body)
	if err != nil {
		return fmt.Errorf("encode mail body: %w", err)
	}

	const q = `
		INSERT INTO mail_messages (agent_id, message_id, body)
		VALUES ($1,$2,$3)
		ON CONFLICT (agent_id, message_id) DO NOTHING
		RETURNING id, created_at`
	row := r.db.QueryRowContext(ctx, q, m.AgentID, m.MessageID, body)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("insert mail_message: %w", err)
	}
	return nil
}

// Drain returns every unconsumed message for an agent, in FIFO order, and
// marks them consumed in the same call — the tool-bridge polling operation
// described in spec.md §4.6.
func (r *MailboxRepository) Drain(ctx context.Context, agentID string) ([]*MailMessage, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin drain tx: %w", err)
	}
	defer tx.Rollback()

	const selectQ = `
		SELECT id, agent_id, message_id, body, consumed, created_at
		FROM mail_messages WHERE agent_id = $1 AND NOT consumed
		ORDER BY id FOR UPDATE`
	rows, err := tx.QueryContext(ctx, selectQ, agentID)
	if err != nil {
		return nil, fmt.Errorf("query mail_messages: %w", err)
	}

	var out []*MailMessage
	var ids []int64
	for rows.Next() {
		var (
			m    MailMessage
			body []byte
		)
		if err := rows.Scan(&m.ID, &m.AgentID, &m.MessageID, &body, &m.Consumed, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan mail_message: %w", err)
		}
		if m.Body, err = jsonDecode(body); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, &m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) > 0 {
		const updateQ = `UPDATE mail_messages SET consumed = true WHERE id = ANY($1)`
		if _, err := tx.ExecContext(ctx, updateQ, ids); err != nil {
			return nil, fmt.Errorf("mark mail_messages consumed: %w", err)
		}
	}

	return out, tx.Commit()
}
