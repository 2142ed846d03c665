package activity

import (
	"context"
	"fmt"

	"github.com/squadron/squadron/pkg/registry"
)

// Mailbox is the per-agent FIFO inbox (spec.md §4.6): enqueue is idempotent
// by message id, and the tool-bridge's polling operation drains every
// unconsumed message for an agent in FIFO order, marking them consumed.
type Mailbox struct {
	repo *registry.MailboxRepository
}

// NewMailbox wraps a MailboxRepository.
func NewMailbox(repo *registry.MailboxRepository) *Mailbox {
	return &Mailbox{repo: repo}
}

// Enqueue delivers a message to an agent's inbox. A duplicate (agentID,
// messageID) pair is a silent no-op, matching the at-least-once delivery
// guarantee reactive events are produced under.
func (m *Mailbox) Enqueue(ctx context.Context, agentID, messageID string, body registry.JSONMap) error {
	msg := &registry.MailMessage{AgentID: agentID, MessageID: messageID, Body: body}
	if err := m.repo.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue mail for agent %s: %w", agentID, err)
	}
	return nil
}

// Drain returns and consumes every pending message for an agent, oldest
// first.
func (m *Mailbox) Drain(ctx context.Context, agentID string) ([]*registry.MailMessage, error) {
	msgs, err := m.repo.Drain(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("drain mail for agent %s: %w", agentID, err)
	}
	return msgs, nil
}
