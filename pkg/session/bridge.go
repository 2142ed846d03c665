// Package session defines the seam between the Agent Lifecycle Manager and
// the opaque LLM session-worker (spec.md §6): three outbound entry points
// (Start/Resume/Cancel) and a stream of synthetic events the worker reports
// back through. Squadron treats the worker itself as out of scope (spec.md
// §1) — only the contract and one deterministic in-process stub live here.
package session

import (
	"context"

	"github.com/squadron/squadron/pkg/registry"
)

// EventType enumerates the synthetic events a session-worker reports back
// (spec.md §6).
type EventType string

const (
	EventAgentCompleted    EventType = "agent_completed"
	EventAgentBlocked      EventType = "agent_blocked"
	EventAgentEscalated    EventType = "agent_escalated"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallFinished  EventType = "tool_call_finished"
)

// Event is one synthetic report from a session-worker, addressed by
// session id (== agent id — Squadron keeps a 1:1 mapping per spec.md
// §4.3's "stable session id" note).
type Event struct {
	Type       EventType
	SessionID  string
	Summary    string
	Outputs    registry.JSONMap
	Blocker    int64
	Reason     string
	ToolName   string
	OK         bool
	DurationMS int64
}

// Bridge is the outbound side of the session-worker contract. Implemented
// by LocalBridge for standalone/test use; a production deployment swaps in
// a bridge to a real subprocess manager — an explicit Non-goal (spec.md
// §1) to implement here, but the seam itself must exist and be exercised.
type Bridge interface {
	// Start launches a new worker for sessionID with the given system
	// prompt, allowed tool names, and first user message.
	Start(ctx context.Context, sessionID, systemPrompt string, toolAllowlist []string, initialMessage string) error

	// Resume delivers newMessages (typically drained mailbox contents) to
	// an existing, possibly-deallocated worker, which is restarted with
	// the same stable session id (spec.md §4.3.2 "blocked is not process
	// blocking").
	Resume(ctx context.Context, sessionID string, newMessages []string) error

	// Cancel terminates a worker. Idempotent: cancelling an already-
	// finished or unknown session is not an error.
	Cancel(ctx context.Context, sessionID string) error

	// Events returns the channel synthetic worker events are delivered
	// on. The same channel is returned on every call — there is one
	// event stream per Bridge, not per session.
	Events() <-chan Event
}
