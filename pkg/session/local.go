package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/squadron/squadron/pkg/registry"
)

// eventBuffer bounds LocalBridge's shared event channel.
const eventBuffer = 64

// Behavior decides the synthetic outcome a LocalBridge session reports
// after receiving messages. The default Behavior always completes
// immediately; tests substitute their own to exercise blocked/escalated/
// tool-call paths deterministically.
type Behavior func(sessionID string, messages []string) Event

// LocalBridge is a deterministic in-process stub implementation of Bridge
// (spec.md §6): each session is a goroutine that evaluates Behavior once
// and reports the resulting event, with no real subprocess or LLM call
// involved. It exists so the Lifecycle Manager, Pipeline Engine, and
// reconciliation sweep can be built and tested end to end without a real
// session-worker manager wired in (an explicit Non-goal, spec.md §1).
type LocalBridge struct {
	Behavior Behavior

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
	events   chan Event
}

// NewLocalBridge constructs a LocalBridge with the default
// immediately-completes Behavior.
func NewLocalBridge() *LocalBridge {
	return &LocalBridge{
		Behavior: defaultBehavior,
		sessions: make(map[string]context.CancelFunc),
		events:   make(chan Event, eventBuffer),
	}
}

func defaultBehavior(sessionID string, _ []string) Event {
	return Event{
		Type:      EventAgentCompleted,
		SessionID: sessionID,
		Summary:   "stub session completed",
		Outputs:   registry.JSONMap{},
	}
}

// Start implements Bridge.
func (l *LocalBridge) Start(_ context.Context, sessionID, _ string, _ []string, initialMessage string) error {
	return l.spawn(sessionID, []string{initialMessage})
}

// Resume implements Bridge. A resumed session reuses the same sessionID;
// LocalBridge does not distinguish a restarted worker from a freshly
// started one, since it keeps no actual worker process around between
// suspensions.
func (l *LocalBridge) Resume(_ context.Context, sessionID string, newMessages []string) error {
	return l.spawn(sessionID, newMessages)
}

func (l *LocalBridge) spawn(sessionID string, messages []string) error {
	l.mu.Lock()
	if _, running := l.sessions[sessionID]; running {
		l.mu.Unlock()
		return fmt.Errorf("session %s is already running", sessionID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.sessions[sessionID] = cancel
	l.mu.Unlock()

	go l.run(ctx, sessionID, messages)
	return nil
}

func (l *LocalBridge) run(ctx context.Context, sessionID string, messages []string) {
	defer func() {
		l.mu.Lock()
		delete(l.sessions, sessionID)
		l.mu.Unlock()
	}()

	ev := l.Behavior(sessionID, messages)
	select {
	case <-ctx.Done():
	case l.events <- ev:
	}
}

// Cancel implements Bridge. Cancelling an unknown or already-finished
// session is a no-op, not an error.
func (l *LocalBridge) Cancel(_ context.Context, sessionID string) error {
	l.mu.Lock()
	cancel, ok := l.sessions[sessionID]
	if ok {
		delete(l.sessions, sessionID)
	}
	l.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Events implements Bridge.
func (l *LocalBridge) Events() <-chan Event {
	return l.events
}
