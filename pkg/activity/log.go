// Package activity implements the Activity Log & Mailbox subsystem
// (spec.md §3.7, §4.6): an append-only log of pipeline/stage/agent
// transitions, durable in the Unified Registry, fanned out live to any
// number of subscribers (the Dashboard API's SSE stream chief among them).
package activity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/squadron/squadron/pkg/registry"
)

// subscriberBuffer bounds each subscriber's backlog. A slow subscriber
// drops its own oldest buffered event rather than blocking Record or
// starving other subscribers — broadcast holds the subscriber map's read
// lock while it sends, but every channel send it makes is non-blocking.
const subscriberBuffer = 256

// Log is the in-memory append-only Activity Log. It implements
// pipeline.Activity's Record method without needing to import pkg/pipeline
// — the interface is satisfied structurally against registry.ActivityEvent.
type Log struct {
	repo *registry.ActivityRepository
	log  *slog.Logger

	mu   sync.RWMutex
	subs map[int]chan registry.ActivityEvent
	next int
}

// NewLog wires a Log against its durable backing repository.
func NewLog(repo *registry.ActivityRepository, log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{
		repo: repo,
		log:  log,
		subs: make(map[int]chan registry.ActivityEvent),
	}
}

// Record persists e and fans it out to every live subscriber. Persistence
// failures are logged, not returned: the in-memory broadcast is the source
// of truth for live subscribers and must not be blocked by a transient
// database error, matching spec.md §4.6's "best-effort durability" note.
func (l *Log) Record(ctx context.Context, e registry.ActivityEvent) {
	if l.repo != nil {
		stored := e
		if err := l.repo.Append(ctx, &stored); err != nil {
			l.log.Error("persist activity event", "event_type", e.EventType, "error", err)
		} else {
			e = stored
		}
	}
	l.broadcast(e)
}

func (l *Log) broadcast(e registry.ActivityEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for id, ch := range l.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is behind; drop its oldest buffered event to make
			// room rather than let a slow consumer back-pressure Record.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
				l.log.Warn("dropping activity event for slow subscriber", "subscriber_id", id)
			}
		}
	}
}

// Subscribe registers a new live listener and returns its channel plus an
// unsubscribe func the caller must invoke when done (typically deferred in
// the SSE handler's request goroutine).
func (l *Log) Subscribe() (<-chan registry.ActivityEvent, func()) {
	l.mu.Lock()
	id := l.next
	l.next++
	ch := make(chan registry.ActivityEvent, subscriberBuffer)
	l.subs[id] = ch
	l.mu.Unlock()

	unsubscribe := func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
	return ch, unsubscribe
}

// SubscriberCount reports the number of live subscribers — used by
// /status and tests to avoid sleep-based polling.
func (l *Log) SubscriberCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// ForRun returns the durable history for a run, for the Dashboard API's
// hydration step and an SSE client's catch-up replay (spec.md §6).
func (l *Log) ForRun(ctx context.Context, runID string, limit int) ([]*registry.ActivityEvent, error) {
	if l.repo == nil {
		return nil, nil
	}
	return l.repo.ForRun(ctx, runID, limit)
}
