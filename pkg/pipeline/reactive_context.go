package pipeline

import (
	"context"

	"github.com/squadron/squadron/pkg/event"
)

// reactiveEventKey is the context key carrying the event that woke a waiting
// stage via a reevaluate_gates directive, so a stage executor invoked
// reactively can see what triggered it without widening stageExecutor's
// signature (spec.md §4.2.4, §4.4 reactive minimization).
type reactiveEventKey struct{}

func withReactiveEvent(ctx context.Context, ev event.Event) context.Context {
	return context.WithValue(ctx, reactiveEventKey{}, ev)
}

// reactiveEventFromContext returns the triggering event, if this invocation
// of executeStage was reached through a reactive re-evaluation rather than
// a fresh entry, an AdvanceStageRun poll, or a reconciliation sweep.
func reactiveEventFromContext(ctx context.Context) (event.Event, bool) {
	ev, ok := ctx.Value(reactiveEventKey{}).(event.Event)
	return ev, ok
}
