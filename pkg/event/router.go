package event

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
)

// PipelineDispatcher is the subset of the Pipeline Engine the router calls
// into (spec.md §4.1 step 3a/3b). Implemented by pkg/pipeline.Engine.
type PipelineDispatcher interface {
	HandleTrigger(ctx context.Context, ev Event) error
	HandleReactive(ctx context.Context, ev Event) error
}

// LifecycleHooks is the subset of the Agent Lifecycle Manager the router
// calls into (spec.md §4.1 step 3c): approval recording, inbox queuing.
type LifecycleHooks interface {
	HandleLifecycleEvent(ctx context.Context, ev Event) error
}

// Router is the Event Router (spec.md §4.1): the sole public operation is
// Emit, which is idempotent by delivery id and fans deliveries out across a
// bounded, per-shard worker pool so that events for the same (pr, issue)
// pair process in arrival order while unrelated pairs proceed in parallel.
type Router struct {
	botIdentity string
	parser      *CommandParser

	pipeline  PipelineDispatcher
	lifecycle LifecycleHooks

	shards []chan Event
	wg     sync.WaitGroup

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// Config configures the Router's queue shape.
type Config struct {
	BotIdentity string
	ShardCount  int // number of ordered worker shards; each shard's queue depth is QueueDepth
	QueueDepth  int
}

// NewRouter constructs a Router with ShardCount parallel, internally-ordered
// worker goroutines, grounded on tarsy's WorkerPool/Worker split
// (pkg/queue/pool.go, pkg/queue/worker.go): a fixed pool of workers each
// independently draining their own queue, started together and stopped
// gracefully together.
func NewRouter(cfg Config, pipeline PipelineDispatcher, lifecycle LifecycleHooks) *Router {
	if cfg.ShardCount < 1 {
		cfg.ShardCount = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 100
	}

	r := &Router{
		botIdentity: cfg.BotIdentity,
		parser:      NewCommandParser(cfg.BotIdentity),
		pipeline:    pipeline,
		lifecycle:   lifecycle,
		shards:      make([]chan Event, cfg.ShardCount),
		seen:        make(map[string]struct{}),
	}
	for i := range r.shards {
		r.shards[i] = make(chan Event, cfg.QueueDepth)
	}
	return r
}

// Start launches one worker goroutine per shard.
func (r *Router) Start(ctx context.Context) {
	for i, shard := range r.shards {
		r.wg.Add(1)
		go r.runShard(ctx, i, shard)
	}
}

// Stop closes every shard queue and waits for in-flight events to drain.
func (r *Router) Stop() {
	for _, shard := range r.shards {
		close(shard)
	}
	r.wg.Wait()
}

// Emit is the Router's sole public operation. Duplicate deliveries (by
// DeliveryID) are dropped. The event is routed to the shard owning its
// (repo, pr/issue) key so that same-key events serialize. A delivery
// rejected because its shard queue is full is forgotten again, so a
// redelivery of it is accepted.
func (r *Router) Emit(ev Event) error {
	if r.markSeen(ev.DeliveryID) {
		slog.Debug("dropping duplicate event delivery", "delivery_id", ev.DeliveryID)
		return nil
	}

	shard := r.shards[r.shardFor(ev)]
	select {
	case shard <- ev:
		return nil
	default:
		r.seenMu.Lock()
		delete(r.seen, ev.DeliveryID)
		r.seenMu.Unlock()
		return fmt.Errorf("event queue full for shard %d: delivery %s dropped", r.shardFor(ev), ev.DeliveryID)
	}
}

func (r *Router) markSeen(deliveryID string) (duplicate bool) {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, ok := r.seen[deliveryID]; ok {
		return true
	}
	r.seen[deliveryID] = struct{}{}
	return false
}

// shardFor hashes the event's ordering key (repo + pr/issue number) to a
// shard index, so same-key events always land on the same worker.
func (r *Router) shardFor(ev Event) int {
	key := orderingKey(ev)
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % len(r.shards)
}

func orderingKey(ev Event) string {
	switch {
	case ev.PRNumber != 0:
		return fmt.Sprintf("%s#pr:%d", ev.Repo, ev.PRNumber)
	case ev.IssueNumber != 0:
		return fmt.Sprintf("%s#issue:%d", ev.Repo, ev.IssueNumber)
	default:
		return ev.DeliveryID
	}
}

func (r *Router) runShard(ctx context.Context, idx int, queue chan Event) {
	defer r.wg.Done()
	log := slog.With("shard", idx)

	for ev := range queue {
		if err := r.process(ctx, ev); err != nil {
			log.Error("failed to process event", "delivery_id", ev.DeliveryID, "type", ev.Type, "error", err)
		}
	}
}

// process implements the Router's dispatch steps (spec.md §4.1):
//  1. drop events authored by the bot itself (breaks self-reaction loops)
//  2. parse a command mention and synthesize a `command` event
//  3. dispatch to the trigger matcher, the reactive handler, and lifecycle hooks
func (r *Router) process(ctx context.Context, ev Event) error {
	if ev.Sender != "" && ev.Sender == r.botIdentity {
		slog.Debug("dropping self-authored event", "delivery_id", ev.DeliveryID)
		return nil
	}

	if body, ok := commentBody(ev.Payload); ok {
		if cmd, matched := r.parser.Parse(body); matched {
			synthetic := ev
			synthetic.Type = "command"
			synthetic.Payload = map[string]any{"role": cmd.Role, "body": cmd.Body}
			ev = synthetic
		}
	}

	var errs []error
	if err := r.pipeline.HandleTrigger(ctx, ev); err != nil {
		errs = append(errs, fmt.Errorf("trigger dispatch: %w", err))
	}
	if err := r.pipeline.HandleReactive(ctx, ev); err != nil {
		errs = append(errs, fmt.Errorf("reactive dispatch: %w", err))
	}
	if err := r.lifecycle.HandleLifecycleEvent(ctx, ev); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle dispatch: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d handler(s) failed: %v", len(errs), errs)
	}
	return nil
}

func commentBody(payload map[string]any) (string, bool) {
	if payload == nil {
		return "", false
	}
	body, ok := payload["body"].(string)
	return body, ok
}
