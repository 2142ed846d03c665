package pipeline

import (
	"context"
	"time"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/registry"
)

// AgentManager is the subset of the Agent Lifecycle Manager an `agent`
// stage needs (spec.md §4.3). Implemented by pkg/lifecycle.Manager.
type AgentManager interface {
	StartAgent(ctx context.Context, req StartAgentRequest) (*registry.Agent, error)
	WakeAgent(ctx context.Context, agentID string, mail registry.JSONMap) error
	CancelAgent(ctx context.Context, agentID string) error
}

// StartAgentRequest carries everything an `agent` stage resolves before
// asking the Lifecycle Manager to create or continue a session.
type StartAgentRequest struct {
	Role            string
	IssueNumber     int64
	PRNumber        *int64
	RunID           string
	StageID         string
	Action          string
	ContinueSession bool
	Context         registry.JSONMap
}

// GateEvaluator is the subset of the Gate Evaluator & Registry a `gate`
// stage needs (spec.md §4.4). Implemented by pkg/gate.Registry.
type GateEvaluator interface {
	Evaluate(ctx context.Context, check config.GateConditionConfig, scope map[string]any) (passed bool, message string, resultData registry.JSONMap, err error)
	// ReactiveEventsFor returns the event types that should trigger
	// re-evaluation of check within a waiting gate stage (spec.md §4.4), so
	// a reactive re-evaluation can reuse every other check's cached result
	// instead of re-running it (testable property 10).
	ReactiveEventsFor(check string) []string
}

// Forge is the subset of the forge REST client an `action`/`webhook` stage
// needs (spec.md §1, out of scope for a concrete implementation — callers
// depend only on this contract). Implemented by pkg/forge.HTTPClient, and
// by pkg/forge.FakeClient in tests.
type Forge interface {
	Do(ctx context.Context, req ForgeRequest) (ForgeResponse, error)
}

// ForgeRequest is a generic forge action or arbitrary webhook call.
type ForgeRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// ForgeResponse is the result of a ForgeRequest.
type ForgeResponse struct {
	StatusCode int
	Body       []byte
}

// Notifier delivers escalation and reminder notifications (spec.md §7).
// Implemented by pkg/notify.Client.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Activity records pipeline/stage transitions to the Activity Log
// (spec.md §4.6). Implemented by pkg/activity.Log.
type Activity interface {
	Record(ctx context.Context, e registry.ActivityEvent)
}

// Clock abstracts time for delay-stage scheduling and tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Engine is the Pipeline Engine (spec.md §4.2): it compiles pipeline
// definitions into running instances, drives stage execution, resolves
// transitions, and applies reactive-event directives to live runs.
type Engine struct {
	pipelines       *config.PipelineRegistry
	reg             *registry.Registry
	agents          AgentManager
	gates           GateEvaluator
	forge           Forge
	notifier        Notifier
	activity        Activity
	clock           Clock
	escalationLabel string
}

// NewEngine wires the Pipeline Engine's dependencies. escalationLabel is
// the label applied to the PR/issue when a run escalates (spec.md §7).
func NewEngine(pipelines *config.PipelineRegistry, reg *registry.Registry, agents AgentManager, gates GateEvaluator, forge Forge, notifier Notifier, activity Activity, escalationLabel string) *Engine {
	return &Engine{
		pipelines:       pipelines,
		reg:             reg,
		agents:          agents,
		gates:           gates,
		forge:           forge,
		notifier:        notifier,
		activity:        activity,
		clock:           realClock{},
		escalationLabel: escalationLabel,
	}
}
