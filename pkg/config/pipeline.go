package config

import (
	"fmt"
	"regexp"
	"sync"
)

// Scope is the breadth of state a pipeline run tracks (spec.md §3.1).
type Scope string

const (
	ScopeSinglePR Scope = "single-pr"
	ScopeMultiPR  Scope = "multi-pr"
	ScopeIssue    Scope = "issue"
)

// StageType discriminates the eight stage variants (spec.md §4.2.1).
type StageType string

const (
	StageTypeAgent    StageType = "agent"
	StageTypeGate     StageType = "gate"
	StageTypeHuman    StageType = "human"
	StageTypeParallel StageType = "parallel"
	StageTypeDelay    StageType = "delay"
	StageTypeAction   StageType = "action"
	StageTypeWebhook  StageType = "webhook"
	StageTypePipeline StageType = "pipeline"
)

// Reserved terminal transition targets, always valid regardless of stage ids.
const (
	TerminalComplete  = "complete"
	TerminalEscalate  = "escalate"
	TerminalFail      = "fail"
	TerminalCancel    = "cancel"
	MaxNestingDepth   = 5
	stageIDPattern    = `^[A-Za-z][A-Za-z0-9_-]*$`
)

var stageIDRe = regexp.MustCompile(stageIDPattern)

// ReactiveDirective is the behavior the Pipeline Engine performs when a
// reactive event arrives for a live run (spec.md §4.2.4).
type ReactiveDirective struct {
	Action           string   `yaml:"action" validate:"required,oneof=reevaluate_gates invalidate_and_restart cancel wake_agent notify"`
	InvalidateStages []string `yaml:"invalidate,omitempty"`
	RestartFrom      string   `yaml:"restart_from,omitempty"`
	Message          string   `yaml:"message,omitempty"`
}

// TriggerCondition narrows which deliveries of TriggerEvent start a run.
type TriggerCondition struct {
	Label      string `yaml:"label,omitempty"`
	BaseBranch string `yaml:"base_branch,omitempty"`
}

// Trigger is the event-type + condition pair that starts a new run.
// A definition with a nil Trigger is a sub-pipeline: invocable only via a
// `pipeline` stage, never started directly by an inbound event.
type Trigger struct {
	Event     string             `yaml:"event" validate:"required"`
	Condition *TriggerCondition  `yaml:"condition,omitempty"`
}

// TransitionTarget resolves to a stage id, a reserved terminal, or a looped
// goto with an iteration budget (spec.md §4.2.3).
type TransitionTarget struct {
	// Simple form: just a stage id or reserved terminal string.
	Target string

	// Looping form, used by `gate.on_fail` and `human.on_timeout`.
	Goto          string `yaml:"goto,omitempty"`
	MaxIterations int    `yaml:"max_iterations,omitempty"`
	Then          string `yaml:"then,omitempty"`
}

// IsLoop reports whether this transition is the looping object form.
func (t TransitionTarget) IsLoop() bool { return t.Goto != "" }

// UnmarshalYAML lets TransitionTarget bind either a bare scalar
// ("complete") or a mapping ({goto: x, max_iterations: 3, then: escalate}).
func (t *TransitionTarget) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var scalar string
	if err := unmarshal(&scalar); err == nil {
		t.Target = scalar
		return nil
	}

	var obj struct {
		Goto          string `yaml:"goto"`
		MaxIterations int    `yaml:"max_iterations"`
		Then          string `yaml:"then"`
	}
	if err := unmarshal(&obj); err != nil {
		return err
	}
	t.Goto = obj.Goto
	t.MaxIterations = obj.MaxIterations
	t.Then = obj.Then
	return nil
}

// StageDefinition is one entry in a pipeline's ordered stage list. Fields
// not relevant to Type are left zero; the Pipeline Engine's tagged-variant
// executor (pkg/pipeline) discriminates on Type, never on inheritance.
type StageDefinition struct {
	ID   string    `yaml:"id" validate:"required"`
	Type StageType `yaml:"type" validate:"required,oneof=agent gate human parallel delay action webhook pipeline"`

	// agent
	AgentRole        string            `yaml:"agent_role,omitempty"`
	Action           string            `yaml:"action,omitempty"`
	ContinueSession  bool              `yaml:"continue_session,omitempty"`
	ExpectedOutputs  []string          `yaml:"expected_outputs,omitempty"`

	// gate
	Conditions []GateConditionConfig `yaml:"conditions,omitempty"`
	AnyOf      []GateConditionConfig `yaml:"any_of,omitempty"`
	OnPass     *TransitionTarget     `yaml:"on_pass,omitempty"`
	OnFail     *TransitionTarget     `yaml:"on_fail,omitempty"`

	// gate and human both "wait" stage types and so share one per-stage
	// timeout/handler pair (spec.md §4.2.1, §8 S3): Timeout bounds how long
	// the stage may sit in `waiting` before the reconciliation sweep forces
	// its on_timeout transition (escalate/fail/extend/notify/cancel). Gate
	// timeouts are independently configurable per gate, same as human's.
	Timeout   string            `yaml:"timeout,omitempty"`
	OnTimeout *TransitionTarget `yaml:"on_timeout,omitempty"`

	// human
	WaitFor    string        `yaml:"wait_for,omitempty"` // approval|comment|label|dismiss
	From       string        `yaml:"from,omitempty"`
	Count      int           `yaml:"count,omitempty"`
	Pattern    string        `yaml:"pattern,omitempty"`
	AutoAssign bool          `yaml:"auto_assign,omitempty"`
	Notify     *NotifyConfig `yaml:"notify,omitempty"`

	// parallel
	Branches     map[string]StageDefinition `yaml:"branches,omitempty"`
	Join         string                     `yaml:"join,omitempty"` // all|any|N-of-M
	OnAnyReject  *TransitionTarget          `yaml:"on_any_reject,omitempty"`

	// delay
	Duration string     `yaml:"duration,omitempty"`
	Poll     *PollConfig `yaml:"poll,omitempty"`

	// action / webhook shared retry+branching
	Retry       *RetryConfig      `yaml:"retry,omitempty"`
	OnConflict  *TransitionTarget `yaml:"on_conflict,omitempty"`
	OnCIFailure *TransitionTarget `yaml:"on_ci_failure,omitempty"`

	// action-specific
	ActionName  string            `yaml:"action_name,omitempty"` // merge_pr|close_pr|add_label|remove_label|comment
	Method      string            `yaml:"method,omitempty"`      // merge|squash|rebase
	DeleteBranch bool             `yaml:"delete_branch,omitempty"`
	Label       string            `yaml:"label,omitempty"`
	Comment     string            `yaml:"comment,omitempty"`

	// webhook
	URL     string            `yaml:"url,omitempty"`
	Method2 string            `yaml:"http_method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
	Expect  *ExpectConfig     `yaml:"expect,omitempty"`

	// pipeline
	PipelineName string `yaml:"pipeline_name,omitempty"`

	// universal terminal hooks
	OnComplete *TransitionTarget `yaml:"on_complete,omitempty"`
	OnError    *TransitionTarget `yaml:"on_error,omitempty"`
}

// GateConditionConfig names a registered gate check and its config.
type GateConditionConfig struct {
	Check  string         `yaml:"check" validate:"required"`
	Config map[string]any `yaml:"config,omitempty"`
	PR     int            `yaml:"pr,omitempty"`
}

// NotifyConfig configures a human stage's reminder schedule.
type NotifyConfig struct {
	Reminder string `yaml:"reminder,omitempty"`
}

// PollConfig configures a delay stage's early-exit gate poll.
type PollConfig struct {
	Check    string         `yaml:"check" validate:"required"`
	Config   map[string]any `yaml:"config,omitempty"`
	Interval string         `yaml:"interval" validate:"required"`
}

// RetryConfig bounds transient-failure retries for action/webhook stages.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
	Backoff     string `yaml:"backoff,omitempty"`
}

// ExpectConfig validates a webhook stage's HTTP response.
type ExpectConfig struct {
	Status int    `yaml:"status,omitempty"`
	JQ     string `yaml:"jq,omitempty"` // gojq expression evaluated against the JSON body
}

// PipelineDefinition is the immutable, loaded-from-configuration
// orchestration specification (spec.md §3.1).
type PipelineDefinition struct {
	Name        string             `yaml:"name" validate:"required"`
	Description string             `yaml:"description,omitempty"`
	Scope       Scope              `yaml:"scope" validate:"required,oneof=single-pr multi-pr issue"`
	Trigger     *Trigger           `yaml:"trigger,omitempty"`
	OnEvents    map[string]ReactiveDirective `yaml:"on_events,omitempty"`
	Stages      []StageDefinition  `yaml:"stages" validate:"required,min=1,dive"`
	OnComplete  *TransitionTarget  `yaml:"on_complete,omitempty"`
	OnError     *TransitionTarget  `yaml:"on_error,omitempty"`
}

// IsSubPipeline reports whether this definition is invocable only (no trigger).
func (d *PipelineDefinition) IsSubPipeline() bool { return d.Trigger == nil }

// StageByID returns the stage with the given id, or false if absent.
func (d *PipelineDefinition) StageByID(id string) (StageDefinition, bool) {
	for _, s := range d.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageDefinition{}, false
}

// PipelineRegistry stores pipeline definitions in memory with thread-safe
// access, modeled on tarsy's ChainRegistry (pkg/config/chain.go).
type PipelineRegistry struct {
	defs map[string]*PipelineDefinition
	mu   sync.RWMutex
}

// NewPipelineRegistry builds a registry from loaded definitions, taking a
// defensive copy of the map to prevent external mutation.
func NewPipelineRegistry(defs map[string]*PipelineDefinition) *PipelineRegistry {
	copied := make(map[string]*PipelineDefinition, len(defs))
	for k, v := range defs {
		copied[k] = v
	}
	return &PipelineRegistry{defs: copied}
}

// Get retrieves a pipeline definition by name.
func (r *PipelineRegistry) Get(name string) (*PipelineDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	return d, nil
}

// MatchTrigger returns every top-level (non-sub-pipeline) definition whose
// trigger matches the given event type and condition fields.
func (r *PipelineRegistry) MatchTrigger(eventType, label, baseBranch string) []*PipelineDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*PipelineDefinition
	for _, d := range r.defs {
		if d.Trigger == nil || d.Trigger.Event != eventType {
			continue
		}
		if d.Trigger.Condition != nil {
			if d.Trigger.Condition.Label != "" && d.Trigger.Condition.Label != label {
				continue
			}
			if d.Trigger.Condition.BaseBranch != "" && d.Trigger.Condition.BaseBranch != baseBranch {
				continue
			}
		}
		matches = append(matches, d)
	}
	return matches
}

// GetAll returns a defensive copy of every registered definition.
func (r *PipelineRegistry) GetAll() map[string]*PipelineDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]*PipelineDefinition, len(r.defs))
	for k, v := range r.defs {
		result[k] = v
	}
	return result
}

// Len returns the number of registered definitions.
func (r *PipelineRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// ValidateStageID reports whether a stage id matches [A-Za-z][A-Za-z0-9_-]*.
func ValidateStageID(id string) bool {
	return stageIDRe.MatchString(id)
}
