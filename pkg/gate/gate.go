// Package gate implements the Gate Evaluator & Registry (spec.md §4.4): a
// fixed set of built-in checks plus a name-keyed registration point for
// custom checks, all invoked through the single Evaluate operation the
// Pipeline Engine's `gate` and `delay.poll` stages call.
package gate

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/pipeline"
	"github.com/squadron/squadron/pkg/registry"
)

// CheckFunc evaluates one gate check's outcome against its configured
// parameters and the stage's expression scope.
type CheckFunc func(ctx context.Context, cfg map[string]any, scope map[string]any) (passed bool, message string, resultData registry.JSONMap, err error)

// Registry is the Gate Evaluator & Registry: it holds every built-in and
// custom CheckFunc keyed by name and implements pipeline.GateEvaluator.
type Registry struct {
	reg   *registry.Registry
	forge pipeline.Forge

	mu       sync.RWMutex
	checks   map[string]CheckFunc
	reactive map[string][]string
}

// NewRegistry wires the built-in checks (spec.md §4.4) against reg and
// forge, ready for custom checks to be added via RegisterCheck.
func NewRegistry(reg *registry.Registry, forge pipeline.Forge) *Registry {
	g := &Registry{reg: reg, forge: forge, checks: map[string]CheckFunc{}, reactive: map[string][]string{}}
	g.registerBuiltins()
	return g
}

// RegisterCheck adds a custom check under name, with the set of event types
// whose arrival should trigger re-evaluation of this check within a waiting
// gate stage (spec.md §4.4's per-check `reactive_events`). Registering a
// name twice is a programmer error, not a runtime condition a caller can
// recover from — it panics, matching the "duplicate gate check
// registration" failure mode spec.md §4.4 calls for at startup wiring time.
func (g *Registry) RegisterCheck(name string, fn CheckFunc, reactiveEvents ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.checks[name]; exists {
		panic(fmt.Errorf("%w: %s", config.ErrDuplicateGateName, name))
	}
	g.checks[name] = fn
	if g.reactive == nil {
		g.reactive = map[string][]string{}
	}
	if len(reactiveEvents) > 0 {
		g.reactive[name] = reactiveEvents
	}
}

// ReactiveEventsFor implements pipeline.GateEvaluator: it returns the event
// types that should trigger re-evaluation of check within a waiting gate
// stage (spec.md §4.4), or nil for a check with no reactive triggers
// (`command`, `file_exists` — purely polled/triggered by their own stage).
func (g *Registry) ReactiveEventsFor(check string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reactive[check]
}

// Evaluate implements pipeline.GateEvaluator.
func (g *Registry) Evaluate(ctx context.Context, check config.GateConditionConfig, scope map[string]any) (bool, string, registry.JSONMap, error) {
	g.mu.RLock()
	fn, ok := g.checks[check.Check]
	g.mu.RUnlock()
	if !ok {
		return false, "", nil, fmt.Errorf("unknown gate check %q", check.Check)
	}
	return fn(ctx, withPROverride(check), scope)
}

// withPROverride folds a gate condition's own `pr:` field (used by
// multi-pr-scope pipelines to target a PR other than the run's primary one)
// into its config map under the "pr" key, unless the check's own config
// already sets it.
func withPROverride(check config.GateConditionConfig) map[string]any {
	if check.PR == 0 {
		return check.Config
	}
	if _, set := check.Config["pr"]; set {
		return check.Config
	}
	cfg := make(map[string]any, len(check.Config)+1)
	for k, v := range check.Config {
		cfg[k] = v
	}
	cfg["pr"] = check.PR
	return cfg
}

// registerBuiltins wires the minimum viable check set and their reactive
// triggers from the spec.md §4.4 table directly, bypassing RegisterCheck's
// panic-on-duplicate guard since these names are fixed at construction.
func (g *Registry) registerBuiltins() {
	g.checks["command"] = checkCommand
	g.checks["file_exists"] = checkFileExists
	g.checks["pr_approvals_met"] = g.checkPRApprovalsMet
	g.checks["ci_status"] = g.checkCIStatus
	g.checks["label_present"] = g.checkLabelPresent
	g.checks["no_changes_requested"] = g.checkNoChangesRequested
	g.checks["human_approved"] = g.checkHumanApproved
	g.checks["branch_up_to_date"] = g.checkBranchUpToDate

	g.reactive["pr_approvals_met"] = []string{"pull_request_review.submitted", "pull_request_review.dismissed"}
	g.reactive["ci_status"] = []string{"check_suite.completed", "status"}
	g.reactive["label_present"] = []string{"issues.labeled", "issues.unlabeled"}
	g.reactive["no_changes_requested"] = []string{"pull_request_review.submitted", "pull_request_review.dismissed"}
	g.reactive["human_approved"] = []string{"pull_request_review.submitted"}
	g.reactive["branch_up_to_date"] = []string{"push", "pull_request.synchronize"}
}

func cfgString(cfg map[string]any, key string) string {
	v, _ := cfg[key].(string)
	return v
}

func cfgInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
