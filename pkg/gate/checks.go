package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/itchyny/gojq"
	"github.com/squadron/squadron/pkg/pipeline"
	"github.com/squadron/squadron/pkg/registry"
)

// checkCommand runs a shell command and passes iff it exits zero (spec.md
// §4.4 built-in `command` check). Intended for repository-local checks
// (linters, test runners) run against a worktree path supplied via scope.
func checkCommand(ctx context.Context, cfg map[string]any, scope map[string]any) (bool, string, registry.JSONMap, error) {
	command := cfgString(cfg, "run")
	if command == "" {
		return false, "", nil, fmt.Errorf("command check requires config.run")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if dir, ok := scope["worktree_path"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false, string(output), registry.JSONMap{"exit_error": err.Error()}, nil
	}
	return true, string(output), nil, nil
}

// checkFileExists passes iff the configured path exists relative to the
// scope's worktree (spec.md §4.4 built-in `file_exists` check).
func checkFileExists(_ context.Context, cfg map[string]any, scope map[string]any) (bool, string, registry.JSONMap, error) {
	path := cfgString(cfg, "path")
	if path == "" {
		return false, "", nil, fmt.Errorf("file_exists check requires config.path")
	}
	if dir, ok := scope["worktree_path"].(string); ok && dir != "" {
		path = dir + "/" + path
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Sprintf("%s does not exist", path), nil, nil
		}
		return false, "", nil, err
	}
	return true, fmt.Sprintf("%s exists", path), nil, nil
}

// checkPRApprovalsMet wraps registry.ApprovalRepository.CheckPRMergeReady,
// the check_pr_merge_ready(pr, scope) query spec.md §4.5 names.
func (g *Registry) checkPRApprovalsMet(ctx context.Context, cfg map[string]any, scope map[string]any) (bool, string, registry.JSONMap, error) {
	pr, ok := prFromConfig(cfg, scope)
	if !ok {
		return false, "", nil, fmt.Errorf("pr_approvals_met check requires a pr number")
	}
	ready, missing, err := g.reg.Approvals.CheckPRMergeReady(ctx, pr)
	if err != nil {
		return false, "", nil, fmt.Errorf("check pr merge ready: %w", err)
	}
	if ready {
		return true, fmt.Sprintf("PR #%d has all required approvals", pr), nil, nil
	}
	return false, fmt.Sprintf("PR #%d missing approvals from: %v", pr, missing), registry.JSONMap{"missing_roles": missing}, nil
}

// checkCIStatus queries the forge's combined-status endpoint for the head
// commit of the configured PR and compares it against an expected state
// (default "success").
func (g *Registry) checkCIStatus(ctx context.Context, cfg map[string]any, scope map[string]any) (bool, string, registry.JSONMap, error) {
	pr, ok := prFromConfig(cfg, scope)
	if !ok {
		return false, "", nil, fmt.Errorf("ci_status check requires a pr number")
	}
	want := cfgString(cfg, "status")
	if want == "" {
		want = "success"
	}

	resp, err := g.forge.Do(ctx, pipeline.ForgeRequest{Method: "GET", URL: fmt.Sprintf("/pulls/%d/status", pr)})
	if err != nil {
		return false, "", nil, fmt.Errorf("fetch ci status: %w", err)
	}

	var body struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return false, "", nil, fmt.Errorf("decode ci status response: %w", err)
	}

	passed := body.State == want
	return passed, fmt.Sprintf("CI status is %q, want %q", body.State, want),
		registry.JSONMap{"state": body.State}, nil
}

// checkLabelPresent queries the forge's labels endpoint for the configured
// PR/issue and passes iff the named label is present.
func (g *Registry) checkLabelPresent(ctx context.Context, cfg map[string]any, scope map[string]any) (bool, string, registry.JSONMap, error) {
	pr, ok := prFromConfig(cfg, scope)
	if !ok {
		return false, "", nil, fmt.Errorf("label_present check requires a pr number")
	}
	label := cfgString(cfg, "label")
	if label == "" {
		return false, "", nil, fmt.Errorf("label_present check requires config.label")
	}

	resp, err := g.forge.Do(ctx, pipeline.ForgeRequest{Method: "GET", URL: fmt.Sprintf("/issues/%d/labels", pr)})
	if err != nil {
		return false, "", nil, fmt.Errorf("fetch labels: %w", err)
	}

	present, err := evaluateJQBool(`map(.name) | any(. == $label)`, resp.Body, map[string]any{"label": label})
	if err != nil {
		return false, "", nil, err
	}
	if present {
		return true, fmt.Sprintf("label %q is present", label), nil, nil
	}
	return false, fmt.Sprintf("label %q is not present", label), nil, nil
}

// checkNoChangesRequested passes iff no review the forge returns for the PR
// has state CHANGES_REQUESTED. A changes-requested review is not superseded
// by a later review from the same reviewer.
func (g *Registry) checkNoChangesRequested(ctx context.Context, cfg map[string]any, scope map[string]any) (bool, string, registry.JSONMap, error) {
	pr, ok := prFromConfig(cfg, scope)
	if !ok {
		return false, "", nil, fmt.Errorf("no_changes_requested check requires a pr number")
	}

	resp, err := g.forge.Do(ctx, pipeline.ForgeRequest{Method: "GET", URL: fmt.Sprintf("/pulls/%d/reviews", pr)})
	if err != nil {
		return false, "", nil, fmt.Errorf("fetch reviews: %w", err)
	}

	hasRequestedChanges, err := evaluateJQBool(`any(.state == "CHANGES_REQUESTED")`, resp.Body, nil)
	if err != nil {
		return false, "", nil, err
	}
	if hasRequestedChanges {
		return false, fmt.Sprintf("PR #%d has an open changes-requested review", pr), nil, nil
	}
	return true, fmt.Sprintf("PR #%d has no open changes-requested review", pr), nil, nil
}

// checkHumanApproved is a thin alias over pr_approvals_met scoped to a
// single named role (spec.md §4.4 `human_approved` built-in), used by gate
// stages that gate on one specific reviewer role rather than the full
// merge-readiness set.
func (g *Registry) checkHumanApproved(ctx context.Context, cfg map[string]any, scope map[string]any) (bool, string, registry.JSONMap, error) {
	pr, ok := prFromConfig(cfg, scope)
	if !ok {
		return false, "", nil, fmt.Errorf("human_approved check requires a pr number")
	}
	role := cfgString(cfg, "role")
	if role == "" {
		role = "human:" + cfgString(cfg, "from")
	}

	reqs, err := g.reg.Approvals.Requirements(ctx, pr)
	if err != nil {
		return false, "", nil, fmt.Errorf("load review requirements: %w", err)
	}
	for _, req := range reqs {
		if req.Role != role {
			continue
		}
		ready, missing, err := g.reg.Approvals.CheckPRMergeReady(ctx, pr)
		if err != nil {
			return false, "", nil, err
		}
		for _, m := range missing {
			if m == role {
				return false, fmt.Sprintf("role %q has not approved PR #%d", role, pr), nil, nil
			}
		}
		return ready, fmt.Sprintf("role %q has approved PR #%d", role, pr), nil, nil
	}
	return false, fmt.Sprintf("no review requirement registered for role %q on PR #%d", role, pr), nil, nil
}

// checkBranchUpToDate compares the PR's head branch against its configured
// base via the forge's compare endpoint, passing iff the head is not behind.
func (g *Registry) checkBranchUpToDate(ctx context.Context, cfg map[string]any, scope map[string]any) (bool, string, registry.JSONMap, error) {
	pr, ok := prFromConfig(cfg, scope)
	if !ok {
		return false, "", nil, fmt.Errorf("branch_up_to_date check requires a pr number")
	}

	resp, err := g.forge.Do(ctx, pipeline.ForgeRequest{Method: "GET", URL: fmt.Sprintf("/pulls/%d", pr)})
	if err != nil {
		return false, "", nil, fmt.Errorf("fetch pull request: %w", err)
	}

	var body struct {
		MergeableState string `json:"mergeable_state"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return false, "", nil, fmt.Errorf("decode pull request response: %w", err)
	}

	if body.MergeableState == "behind" {
		return false, fmt.Sprintf("PR #%d is behind its base branch", pr), registry.JSONMap{"mergeable_state": body.MergeableState}, nil
	}
	return true, fmt.Sprintf("PR #%d is up to date with its base branch", pr), registry.JSONMap{"mergeable_state": body.MergeableState}, nil
}

// prFromConfig resolves a PR number from the check's own config.pr override
// or, failing that, the stage scope's trigger payload.
func prFromConfig(cfg map[string]any, scope map[string]any) (int64, bool) {
	if v, ok := cfg["pr"]; ok {
		switch t := v.(type) {
		case int:
			return int64(t), true
		case int64:
			return t, true
		case float64:
			return int64(t), true
		}
	}
	trigger, ok := scope["trigger"].(map[string]any)
	if !ok {
		return 0, false
	}
	switch t := trigger["pr_number"].(type) {
	case int64:
		return t, t != 0
	case float64:
		return int64(t), t != 0
	}
	return 0, false
}

// evaluateJQBool runs a gojq expression (optionally with named $vars) against
// a JSON body and reports whether it yields a truthy first result. Grounded
// on the same gojq evaluation idiom pkg/pipeline/stage_webhook.go uses for
// `expect.jq`.
func evaluateJQBool(expr string, body []byte, vars map[string]any) (bool, error) {
	var data any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return false, fmt.Errorf("unmarshal response body: %w", err)
		}
	}

	names := make([]string, 0, len(vars))
	values := make([]any, 0, len(vars))
	for k, v := range vars {
		names = append(names, k)
		values = append(values, v)
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("parse jq expression: %w", err)
	}
	code, err := gojq.Compile(query, gojq.WithVariables(names))
	if err != nil {
		return false, fmt.Errorf("compile jq expression: %w", err)
	}

	iter := code.Run(data, values...)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := v.(error); isErr {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}
