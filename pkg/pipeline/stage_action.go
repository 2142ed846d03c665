package pipeline

import (
	"context"
	"fmt"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/registry"
)

// executeActionStage performs a single forge-side write — merge/close a PR,
// add or remove a label, or post a comment (spec.md §4.2.1 `action` stage).
// Actions complete synchronously against the Forge contract; transient
// failures are the forge client's own retry concern (Open Question #2), so
// an error returned here is treated as the stage's final outcome.
func executeActionStage(ctx context.Context, e *Engine, run *registry.PipelineRun, def *config.PipelineDefinition, stage config.StageDefinition, sr *registry.StageRun) (StageResult, error) {
	scope := scopeFor(run)

	body, err := renderOr(actionBody(stage), scope)
	if err != nil {
		return StageResult{}, fmt.Errorf("render action body: %w", err)
	}

	resp, err := e.forge.Do(ctx, ForgeRequest{
		Method: actionMethod(stage),
		URL:    actionURL(run, stage),
		Body:   body,
	})
	if err != nil {
		return handleActionError(stage, err)
	}

	if resp.StatusCode == 409 && stage.OnConflict != nil {
		return StageResult{Advance: true, FinalStatus: registry.StageRunFailed, Next: stage.OnConflict.Target}, nil
	}
	if resp.StatusCode >= 400 {
		return StageResult{}, fmt.Errorf("action %s returned status %d", stage.ActionName, resp.StatusCode)
	}

	return StageResult{
		Advance:     true,
		FinalStatus: registry.StageRunCompleted,
		Outputs:     registry.JSONMap{"status_code": resp.StatusCode},
		Next:        nextFor(stage.OnComplete),
	}, nil
}

func handleActionError(stage config.StageDefinition, err error) (StageResult, error) {
	if stage.OnCIFailure != nil {
		return StageResult{Advance: true, FinalStatus: registry.StageRunFailed, Next: stage.OnCIFailure.Target}, nil
	}
	return StageResult{}, err
}

func actionBody(stage config.StageDefinition) string {
	switch stage.ActionName {
	case "comment":
		return stage.Comment
	default:
		return ""
	}
}

func actionMethod(stage config.StageDefinition) string {
	switch stage.ActionName {
	case "merge_pr":
		return "PUT"
	case "close_pr":
		return "PATCH"
	case "add_label", "comment":
		return "POST"
	case "remove_label":
		return "DELETE"
	default:
		return "POST"
	}
}

func actionURL(run *registry.PipelineRun, stage config.StageDefinition) string {
	pr := derefInt(run.PrimaryPRNumber)
	switch stage.ActionName {
	case "merge_pr":
		return fmt.Sprintf("/pulls/%d/merge", pr)
	case "close_pr":
		return fmt.Sprintf("/pulls/%d", pr)
	case "add_label", "remove_label":
		return fmt.Sprintf("/issues/%d/labels/%s", pr, stage.Label)
	case "comment":
		return fmt.Sprintf("/issues/%d/comments", pr)
	default:
		return fmt.Sprintf("/issues/%d", pr)
	}
}
