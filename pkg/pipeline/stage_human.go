package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/event"
	"github.com/squadron/squadron/pkg/registry"
)

// executeHumanStage waits for human input — approval, comment, label, or
// dismiss (spec.md §4.2.1 `human` stage). The first invocation only records
// the review requirement and parks the stage; every later invocation (a
// wake triggered by an approval/comment/label reactive event) re-checks
// whether the wait condition is now satisfied.
func executeHumanStage(ctx context.Context, e *Engine, run *registry.PipelineRun, def *config.PipelineDefinition, stage config.StageDefinition, sr *registry.StageRun) (StageResult, error) {
	if sr.Status == registry.StageRunRunning {
		if err := registerReviewRequirement(ctx, e, run, stage); err != nil {
			return StageResult{}, err
		}
		if err := e.reg.StageRuns.UpdateStatus(ctx, sr.ID, registry.StageRunWaiting, nil, ""); err != nil {
			return StageResult{}, err
		}
		if stage.Notify != nil && e.notifier != nil {
			_ = e.notifier.Notify(ctx, fmt.Sprintf("waiting on %s for %s", stage.WaitFor, stage.ID))
		}
		e.recordActivity(ctx, run.RunID, "human.waiting", registry.JSONMap{"stage": stage.ID, "wait_for": stage.WaitFor})
		return waiting(), nil
	}

	satisfied, err := waitConditionSatisfied(ctx, e, run, stage)
	if err != nil {
		return StageResult{}, err
	}
	if !satisfied {
		return waiting(), nil
	}

	return StageResult{
		Advance:     true,
		FinalStatus: registry.StageRunCompleted,
		Next:        nextFor(stage.OnComplete),
	}, nil
}

func registerReviewRequirement(ctx context.Context, e *Engine, run *registry.PipelineRun, stage config.StageDefinition) error {
	if stage.WaitFor != "approval" || run.PrimaryPRNumber == nil {
		return nil
	}
	required := stage.Count
	if required < 1 {
		required = 1
	}
	return e.reg.Approvals.UpsertRequirement(ctx, &registry.PRReviewRequirement{
		PRNumber:      *run.PrimaryPRNumber,
		Role:          "human:" + stage.From,
		RequiredCount: required,
		OwningRunID:   run.RunID,
	})
}

func waitConditionSatisfied(ctx context.Context, e *Engine, run *registry.PipelineRun, stage config.StageDefinition) (bool, error) {
	if stage.WaitFor == "" || stage.WaitFor == "approval" {
		if run.PrimaryPRNumber == nil {
			return false, nil
		}
		ready, _, err := e.reg.Approvals.CheckPRMergeReady(ctx, *run.PrimaryPRNumber)
		return ready, err
	}

	// comment/label/dismiss conditions are resolved off the triggering
	// event carried in ctx by reevaluateWaitingStage; a wake with no event
	// attached (e.g. an AdvanceStageRun poll) can't satisfy them.
	ev, ok := reactiveEventFromContext(ctx)
	if !ok {
		return false, nil
	}
	matched, err := humanEventMatches(stage, ev)
	if err != nil || !matched {
		return false, err
	}

	e.recordActivity(ctx, run.RunID, "human.wait_event", registry.JSONMap{
		"stage": stage.ID, "wait_for": stage.WaitFor, "sender": ev.Sender,
	})

	required := stage.Count
	if required <= 1 {
		return true, nil
	}
	count, err := e.countHumanWaitEvents(ctx, run.RunID, stage.ID)
	if err != nil {
		return false, err
	}
	return count >= required, nil
}

// humanEventMatches reports whether ev satisfies stage's wait_for condition
// (spec.md §4.2.1 `human` stage completion types). `from` narrows which
// sender counts, following the same unverified-label convention as
// registerReviewRequirement's "human:"+from role — Squadron has no group
// membership resolver of its own.
func humanEventMatches(stage config.StageDefinition, ev event.Event) (bool, error) {
	if stage.From != "" && ev.Sender != stage.From {
		return false, nil
	}

	switch stage.WaitFor {
	case "comment":
		if !strings.HasPrefix(ev.Type, "issue_comment.") && !strings.HasPrefix(ev.Type, "pull_request_review_comment.") {
			return false, nil
		}
		body, _ := ev.Payload["body"].(string)
		if stage.Pattern == "" {
			return body != "", nil
		}
		return regexp.MatchString(stage.Pattern, body)
	case "label":
		if ev.Type != "issues.labeled" && ev.Type != "pull_request.labeled" {
			return false, nil
		}
		label, _ := ev.Payload["label"].(string)
		if label == "" {
			return false, nil
		}
		return stage.Pattern == "" || label == stage.Pattern, nil
	case "dismiss":
		return ev.Type == "pull_request_review.dismissed", nil
	default:
		return false, nil
	}
}

// countHumanWaitEvents counts durable human.wait_event activity rows
// recorded for this stage, used when wait_for requires more than one
// matching event (stage.Count > 1) before the stage completes.
func (e *Engine) countHumanWaitEvents(ctx context.Context, runID, stageID string) (int, error) {
	events, err := e.reg.Activity.ForRun(ctx, runID, 500)
	if err != nil {
		return 0, fmt.Errorf("load activity history: %w", err)
	}
	count := 0
	for _, ev := range events {
		if ev.EventType != "human.wait_event" {
			continue
		}
		if s, _ := ev.Metadata["stage"].(string); s == stageID {
			count++
		}
	}
	return count, nil
}
