package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/registry"
)

// executeWebhookStage calls an arbitrary HTTP endpoint and validates the
// response against an optional status code and gojq expression (spec.md
// §4.2.1 `webhook` stage).
func executeWebhookStage(ctx context.Context, e *Engine, run *registry.PipelineRun, def *config.PipelineDefinition, stage config.StageDefinition, sr *registry.StageRun) (StageResult, error) {
	scope := scopeFor(run)

	url, err := RenderTemplate(stage.URL, scope)
	if err != nil {
		return StageResult{}, fmt.Errorf("render webhook url: %w", err)
	}
	body, err := renderOr(stage.Body, scope)
	if err != nil {
		return StageResult{}, fmt.Errorf("render webhook body: %w", err)
	}

	method := stage.Method2
	if method == "" {
		method = "POST"
	}

	resp, err := e.forge.Do(ctx, ForgeRequest{Method: method, URL: url, Headers: stage.Headers, Body: body})
	if err != nil {
		return handleActionError(stage, err)
	}

	if stage.Expect != nil {
		if stage.Expect.Status != 0 && resp.StatusCode != stage.Expect.Status {
			next := config.TerminalFail
			if stage.OnCIFailure != nil {
				next = stage.OnCIFailure.Target
			}
			return StageResult{Advance: true, FinalStatus: registry.StageRunFailed, Next: next}, nil
		}
		if stage.Expect.JQ != "" {
			ok, err := evaluateJQBool(stage.Expect.JQ, resp.Body)
			if err != nil {
				return StageResult{}, fmt.Errorf("evaluate expect jq %q: %w", stage.Expect.JQ, err)
			}
			if !ok {
				next := config.TerminalFail
				if stage.OnCIFailure != nil {
					next = stage.OnCIFailure.Target
				}
				return StageResult{Advance: true, FinalStatus: registry.StageRunFailed, Next: next}, nil
			}
		}
	}

	return StageResult{
		Advance:     true,
		FinalStatus: registry.StageRunCompleted,
		Outputs:     registry.JSONMap{"status_code": resp.StatusCode},
		Next:        nextFor(stage.OnComplete),
	}, nil
}

// evaluateJQBool runs a gojq expression against a JSON body and reports
// whether it yields a truthy first result.
func evaluateJQBool(expr string, body []byte) (bool, error) {
	var data any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return false, fmt.Errorf("unmarshal response body: %w", err)
		}
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("parse jq expression: %w", err)
	}

	iter := query.Run(data)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := v.(error); isErr {
		return false, err
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}
