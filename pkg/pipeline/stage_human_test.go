package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/event"
)

// TestHumanEventMatchesComment covers spec.md §4.2.1's `comment` completion
// type: a matching sender plus an optional pattern against the comment body.
func TestHumanEventMatchesComment(t *testing.T) {
	stage := config.StageDefinition{WaitFor: "comment", From: "reviewer-bot", Pattern: "^/approve"}

	matched, err := humanEventMatches(stage, event.Event{
		Type: "issue_comment.created", Sender: "reviewer-bot",
		Payload: map[string]any{"body": "/approve this looks good"},
	})
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = humanEventMatches(stage, event.Event{
		Type: "issue_comment.created", Sender: "reviewer-bot",
		Payload: map[string]any{"body": "not an approval"},
	})
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestHumanEventMatchesCommentRejectsWrongSender(t *testing.T) {
	stage := config.StageDefinition{WaitFor: "comment", From: "reviewer-bot"}

	matched, err := humanEventMatches(stage, event.Event{
		Type: "issue_comment.created", Sender: "someone-else",
		Payload: map[string]any{"body": "/approve"},
	})
	require.NoError(t, err)
	assert.False(t, matched)
}

// TestHumanEventMatchesLabel covers the `label` completion type.
func TestHumanEventMatchesLabel(t *testing.T) {
	stage := config.StageDefinition{WaitFor: "label", Pattern: "ready-to-merge"}

	matched, err := humanEventMatches(stage, event.Event{
		Type: "issues.labeled", Payload: map[string]any{"label": "ready-to-merge"},
	})
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = humanEventMatches(stage, event.Event{
		Type: "issues.labeled", Payload: map[string]any{"label": "wip"},
	})
	require.NoError(t, err)
	assert.False(t, matched)
}

// TestHumanEventMatchesDismiss covers the `dismiss` completion type.
func TestHumanEventMatchesDismiss(t *testing.T) {
	stage := config.StageDefinition{WaitFor: "dismiss"}

	matched, err := humanEventMatches(stage, event.Event{Type: "pull_request_review.dismissed"})
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = humanEventMatches(stage, event.Event{Type: "pull_request_review.submitted"})
	require.NoError(t, err)
	assert.False(t, matched)
}

// TestHumanEventMatchesUnknownWaitForNeverMatches checks that a wait_for
// value humanEventMatches has no case for (here "approval", which
// waitConditionSatisfied resolves through the approvals table instead)
// never matches an event.
func TestHumanEventMatchesUnknownWaitForNeverMatches(t *testing.T) {
	stage := config.StageDefinition{WaitFor: "approval"}
	matched, err := humanEventMatches(stage, event.Event{Type: "issue_comment.created"})
	require.NoError(t, err)
	assert.False(t, matched)
}
