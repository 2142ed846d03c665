package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/squadron/squadron/pkg/registry"
)

// TestValidateExpectedOutputsPassesWhenAllPresent covers spec.md §4.2.1's
// "validated on completion" requirement for agent stage expected_outputs.
func TestValidateExpectedOutputsPassesWhenAllPresent(t *testing.T) {
	err := validateExpectedOutputs([]string{"summary", "branch"}, registry.JSONMap{
		"summary": "done", "branch": "fix/123",
	})
	assert.NoError(t, err)
}

func TestValidateExpectedOutputsFailsWhenMissing(t *testing.T) {
	err := validateExpectedOutputs([]string{"summary", "branch"}, registry.JSONMap{
		"summary": "done",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "branch")
}

func TestValidateExpectedOutputsNoopWhenNoneDeclared(t *testing.T) {
	err := validateExpectedOutputs(nil, registry.JSONMap{})
	assert.NoError(t, err)
}
