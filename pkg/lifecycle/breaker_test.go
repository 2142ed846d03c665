package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardStartPassesThroughSuccess(t *testing.T) {
	b := newRoleBreakers()
	err := b.guardStart("reviewer", func() error { return nil })
	require.NoError(t, err)
}

func TestGuardStartPassesThroughFailure(t *testing.T) {
	b := newRoleBreakers()
	boom := errors.New("worktree mount failed")
	err := b.guardStart("reviewer", func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

// TestGuardStartTripsAfterConsecutiveFailures covers spec.md §4.3.1/§7's
// circuit-breaker-on-misbehaving-worker-launch behavior: three consecutive
// start failures for one role must fail fast rather than keep allocating
// worktrees behind a wedged worker.
func TestGuardStartTripsAfterConsecutiveFailures(t *testing.T) {
	b := newRoleBreakers()
	boom := errors.New("session worker unreachable")

	for i := 0; i < 3; i++ {
		err := b.guardStart("reviewer", func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	// The breaker is now open: the next call fails fast without invoking
	// start at all, regardless of what start would have returned.
	called := false
	err := b.guardStart("reviewer", func() error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called, "start must not run while the breaker is open")
}

func TestGuardStartIsolatedPerRole(t *testing.T) {
	b := newRoleBreakers()
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = b.guardStart("reviewer", func() error { return boom })
	}

	// A different role's breaker must be unaffected by reviewer's trips.
	err := b.guardStart("fixer", func() error { return nil })
	assert.NoError(t, err)
}
