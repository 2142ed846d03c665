package lifecycle

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// roleBreakers guards session.Bridge.Start against a role whose worker
// keeps failing to launch (a wedged worktree mount, an unreachable
// session-worker process, ...): once a role trips its breaker, StartAgent
// fails fast instead of piling up failed worktree allocations behind it.
// Grounded on the resilience.CircuitBreaker adapter (a pack example's
// thin wrapper over sony/gobreaker), adapted to the non-/v2 generic
// CircuitBreaker[any] API this module's go.mod pins.
type roleBreakers struct {
	mu     sync.Mutex
	byRole map[string]*gobreaker.CircuitBreaker[any]
}

func newRoleBreakers() *roleBreakers {
	return &roleBreakers{byRole: map[string]*gobreaker.CircuitBreaker[any]{}}
}

func (b *roleBreakers) forRole(role string) *gobreaker.CircuitBreaker[any] {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byRole[role]
	if ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        "lifecycle.start." + role,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	cb = gobreaker.NewCircuitBreaker[any](settings)
	b.byRole[role] = cb
	return cb
}

// guardStart runs start through role's breaker. ErrCircuitOpen-equivalent
// failures (gobreaker.ErrOpenState/ErrTooManyRequests) surface as a plain
// wrapped error — callers treat it like any other StartAgent failure.
func (b *roleBreakers) guardStart(role string, start func() error) error {
	_, err := b.forRole(role).Execute(func() (any, error) {
		return nil, start()
	})
	return err
}
