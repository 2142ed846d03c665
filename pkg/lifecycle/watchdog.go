package lifecycle

import (
	"context"
	"time"

	"github.com/squadron/squadron/pkg/registry"
)

// startWatchdog arms the three-layer timeout enforcement for one active
// agent (spec.md §4.3.2): a heartbeat-writing watchdog goroutine plus an
// independent backup timer that only fires if the watchdog itself wedges.
// Grounded on tarsy's pkg/queue/worker.go runHeartbeat/pollAndProcess
// (per-session context.WithTimeout plus a parallel heartbeat ticker) and
// pkg/queue/orphan.go's stale-heartbeat recovery, generalized from a single
// shared polling loop to one goroutine pair per agent.
func (m *Manager) startWatchdog(agentID string, maxActiveDuration time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())

	m.wdMu.Lock()
	if prior, ok := m.watchdogs[agentID]; ok {
		prior()
	}
	m.watchdogs[agentID] = cancel
	m.wdMu.Unlock()

	m.wg.Add(2)
	go m.runWatchdog(ctx, agentID, maxActiveDuration)
	go m.runBackupTimer(ctx, agentID, maxActiveDuration+m.queue.BackupTimerSlack)
}

// cancelWatchdog stops both goroutines for agentID, used whenever the agent
// leaves the ACTIVE state by any path (sleep, completion, cancellation).
func (m *Manager) cancelWatchdog(agentID string) {
	m.wdMu.Lock()
	defer m.wdMu.Unlock()
	if cancel, ok := m.watchdogs[agentID]; ok {
		cancel()
		delete(m.watchdogs, agentID)
	}
}

// runWatchdog is the primary watchdog (layer 1): it writes a heartbeat at
// min(30s, maxActiveDuration*0.1) and force-terminates the agent once
// maxActiveDuration elapses.
func (m *Manager) runWatchdog(ctx context.Context, agentID string, maxActiveDuration time.Duration) {
	defer m.wg.Done()

	interval := maxActiveDuration / 10
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadline := time.NewTimer(maxActiveDuration)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.reg.Agents.Heartbeat(context.Background(), agentID, time.Now()); err != nil {
				m.log.Warn("watchdog heartbeat failed", "agent_id", agentID, "error", err)
			}
		case <-deadline.C:
			m.forceTerminate(agentID, "max_active_duration exceeded", false)
			return
		}
	}
}

// runBackupTimer is layer 2: it fires only if ctx is still live when `after`
// elapses, i.e. the primary watchdog above never reached its own deadline
// case (or the process is otherwise wedged) — evidence the watchdog
// goroutine itself failed, not just that the agent overran its budget.
func (m *Manager) runBackupTimer(ctx context.Context, agentID string, after time.Duration) {
	defer m.wg.Done()

	timer := time.NewTimer(after)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		m.forceTerminate(agentID, "backup timer: primary watchdog unresponsive", true)
	}
}

// forceTerminate is the shared tail of layers 1-3 (the reconciliation
// sweep in pkg/reconcile reaches the same path by calling CancelAgent
// directly on agents found past cutoff). watchdogEscaped distinguishes a
// clean budget expiry from a watchdog that itself failed to act in time
// (spec.md §8 S5's watchdog-escaped diagnostic flag).
func (m *Manager) forceTerminate(agentID, reason string, watchdogEscaped bool) {
	ctx := context.Background()
	if watchdogEscaped {
		if err := m.reg.Agents.MarkWatchdogEscaped(ctx, agentID); err != nil {
			m.log.Error("mark watchdog escaped", "agent_id", agentID, "error", err)
		}
	}
	_ = m.bridge.Cancel(ctx, agentID)
	if err := m.finalizeAgent(ctx, agentID, registry.AgentFailed, nil, reason); err != nil {
		m.log.Error("force-terminate agent", "agent_id", agentID, "reason", reason, "error", err)
	}
}
