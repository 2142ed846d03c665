package config

import "time"

// QueueConfig contains event queue and agent worker pool tuning (spec.md
// §4.1 bounded event queue, §4.3 agent concurrency).
type QueueConfig struct {
	// EventQueueDepth is the bounded capacity of each of the Event Router's
	// per-shard inbound queues. Once a shard's queue is full, new deliveries
	// for it back-pressure the webhook receiver.
	EventQueueDepth int `yaml:"event_queue_depth"`

	// MaxConcurrentAgents is the process-global semaphore size shared by
	// every agent stage across every live run.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`

	// AgentRoleLimits caps concurrency per agent_role on top of the global
	// semaphore, e.g. {"reviewer": 2}. Roles absent from this map are only
	// bounded by MaxConcurrentAgents.
	AgentRoleLimits map[string]int `yaml:"agent_role_limits"`

	// WatchdogInterval is validated as positive but is not read by the
	// per-agent watchdog (layer 1), whose heartbeat interval is
	// min(30s, max_active_duration/10).
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`

	// BackupTimerSlack is added to the agent role's max_active_duration to
	// arm the backup timer (layer 2), which fires even if the watchdog
	// goroutine itself wedges.
	BackupTimerSlack time.Duration `yaml:"backup_timer_slack"`

	// ReconcileInterval is the cadence of the periodic reconciliation sweep
	// (layer 3), scheduled via cron.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// GracefulShutdownTimeout bounds how long Serve waits for in-flight
	// stages to reach a safe suspension point before forcing shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultQueueConfig returns the built-in queue/worker defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		EventQueueDepth:         1000,
		MaxConcurrentAgents:     10,
		AgentRoleLimits:         map[string]int{},
		WatchdogInterval:        15 * time.Second,
		BackupTimerSlack:        2 * time.Minute,
		ReconcileInterval:       5 * time.Minute,
		GracefulShutdownTimeout: 15 * time.Minute,
	}
}
