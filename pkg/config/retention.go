package config

import "time"

// RetentionConfig controls registry and activity-log retention/cleanup.
type RetentionConfig struct {
	// RunRetentionDays is how many days to keep completed pipeline runs
	// before they become eligible for cleanup.
	RunRetentionDays int `yaml:"run_retention_days"`

	// ActivityTTL bounds the age of orphaned activity-log rows a run's own
	// cleanup missed; a safety net, not the primary cleanup path.
	ActivityTTL time.Duration `yaml:"activity_ttl"`

	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		RunRetentionDays: 90,
		ActivityTTL:      6 * time.Hour,
		CleanupInterval:  12 * time.Hour,
	}
}
