package config

import "time"

// ForgeConfig configures the forge (GitHub-style) REST client (pkg/forge),
// including the Open Question #2 retry curve.
type ForgeConfig struct {
	// BaseURL is the forge API root, e.g. https://api.github.com.
	BaseURL string `yaml:"base_url" validate:"required"`

	// TokenEnv names the environment variable holding the forge API token.
	TokenEnv string `yaml:"token_env"`

	Retry ForgeRetryConfig `yaml:"retry"`
}

// ForgeRetryConfig bounds transient-error retries on forge API calls.
// Resolves spec.md §9 Open Question #2: bounded exponential backoff with
// randomized jitter (each delay varies by ±50%). MaxRetries is read as the
// total number of attempts, the first call included.
type ForgeRetryConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxRetries int           `yaml:"max_attempts"`
	MaxDelay   time.Duration `yaml:"cap"`
}

// DefaultForgeConfig returns the built-in forge client defaults.
func DefaultForgeConfig() *ForgeConfig {
	return &ForgeConfig{
		TokenEnv: "FORGE_TOKEN",
		Retry:    DefaultForgeRetryConfig(),
	}
}

// DefaultForgeRetryConfig is the Open Question #2 decision: base 250ms,
// multiplier 2.0, max 5 attempts, cap 10s.
func DefaultForgeRetryConfig() ForgeRetryConfig {
	return ForgeRetryConfig{
		BaseDelay:  250 * time.Millisecond,
		Multiplier: 2.0,
		MaxRetries: 5,
		MaxDelay:   10 * time.Second,
	}
}

// EscalationNotifyConfig configures the maintainers escalation channel (pkg/notify),
// adapted from tarsy's SlackYAMLConfig.
type EscalationNotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// DefaultEscalationNotifyConfig returns the built-in escalation-notify defaults.
func DefaultEscalationNotifyConfig() *EscalationNotifyConfig {
	return &EscalationNotifyConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}
}
