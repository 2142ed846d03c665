package config

// SystemConfig groups system-wide infrastructure settings, mirroring
// tarsy's SystemYAMLConfig grouping (pkg/config/loader.go).
type SystemConfig struct {
	// ListenAddr is the Dashboard API bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DashboardURL is the externally reachable base URL, used when building
	// links in escalation notifications.
	DashboardURL string `yaml:"dashboard_url"`

	// AllowedOrigins lists additional CORS origins permitted to open an SSE
	// stream connection beyond the dashboard's own origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AuthTokenEnv names the environment variable holding the Dashboard
	// API's bearer token.
	AuthTokenEnv string `yaml:"auth_token_env"`

	// EscalationLabel is applied to the PR/issue when a run escalates to
	// a human (spec.md §7 "escalation adds a configured label").
	EscalationLabel string `yaml:"escalation_label"`

	// WorktreeRoot is the working-copy root directory containing one
	// subdirectory per active persistent agent (spec.md §6 "Persistence
	// layout").
	WorktreeRoot string `yaml:"worktree_root"`

	// RepoPath is the local clone the Lifecycle Manager creates agent
	// worktrees/branches from.
	RepoPath string `yaml:"repo_path"`
}

// SystemYAMLConfig is the raw YAML shape for the `system:` block of
// squadron.yaml, before defaults are resolved.
type SystemYAMLConfig struct {
	ListenAddr      string                  `yaml:"listen_addr,omitempty"`
	DashboardURL    string                  `yaml:"dashboard_url,omitempty"`
	AllowedOrigins  []string                `yaml:"allowed_origins,omitempty"`
	AuthTokenEnv    string                  `yaml:"auth_token_env,omitempty"`
	EscalationLabel string                  `yaml:"escalation_label,omitempty"`
	WorktreeRoot    string                  `yaml:"worktree_root,omitempty"`
	RepoPath        string                  `yaml:"repo_path,omitempty"`
	Forge           *ForgeConfig            `yaml:"forge,omitempty"`
	Notify          *EscalationNotifyConfig `yaml:"notify,omitempty"`
	Retention       *RetentionConfig        `yaml:"retention,omitempty"`
}

// resolveSystemConfig resolves system-wide settings from YAML, applying
// defaults for anything left unset.
func resolveSystemConfig(sys *SystemYAMLConfig) *SystemConfig {
	cfg := &SystemConfig{
		ListenAddr:      ":8080",
		DashboardURL:    "http://localhost:5173",
		AuthTokenEnv:    "SQUADRON_API_TOKEN",
		EscalationLabel: "needs-human",
		WorktreeRoot:    "./data/worktrees",
	}

	if sys == nil {
		return cfg
	}
	if sys.ListenAddr != "" {
		cfg.ListenAddr = sys.ListenAddr
	}
	if sys.DashboardURL != "" {
		cfg.DashboardURL = sys.DashboardURL
	}
	if sys.AuthTokenEnv != "" {
		cfg.AuthTokenEnv = sys.AuthTokenEnv
	}
	if sys.EscalationLabel != "" {
		cfg.EscalationLabel = sys.EscalationLabel
	}
	if sys.WorktreeRoot != "" {
		cfg.WorktreeRoot = sys.WorktreeRoot
	}
	if sys.RepoPath != "" {
		cfg.RepoPath = sys.RepoPath
	}
	cfg.AllowedOrigins = sys.AllowedOrigins
	return cfg
}

// resolveForgeConfig resolves forge client settings, applying the Open
// Question #2 retry defaults for anything left unset.
func resolveForgeConfig(sys *SystemYAMLConfig) *ForgeConfig {
	cfg := DefaultForgeConfig()
	if sys == nil || sys.Forge == nil {
		return cfg
	}

	f := sys.Forge
	if f.BaseURL != "" {
		cfg.BaseURL = f.BaseURL
	}
	if f.TokenEnv != "" {
		cfg.TokenEnv = f.TokenEnv
	}
	if f.Retry.BaseDelay > 0 {
		cfg.Retry.BaseDelay = f.Retry.BaseDelay
	}
	if f.Retry.Multiplier > 0 {
		cfg.Retry.Multiplier = f.Retry.Multiplier
	}
	if f.Retry.MaxRetries > 0 {
		cfg.Retry.MaxRetries = f.Retry.MaxRetries
	}
	if f.Retry.MaxDelay > 0 {
		cfg.Retry.MaxDelay = f.Retry.MaxDelay
	}
	return cfg
}

// resolveNotifyConfig resolves escalation-notification settings from YAML.
func resolveNotifyConfig(sys *SystemYAMLConfig) *EscalationNotifyConfig {
	cfg := DefaultEscalationNotifyConfig()
	if sys == nil || sys.Notify == nil {
		return cfg
	}

	n := sys.Notify
	cfg.Enabled = n.Enabled
	if n.TokenEnv != "" {
		cfg.TokenEnv = n.TokenEnv
	}
	if n.Channel != "" {
		cfg.Channel = n.Channel
	}
	return cfg
}

// resolveRetentionConfig resolves retention settings from YAML, applying
// defaults for anything left unset.
func resolveRetentionConfig(sys *SystemYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()
	if sys == nil || sys.Retention == nil {
		return cfg
	}

	r := sys.Retention
	if r.RunRetentionDays > 0 {
		cfg.RunRetentionDays = r.RunRetentionDays
	}
	if r.ActivityTTL > 0 {
		cfg.ActivityTTL = r.ActivityTTL
	}
	if r.CleanupInterval > 0 {
		cfg.CleanupInterval = r.CleanupInterval
	}
	return cfg
}
