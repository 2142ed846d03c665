package config

import "time"

// AgentRoleConfig bounds a single agent role's circuit-breaker limits
// (spec.md §4.3.2). The Lifecycle Manager enforces two of them: an agent
// ACTIVE past MaxActiveDuration is force-failed by the timeout layers, and
// a wake that would exceed MaxIterations escalates the agent instead.
// MaxToolCalls and MaxTurns are validated and defaulted but not enforced
// by the Lifecycle Manager.
type AgentRoleConfig struct {
	MaxActiveDuration time.Duration `yaml:"max_active_duration,omitempty"`
	MaxIterations     int           `yaml:"max_iterations,omitempty"`
	MaxToolCalls      int           `yaml:"max_tool_calls,omitempty"`
	MaxTurns          int           `yaml:"max_turns,omitempty"`

	// Ephemeral roles run from a shared checkout with no dedicated worktree
	// or branch (spec.md §3.5 lifecycle_tag); false means a persistent,
	// worktree-backed agent.
	Ephemeral bool `yaml:"ephemeral,omitempty"`

	// Singleton roles dedup by (role, issue): create_agent returns the
	// existing non-terminal agent instead of starting a second one
	// (spec.md §4.3.1).
	Singleton bool `yaml:"singleton,omitempty"`
}

// AgentRolesConfig maps agent_role to its circuit-breaker limits. A role
// absent from this map falls back to DefaultAgentRoleConfig.
type AgentRolesConfig map[string]AgentRoleConfig

// DefaultAgentRoleConfig is applied to any role not named in squadron.yaml's
// `agent_roles` block.
func DefaultAgentRoleConfig() AgentRoleConfig {
	return AgentRoleConfig{
		MaxActiveDuration: 30 * time.Minute,
		MaxIterations:     25,
		MaxToolCalls:      100,
		MaxTurns:          50,
	}
}

// For returns the limits configured for role, merging unset fields in with
// the default so a role can override just one dimension.
func (a AgentRolesConfig) For(role string) AgentRoleConfig {
	def := DefaultAgentRoleConfig()
	rc, ok := a[role]
	if !ok {
		return def
	}
	if rc.MaxActiveDuration <= 0 {
		rc.MaxActiveDuration = def.MaxActiveDuration
	}
	if rc.MaxIterations <= 0 {
		rc.MaxIterations = def.MaxIterations
	}
	if rc.MaxToolCalls <= 0 {
		rc.MaxToolCalls = def.MaxToolCalls
	}
	if rc.MaxTurns <= 0 {
		rc.MaxTurns = def.MaxTurns
	}
	return rc
}
