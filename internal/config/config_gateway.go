package config

import "time"

// GatewayConfig configures the HTTP/WebSocket control plane.
type GatewayConfig struct {
	// Enabled starts the gateway under `conduit serve`. On by default.
	Enabled *bool `yaml:"enabled,omitempty"`

	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	Pairing PairingConfig `yaml:"pairing,omitempty"`

	// AgentCard is served verbatim at /.well-known/agent.json. Empty
	// means 404.
	AgentCard map[string]any `yaml:"agent_card,omitempty"`

	// Webhooks maps webhook names to the session each one drives.
	Webhooks map[string]WebhookConfig `yaml:"webhooks,omitempty"`

	// SessionMaxIdle is the idle-eviction threshold for the background
	// sweep. Zero keeps the gateway default (30m); negative disables.
	SessionMaxIdle time.Duration `yaml:"session_max_idle,omitempty"`

	// EvictEvery is the sweep interval. Zero keeps the default (1m).
	EvictEvery time.Duration `yaml:"evict_every,omitempty"`
}

// PairingConfig controls device pairing. Disabled pairing leaves the
// protected routes open, for loopback-only deployments.
type PairingConfig struct {
	Enabled  bool          `yaml:"enabled,omitempty"`
	CodeTTL  time.Duration `yaml:"code_ttl,omitempty"`
	TokenTTL time.Duration `yaml:"token_ttl,omitempty"`
}

// WebhookConfig shapes the session a webhook dispatches into.
type WebhookConfig struct {
	SystemPrompt string `yaml:"system_prompt,omitempty"`
	UserID       string `yaml:"user_id,omitempty"`
}

func (g *GatewayConfig) applyDefaults() {
	if g.Enabled == nil {
		on := true
		g.Enabled = &on
	}
	if g.Host == "" {
		g.Host = "127.0.0.1"
	}
	if g.Port == 0 {
		g.Port = 8090
	}
}

// On reports whether the gateway should be started.
func (g GatewayConfig) On() bool {
	return g.Enabled == nil || *g.Enabled
}
