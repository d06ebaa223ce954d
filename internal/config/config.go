// Package config loads and validates the conduit configuration file.
// YAML is the primary format, JSON5 the alternate; files may pull in
// others with $include and reference environment variables with ${VAR}.
// Unknown fields are rejected so typos fail at load, not at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/conduit/internal/scheduler"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Config is the root configuration for the conduit runtime.
type Config struct {
	// StateDir holds the runtime's own files (memory db, screenshots).
	// Defaults to ~/.conduit. Created 0700 on first use.
	StateDir string `yaml:"state_dir,omitempty"`

	Logging  LoggingConfig   `yaml:"logging,omitempty"`
	Tracing  TracingConfig   `yaml:"tracing,omitempty"`
	Gateway  GatewayConfig   `yaml:"gateway,omitempty"`
	Engines  EnginesConfig   `yaml:"engines"`
	Session  SessionConfig   `yaml:"session,omitempty"`
	Security SecurityConfig  `yaml:"security,omitempty"`
	Tools    ToolsConfig     `yaml:"tools,omitempty"`
	Memory   MemoryConfig    `yaml:"memory,omitempty"`
	Channels ChannelsConfig  `yaml:"channels,omitempty"`
	Schedule SchedulerConfig `yaml:"scheduler,omitempty"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level,omitempty"`

	// Format is json or text. Empty lets the command pick: text on a
	// TTY, json otherwise.
	Format string `yaml:"format,omitempty"`

	AddSource bool `yaml:"add_source,omitempty"`
}

// TracingConfig configures OTLP trace export. An empty endpoint
// disables export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint,omitempty"`
	ServiceName  string  `yaml:"service_name,omitempty"`
	Environment  string  `yaml:"environment,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty"`
}

// SchedulerConfig enables timed session wakeups.
type SchedulerConfig struct {
	Enabled bool                    `yaml:"enabled,omitempty"`
	Entries []scheduler.EntryConfig `yaml:"entries,omitempty"`
}

// Load reads, merges, decodes, and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Inspect loads the configuration at path without failing on the first
// validation problem, returning the decoded config and every issue
// found. `conduit config validate` reports all of them at once.
func Inspect(path string) (*Config, []string, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, nil, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Issues(), nil
}

// Default returns the configuration used when no file is given: local
// gateway, anthropic engine from the environment, supervised autonomy.
func Default() *Config {
	cfg := &Config{}
	cfg.Engines.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = "~/.conduit"
	}
	c.StateDir = expandHome(c.StateDir)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	c.Gateway.applyDefaults()
	c.Engines.applyDefaults()
	c.Session.applyDefaults()
	c.Tools.applyDefaults()

	if c.Memory.Enabled && c.Memory.Path == "" {
		c.Memory.Path = filepath.Join(c.StateDir, "memory.db")
	}
	if c.Session.Workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Session.Workspace = wd
		}
	}
	c.Session.Workspace = expandHome(c.Session.Workspace)
}

// Validate returns the first configuration problem found, or nil.
func (c *Config) Validate() error {
	issues := c.Issues()
	if len(issues) > 0 {
		return fmt.Errorf("invalid config: %s", issues[0])
	}
	return nil
}

// Issues collects every configuration problem. The `conduit config
// validate` command reports all of them at once.
func (c *Config) Issues() []string {
	var issues []string

	if !models.Autonomy(c.Session.Autonomy).Valid() {
		issues = append(issues, fmt.Sprintf("session.autonomy: unknown level %q (readonly, supervised, full)", c.Session.Autonomy))
	}

	issues = append(issues, c.Engines.issues()...)

	switch c.Session.Context.Strategy {
	case "", "sliding_window", "sliding_conservative", "summarize_coding", "drop_oldest_pinned":
	default:
		issues = append(issues, fmt.Sprintf("session.context.strategy: unknown strategy %q", c.Session.Context.Strategy))
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		issues = append(issues, fmt.Sprintf("gateway.port: %d out of range", c.Gateway.Port))
	}

	for name := range c.Gateway.Webhooks {
		if strings.TrimSpace(name) == "" {
			issues = append(issues, "gateway.webhooks: empty webhook name")
		}
	}

	for _, entry := range c.Schedule.Entries {
		if entry.ID == "" {
			issues = append(issues, "scheduler.entries: entry without id")
			continue
		}
		if !entry.Enabled {
			continue
		}
		if _, err := scheduler.ParseSchedule(entry.Schedule); err != nil {
			issues = append(issues, fmt.Sprintf("scheduler.entries[%s]: %v", entry.ID, err))
		}
		if strings.TrimSpace(entry.Message) == "" {
			issues = append(issues, fmt.Sprintf("scheduler.entries[%s]: message is required", entry.ID))
		}
	}

	issues = append(issues, c.Channels.issues()...)
	return issues
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
