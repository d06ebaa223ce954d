package config

import "time"

// SessionConfig sets the per-session defaults applied when a session is
// created without its own overrides.
type SessionConfig struct {
	// Autonomy is readonly, supervised, or full.
	Autonomy string `yaml:"autonomy,omitempty"`

	// Workspace is the directory tools operate in. Defaults to the
	// working directory of the process.
	Workspace string `yaml:"workspace,omitempty"`

	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// MaxIterations bounds engine/tool round trips per run.
	MaxIterations int `yaml:"max_iterations,omitempty"`

	// MaxRetries bounds consecutive engine failures per run.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// MaxTokens caps each engine response.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Thinking requests extended reasoning on engines that support it.
	Thinking bool `yaml:"thinking,omitempty"`

	// IdleAfter is the inactivity window after which a session reports
	// idle.
	IdleAfter time.Duration `yaml:"idle_after,omitempty"`

	Context ContextConfig `yaml:"context,omitempty"`
}

// ContextConfig bounds and compacts the conversation window.
type ContextConfig struct {
	// MaxTokens is the context budget.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Strategy is sliding_window, sliding_conservative,
	// summarize_coding, or drop_oldest_pinned.
	Strategy string `yaml:"strategy,omitempty"`

	// Window is the recent-unit count for the sliding strategies.
	Window int `yaml:"window,omitempty"`

	// Estimator is "heuristic" or a tiktoken encoding name such as
	// "cl100k_base".
	Estimator string `yaml:"estimator,omitempty"`
}

func (s *SessionConfig) applyDefaults() {
	if s.Autonomy == "" {
		s.Autonomy = "supervised"
	}
	if s.Context.Strategy == "" {
		s.Context.Strategy = "sliding_window"
	}
	if s.Context.Estimator == "" {
		s.Context.Estimator = "heuristic"
	}
}

// SecurityConfig tightens the policy beyond the autonomy tier.
type SecurityConfig struct {
	// WorkspaceOnly rejects paths outside the session workspace.
	WorkspaceOnly bool `yaml:"workspace_only,omitempty"`

	// BlockedPaths extends the fixed deny roots.
	BlockedPaths []string `yaml:"blocked_paths,omitempty"`

	// AllowedCommands extends the per-tier command allowlist.
	AllowedCommands []string `yaml:"allowed_commands,omitempty"`
}

// MemoryConfig enables the long-term memory backend.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Path is the SQLite file. Empty defaults to state_dir/memory.db.
	Path string `yaml:"path,omitempty"`

	// AutoRecall injects relevant memories before the first engine call
	// of a run; AutoCapture files a note after a completed run.
	AutoRecall  bool `yaml:"auto_recall,omitempty"`
	AutoCapture bool `yaml:"auto_capture,omitempty"`
}
