package config

import "time"

// ToolsConfig parameterises the built-in toolset and the worker pool
// that executes the heavyweight members.
type ToolsConfig struct {
	Pool     PoolConfig     `yaml:"pool,omitempty"`
	Shell    ShellConfig    `yaml:"shell,omitempty"`
	Files    FilesConfig    `yaml:"files,omitempty"`
	Web      WebConfig      `yaml:"web,omitempty"`
	Browser  BrowserConfig  `yaml:"browser,omitempty"`
	Subagent SubagentConfig `yaml:"subagent,omitempty"`
}

// PoolConfig bounds the shared worker pool.
type PoolConfig struct {
	MaxWorkers  int           `yaml:"max_workers,omitempty"`
	TaskTimeout time.Duration `yaml:"task_timeout,omitempty"`
}

// ShellConfig bounds the shell tool.
type ShellConfig struct {
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	MaxTimeout     time.Duration `yaml:"max_timeout,omitempty"`
	MaxOutputBytes int           `yaml:"max_output_bytes,omitempty"`
}

// FilesConfig bounds the filesystem tools.
type FilesConfig struct {
	MaxReadBytes   int `yaml:"max_read_bytes,omitempty"`
	MaxListEntries int `yaml:"max_list_entries,omitempty"`
}

// WebConfig bounds web_fetch and web_search.
type WebConfig struct {
	FetchMaxChars int `yaml:"fetch_max_chars,omitempty"`
	SearchResults int `yaml:"search_results,omitempty"`
}

// BrowserConfig enables the chromedp browser tool. It needs a Chrome
// binary on the host, so it is off by default.
type BrowserConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// RemoteURL attaches to a running Chrome instead of launching one.
	RemoteURL string `yaml:"remote_url,omitempty"`

	// Headful shows the browser window for debugging.
	Headful bool `yaml:"headful,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// SubagentConfig parameterises the delegation tool.
type SubagentConfig struct {
	// Disabled removes the subagent tool from the set.
	Disabled bool `yaml:"disabled,omitempty"`

	// Engine overrides the default engine for child loops.
	Engine string `yaml:"engine,omitempty"`
	Model  string `yaml:"model,omitempty"`

	MaxIterations int `yaml:"max_iterations,omitempty"`
}

func (t *ToolsConfig) applyDefaults() {
	if t.Pool.MaxWorkers == 0 {
		t.Pool.MaxWorkers = 4
	}
	if t.Pool.TaskTimeout == 0 {
		t.Pool.TaskTimeout = 60 * time.Second
	}
}
