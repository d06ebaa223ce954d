package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
gateway:
  host: 0.0.0.0
  port: 9001
  pairing:
    enabled: true
    code_ttl: 5m
engines:
  default: openai
  openai:
    api_key: test-key
    model: gpt-4o-mini
session:
  autonomy: full
  max_iterations: 20
  context:
    max_tokens: 50000
    strategy: drop_oldest_pinned
tools:
  pool:
    max_workers: 2
memory:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9001 {
		t.Errorf("gateway.port = %d, want 9001", cfg.Gateway.Port)
	}
	if !cfg.Gateway.Pairing.Enabled || cfg.Gateway.Pairing.CodeTTL != 5*time.Minute {
		t.Errorf("pairing = %+v, want enabled with 5m code ttl", cfg.Gateway.Pairing)
	}
	if cfg.Engines.Default != "openai" || cfg.Engines.OpenAI.Model != "gpt-4o-mini" {
		t.Errorf("engines = %+v", cfg.Engines)
	}
	if cfg.Session.Autonomy != "full" || cfg.Session.MaxIterations != 20 {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Session.Context.Strategy != "drop_oldest_pinned" {
		t.Errorf("context.strategy = %q", cfg.Session.Context.Strategy)
	}
	if cfg.Tools.Pool.MaxWorkers != 2 {
		t.Errorf("pool.max_workers = %d, want 2", cfg.Tools.Pool.MaxWorkers)
	}
	if !cfg.Memory.Enabled || cfg.Memory.Path == "" {
		t.Errorf("memory = %+v, want enabled with defaulted path", cfg.Memory)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
engines:
  anthropic:
    api_key: test-key
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engines.Default != "anthropic" {
		t.Errorf("engines.default = %q, want anthropic", cfg.Engines.Default)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 8090 {
		t.Errorf("gateway defaults = %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if !cfg.Gateway.On() {
		t.Error("gateway should default to enabled")
	}
	if cfg.Session.Autonomy != "supervised" {
		t.Errorf("session.autonomy = %q, want supervised", cfg.Session.Autonomy)
	}
	if cfg.Tools.Pool.MaxWorkers != 4 || cfg.Tools.Pool.TaskTimeout != 60*time.Second {
		t.Errorf("pool defaults = %+v", cfg.Tools.Pool)
	}
	if cfg.StateDir == "" || strings.HasPrefix(cfg.StateDir, "~") {
		t.Errorf("state_dir = %q, want expanded default", cfg.StateDir)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
gateway:
  host: 0.0.0.0
  bogus: true
engines:
  anthropic:
    api_key: k
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadValidatesDefaultEngine(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
engines:
  default: gemini
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "engines.default") {
		t.Fatalf("expected engines.default error, got %v", err)
	}
}

func TestLoadValidatesMissingAPIKey(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
engines:
  default: openai
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected api_key error, got %v", err)
	}
}

func TestLoadValidatesAutonomy(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
engines:
  anthropic:
    api_key: k
session:
  autonomy: yolo
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "autonomy") {
		t.Fatalf("expected autonomy error, got %v", err)
	}
}

func TestLoadValidatesScheduleEntries(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
engines:
  anthropic:
    api_key: k
scheduler:
  enabled: true
  entries:
    - id: morning
      enabled: true
      schedule:
        cron: "not a cron"
      message: "good morning"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "morning") {
		t.Fatalf("expected schedule error naming the entry, got %v", err)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("CONDUIT_TEST_KEY", "from-env")
	path := writeConfig(t, "conduit.yaml", `
engines:
  anthropic:
    api_key: ${CONDUIT_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engines.Anthropic.APIKey != "from-env" {
		t.Errorf("api_key = %q, want from-env", cfg.Engines.Anthropic.APIKey)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte(`
logging:
  level: debug
engines:
  anthropic:
    api_key: base-key
    model: base-model
`), 0o600); err != nil {
		t.Fatal(err)
	}
	main := filepath.Join(dir, "conduit.yaml")
	if err := os.WriteFile(main, []byte(`
$include: base.yaml
engines:
  anthropic:
    api_key: main-key
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// The including file wins; untouched keys come from the include.
	if cfg.Engines.Anthropic.APIKey != "main-key" {
		t.Errorf("api_key = %q, want main-key", cfg.Engines.Anthropic.APIKey)
	}
	if cfg.Engines.Anthropic.Model != "base-model" {
		t.Errorf("model = %q, want base-model", cfg.Engines.Anthropic.Model)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "conduit.json5", `{
  // comments are fine in json5
  engines: {
    anthropic: { api_key: "k" },
  },
  session: { autonomy: "readonly" },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Autonomy != "readonly" {
		t.Errorf("autonomy = %q, want readonly", cfg.Session.Autonomy)
	}
}

func TestIssuesCollectsChannelProblems(t *testing.T) {
	cfg := &Config{}
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Slack.Enabled = true
	cfg.applyDefaults()

	issues := cfg.Issues()
	var telegram, slackBot, slackApp bool
	for _, issue := range issues {
		switch {
		case strings.Contains(issue, "telegram"):
			telegram = true
		case strings.Contains(issue, "slack") && strings.Contains(issue, "bot_token"):
			slackBot = true
		case strings.Contains(issue, "slack") && strings.Contains(issue, "app_token"):
			slackApp = true
		}
	}
	if !telegram || !slackBot || !slackApp {
		t.Errorf("issues = %v, want telegram + slack bot/app token problems", issues)
	}
}

func TestJSONSchema(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	for _, want := range []string{"engines", "gateway", "state_dir"} {
		if !strings.Contains(string(schema), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}
