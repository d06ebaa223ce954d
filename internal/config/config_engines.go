package config

import "fmt"

// EnginesConfig selects and parameterises the model providers.
type EnginesConfig struct {
	// Default names the engine sessions use when they don't pick one:
	// anthropic, openai, or bedrock.
	Default string `yaml:"default,omitempty"`

	Anthropic AnthropicConfig `yaml:"anthropic,omitempty"`
	OpenAI    OpenAIConfig    `yaml:"openai,omitempty"`
	Bedrock   BedrockConfig   `yaml:"bedrock,omitempty"`
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`
}

// OpenAIConfig configures the OpenAI adapter. BaseURL also covers
// OpenAI-compatible local servers.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`
}

// BedrockConfig configures the AWS Bedrock adapter. Empty credentials
// fall back to the default AWS chain.
type BedrockConfig struct {
	Region          string `yaml:"region,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`
	Model           string `yaml:"model,omitempty"`
}

func (e *EnginesConfig) applyDefaults() {
	if e.Default == "" {
		e.Default = "anthropic"
	}
}

// Configured reports which engines have enough configuration to build.
func (e EnginesConfig) Configured() []string {
	var names []string
	if e.Anthropic.APIKey != "" {
		names = append(names, "anthropic")
	}
	if e.OpenAI.APIKey != "" {
		names = append(names, "openai")
	}
	if e.Bedrock.Region != "" || e.Bedrock.AccessKeyID != "" {
		names = append(names, "bedrock")
	}
	return names
}

func (e EnginesConfig) issues() []string {
	var issues []string
	switch e.Default {
	case "anthropic", "openai", "bedrock":
	default:
		issues = append(issues, fmt.Sprintf("engines.default: unknown engine %q", e.Default))
		return issues
	}

	configured := map[string]bool{}
	for _, name := range e.Configured() {
		configured[name] = true
	}
	// Bedrock works with zero explicit config via the ambient AWS chain.
	if !configured[e.Default] && e.Default != "bedrock" {
		issues = append(issues, fmt.Sprintf("engines.%s: default engine has no api_key", e.Default))
	}
	return issues
}
