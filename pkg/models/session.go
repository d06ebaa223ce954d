package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionEnded  SessionStatus = "ended"
)

// Autonomy is the declared permissiveness of a session. It drives the
// security policy's path, command, and confirmation decisions.
type Autonomy string

const (
	AutonomyReadOnly   Autonomy = "readonly"
	AutonomySupervised Autonomy = "supervised"
	AutonomyFull       Autonomy = "full"
)

// Valid reports whether a is a known autonomy level.
func (a Autonomy) Valid() bool {
	switch a {
	case AutonomyReadOnly, AutonomySupervised, AutonomyFull:
		return true
	}
	return false
}

// SessionConfig is the per-session configuration captured at creation.
type SessionConfig struct {
	// EngineID selects the engine from the registry. Empty means the
	// runtime default.
	EngineID string `json:"engine_id,omitempty"`

	// Model overrides the engine's default model.
	Model string `json:"model,omitempty"`

	Autonomy Autonomy `json:"autonomy"`

	// Cwd is the workspace directory tools operate in.
	Cwd string `json:"cwd,omitempty"`

	SystemPrompt string `json:"system_prompt,omitempty"`

	// ChannelID / UserID identify where the session originated.
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// SessionCounters aggregates per-session activity for observability.
type SessionCounters struct {
	Iterations      int `json:"iterations"`
	ToolInvocations int `json:"tool_invocations"`
	LLMCalls        int `json:"llm_calls"`
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	Errors          int `json:"errors"`
}

// Session is a conversation thread and its runtime state.
type Session struct {
	ID           string          `json:"session_id"`
	Config       SessionConfig   `json:"config"`
	Status       SessionStatus   `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActiveAt time.Time       `json:"last_active_at"`
	Counters     SessionCounters `json:"counters"`
}
