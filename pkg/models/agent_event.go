package models

import "time"

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// Streaming output.
	AgentEventThinking AgentEventType = "thinking"
	AgentEventText     AgentEventType = "text"

	// Tool lifecycle. A tool_start is always followed by exactly one
	// tool_end; tool_validation_error replaces both when the call is
	// rejected before execution.
	AgentEventToolStart           AgentEventType = "tool_start"
	AgentEventToolProgress        AgentEventType = "tool_progress"
	AgentEventToolEnd             AgentEventType = "tool_end"
	AgentEventToolValidationError AgentEventType = "tool_validation_error"

	// Post-run assessment. Appears after complete, never before.
	AgentEventVerification AgentEventType = "verification"

	// Terminal events; every run ends with exactly one of these.
	AgentEventComplete AgentEventType = "complete"
	AgentEventError    AgentEventType = "error"
	AgentEventAborted  AgentEventType = "aborted"
)

// AgentEvent is one element of the stream a run emits to its consumer.
// Fields are populated according to Type; unrelated fields stay zero.
type AgentEvent struct {
	Type AgentEventType `json:"type"`

	// Seq is monotonic within a run.
	Seq uint64 `json:"seq"`

	Timestamp time.Time `json:"timestamp"`

	// Delta is the incremental text for thinking and text events.
	Delta string `json:"delta,omitempty"`

	// Partial is the accumulated assistant text so far (text events).
	Partial string `json:"partial,omitempty"`

	// Tool names the tool for tool_* events.
	Tool string `json:"tool,omitempty"`

	// ToolCall is set on tool_start.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Progress is a free-form update from a running tool.
	Progress string `json:"progress,omitempty"`

	// Result is set on tool_end.
	Result *ToolResult `json:"result,omitempty"`

	// Errors holds validation messages on tool_validation_error.
	Errors []string `json:"errors,omitempty"`

	// Verification is set on verification events.
	Verification *VerificationResult `json:"verification,omitempty"`

	// Answer and Usage are set on complete.
	Answer string `json:"answer,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`

	// Err is the human-readable message on error events.
	Err string `json:"error,omitempty"`

	// Reason is set on aborted.
	Reason string `json:"reason,omitempty"`
}

// Terminal reports whether the event ends its run.
func (e *AgentEvent) Terminal() bool {
	switch e.Type {
	case AgentEventComplete, AgentEventError, AgentEventAborted:
		return true
	}
	return false
}
