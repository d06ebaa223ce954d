package models

// EngineEventType identifies the kind of engine event.
type EngineEventType string

const (
	EngineEventStarted       EngineEventType = "started"
	EngineEventTextDelta     EngineEventType = "text_delta"
	EngineEventThinkingDelta EngineEventType = "thinking_delta"
	EngineEventToolStart     EngineEventType = "tool_start"
	EngineEventToolProgress  EngineEventType = "tool_progress"
	EngineEventToolEnd       EngineEventType = "tool_end"
	EngineEventError         EngineEventType = "error"
	EngineEventCompleted     EngineEventType = "completed"
)

// EngineEvent is one element of the stream an engine run produces.
//
// Ordering invariants: at most one completed per run; tool_start for a
// given call id precedes any later reference to that id.
type EngineEvent struct {
	Type EngineEventType `json:"type"`

	// TextDelta / ThinkingDelta are incremental output.
	TextDelta     string `json:"text_delta,omitempty"`
	ThinkingDelta string `json:"thinking_delta,omitempty"`

	// ToolCall is set on tool_start. The loop buffers these and executes
	// them after the stream ends.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// ToolCallID pairs tool_progress / tool_end with an earlier
	// tool_start.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Progress is a free-form update for tool_progress.
	Progress string `json:"progress,omitempty"`

	// Result is set on tool_end when the engine executed the tool
	// internally; the loop forwards it without re-executing.
	Result *ToolResult `json:"result,omitempty"`

	// Answer and Usage are set on completed.
	Answer string `json:"answer,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`

	// Err and Retryable are set on error events.
	Err       string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
