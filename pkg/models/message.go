// Package models provides the domain types shared across the conduit runtime.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a session's conversation history.
//
// Invariant: a message with Role == RoleTool carries the ToolCallID of the
// assistant tool call it answers.
type Message struct {
	ID string `json:"id"`

	Role Role `json:"role"`

	// Content is the textual body. For tool messages this is the
	// (sanitised) tool output.
	Content string `json:"content"`

	// ToolCalls are the tool invocations requested by an assistant
	// message, in the order the engine emitted them.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message back to the assistant tool call
	// it responds to.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// IsError marks a tool message as a failed execution result. Engines
	// that distinguish error results on the wire use this.
	IsError bool `json:"is_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ToolCall is a single tool invocation requested by the engine.
type ToolCall struct {
	// ID is the engine-assigned call id; tool results reference it.
	ID string `json:"id"`

	// Name is the registered tool name.
	Name string `json:"name"`

	// Args is the raw JSON argument object. Nil when the tool takes no
	// arguments.
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the outcome of executing one tool call.
//
// Invariant: Success == false implies Error is non-empty.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`

	// Metadata carries tool-specific details (exit codes, byte counts,
	// URLs fetched) for observability. It is never shown to the engine.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Snapshot is the post-execution state snapshot, when the tool
	// provides one.
	Snapshot *StateSnapshot `json:"snapshot,omitempty"`
}

// SuccessResult builds a successful ToolResult with the given output.
func SuccessResult(output string) *ToolResult {
	return &ToolResult{Success: true, Output: output}
}

// ErrorResult builds a failed ToolResult. An empty message is replaced so
// that failures always carry a reason.
func ErrorResult(msg string) *ToolResult {
	if msg == "" {
		msg = "unknown error"
	}
	return &ToolResult{Success: false, Error: msg}
}

// Usage accumulates token counts across engine calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}
