// Package memorytool implements memory_store and memory_recall: the
// agent-facing surface of the session memory backend.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/memory"
	"github.com/haasonsaas/conduit/pkg/models"
)

// StoreTool persists one memory entry.
type StoreTool struct{}

// NewStoreTool creates the memory_store tool.
func NewStoreTool() *StoreTool { return &StoreTool{} }

func (t *StoreTool) Name() string         { return "memory_store" }
func (t *StoreTool) Weight() agent.Weight { return agent.Lightweight }

func (t *StoreTool) Description() string {
	return "Store a fact, preference, or decision in long-term memory."
}

func (t *StoreTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The memory to store, phrased so it is useful out of context.",
			},
			"category": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"preference", "fact", "decision", "entity", "other"},
				"description": "Memory category (default: other).",
			},
		},
		"required": []string{"content"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *StoreTool) Execute(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.ToolResult, error) {
	if tc == nil || tc.Memory == nil {
		return models.ErrorResult("memory backend not configured"), nil
	}
	var input struct {
		Content  string `json:"content"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return models.ErrorResult(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Content) == "" {
		return models.ErrorResult("content is required"), nil
	}

	entry := memory.Entry{
		SessionID: tc.SessionID,
		Category:  memory.Category(input.Category),
		Content:   input.Content,
	}
	if err := tc.Memory.Store(ctx, entry); err != nil {
		return models.ErrorResult(fmt.Sprintf("store memory: %v", err)), nil
	}

	payload, err := json.MarshalIndent(map[string]interface{}{
		"stored":   true,
		"category": string(entry.Category),
	}, "", "  ")
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return models.SuccessResult(string(payload)), nil
}

// RecallTool searches stored memories.
type RecallTool struct{}

// NewRecallTool creates the memory_recall tool.
func NewRecallTool() *RecallTool { return &RecallTool{} }

func (t *RecallTool) Name() string         { return "memory_recall" }
func (t *RecallTool) Weight() agent.Weight { return agent.Lightweight }

func (t *RecallTool) Description() string {
	return "Recall memories matching a query (empty query returns the most recent)."
}

func (t *RecallTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Substring to search for; empty returns newest entries.",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum entries to return (default: 5).",
				"minimum":     1,
				"maximum":     50,
			},
		},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *RecallTool) Execute(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.ToolResult, error) {
	if tc == nil || tc.Memory == nil {
		return models.ErrorResult("memory backend not configured"), nil
	}
	var input struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return models.ErrorResult(fmt.Sprintf("Invalid parameters: %v", err)), nil
		}
	}

	entries, err := tc.Memory.Recall(ctx, input.Query, input.Limit)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("recall memory: %v", err)), nil
	}

	type recalled struct {
		Category string `json:"category"`
		Content  string `json:"content"`
		Stored   string `json:"stored"`
	}
	out := make([]recalled, 0, len(entries))
	for _, e := range entries {
		out = append(out, recalled{
			Category: string(e.Category),
			Content:  e.Content,
			Stored:   e.CreatedAt.Format("2006-01-02"),
		})
	}

	payload, err := json.MarshalIndent(map[string]interface{}{
		"query":    input.Query,
		"memories": out,
		"count":    len(out),
	}, "", "  ")
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return models.SuccessResult(string(payload)), nil
}
