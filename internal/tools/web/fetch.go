// Package web implements the web_fetch and web_search tools: HTTP
// content retrieval with SSRF protection and readable-text extraction.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/pkg/models"
)

// FetchConfig controls web_fetch defaults.
type FetchConfig struct {
	// MaxChars caps returned content. Zero means 10000.
	MaxChars int
}

func (c FetchConfig) maxChars() int {
	if c.MaxChars > 0 {
		return c.MaxChars
	}
	return 10000
}

// FetchTool fetches a URL and returns readable text.
type FetchTool struct {
	cfg       FetchConfig
	extractor *Extractor
}

// FetchOption customises FetchTool construction.
type FetchOption func(*FetchTool)

// WithExtractor overrides the extractor (used by tests to point at
// local servers).
func WithExtractor(e *Extractor) FetchOption {
	return func(t *FetchTool) {
		if e != nil {
			t.extractor = e
		}
	}
}

// NewFetchTool creates the web_fetch tool.
func NewFetchTool(cfg FetchConfig, opts ...FetchOption) *FetchTool {
	t := &FetchTool{cfg: cfg, extractor: NewExtractor()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *FetchTool) Name() string         { return "web_fetch" }
func (t *FetchTool) Weight() agent.Weight { return agent.Heavyweight }

func (t *FetchTool) Description() string {
	return "Fetch a URL and extract readable text content without browser automation."
}

func (t *FetchTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to fetch (http/https only).",
			},
			"max_chars": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum characters to return (default: 10000).",
				"minimum":     0,
			},
		},
		"required": []string{"url"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *FetchTool) Execute(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.ToolResult, error) {
	var input struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return models.ErrorResult(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.URL) == "" {
		return models.ErrorResult("url is required"), nil
	}

	limit := t.cfg.maxChars()
	if input.MaxChars > 0 && input.MaxChars < limit {
		limit = input.MaxChars
	}

	tc.Progress("fetching " + input.URL)

	content, err := t.extractor.Extract(ctx, input.URL)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("Fetch failed: %v", err)), nil
	}

	truncated := false
	if len(content) > limit {
		content = content[:limit] + "..."
		truncated = true
	}

	payload, err := json.MarshalIndent(map[string]interface{}{
		"url":       input.URL,
		"content":   content,
		"chars":     len(content),
		"truncated": truncated,
	}, "", "  ")
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return models.SuccessResult(string(payload)), nil
}
