package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/pkg/models"
)

// SearchConfig controls web_search defaults.
type SearchConfig struct {
	// Endpoint overrides the DuckDuckGo Instant Answer endpoint, mainly
	// for tests.
	Endpoint string

	// DefaultResultCount is used when the call does not set one. Zero
	// means 5.
	DefaultResultCount int
}

const duckDuckGoEndpoint = "https://api.duckduckgo.com/"

func (c SearchConfig) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return duckDuckGoEndpoint
}

func (c SearchConfig) resultCount() int {
	if c.DefaultResultCount > 0 {
		return c.DefaultResultCount
	}
	return 5
}

// searchResult is one entry in the web_search payload.
type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchTool queries the DuckDuckGo Instant Answer API.
type SearchTool struct {
	cfg    SearchConfig
	client *http.Client
}

// NewSearchTool creates the web_search tool.
func NewSearchTool(cfg SearchConfig) *SearchTool {
	return &SearchTool{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *SearchTool) Name() string         { return "web_search" }
func (t *SearchTool) Weight() agent.Weight { return agent.Heavyweight }

func (t *SearchTool) Description() string {
	return "Search the web and return result titles, URLs, and snippets."
}

func (t *SearchTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query.",
			},
			"result_count": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum results to return (default: 5).",
				"minimum":     1,
				"maximum":     20,
			},
		},
		"required": []string{"query"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *SearchTool) Execute(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.ToolResult, error) {
	var input struct {
		Query       string `json:"query"`
		ResultCount int    `json:"result_count"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return models.ErrorResult(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return models.ErrorResult("query is required"), nil
	}
	count := input.ResultCount
	if count <= 0 {
		count = t.cfg.resultCount()
	}

	tc.Progress("searching: " + query)

	results, err := t.search(ctx, query, count)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("Search failed: %v", err)), nil
	}

	payload, err := json.MarshalIndent(map[string]interface{}{
		"query":        query,
		"results":      results,
		"result_count": len(results),
	}, "", "  ")
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return models.SuccessResult(string(payload)), nil
}

func (t *SearchTool) search(ctx context.Context, query string, count int) ([]searchResult, error) {
	endpoint := fmt.Sprintf("%s?q=%s&format=json&no_html=1", t.cfg.endpoint(), url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ConduitBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var ddg struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &ddg); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]searchResult, 0, count)
	if ddg.AbstractText != "" && ddg.AbstractURL != "" {
		results = append(results, searchResult{
			Title:   ddg.Heading,
			URL:     ddg.AbstractURL,
			Snippet: ddg.AbstractText,
		})
	}
	for _, topic := range ddg.RelatedTopics {
		if len(results) >= count {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, searchResult{
			Title:   title,
			URL:     topic.FirstURL,
			Snippet: topic.Text,
		})
	}
	return results, nil
}
