// Package browser implements the browser tool: headless Chrome
// automation over the DevTools protocol, limited to navigation, text
// extraction, and screenshots.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/net/ssrf"
	"github.com/haasonsaas/conduit/internal/security"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Config controls browser tool behaviour.
type Config struct {
	// HeadlessOff shows a browser window for debugging; default is
	// headless.
	HeadlessOff bool

	// Timeout bounds one action. Zero means 30s.
	Timeout time.Duration

	// RemoteURL attaches to a running Chrome (chrome
	// --remote-debugging-port=9222) instead of launching one.
	RemoteURL string
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

// Tool drives a browser per call. Heavyweight: launching Chrome and
// loading a page can take seconds, so the pool isolates it.
type Tool struct {
	cfg Config
}

// New creates the browser tool.
func New(cfg Config) *Tool { return &Tool{cfg: cfg} }

func (t *Tool) Name() string         { return "browser" }
func (t *Tool) Weight() agent.Weight { return agent.Heavyweight }

func (t *Tool) Description() string {
	return "Load a page in headless Chrome: navigate, extract text, or capture a screenshot."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"navigate", "text", "screenshot"},
				"description": "Browser action to perform.",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Page URL (http/https only).",
			},
			"selector": map[string]interface{}{
				"type":        "string",
				"description": "CSS selector for the text action (default: body).",
			},
			"full_page": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the full page instead of the viewport (screenshot action).",
			},
			"output_path": map[string]interface{}{
				"type":        "string",
				"description": "Workspace path for the screenshot PNG (default: generated).",
			},
		},
		"required": []string{"action", "url"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.ToolResult, error) {
	var input struct {
		Action     string `json:"action"`
		URL        string `json:"url"`
		Selector   string `json:"selector"`
		FullPage   bool   `json:"full_page"`
		OutputPath string `json:"output_path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return models.ErrorResult(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.URL) == "" {
		return models.ErrorResult("url is required"), nil
	}
	if err := ssrf.ValidateURL(input.URL); err != nil {
		return models.ErrorResult(err.Error()), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.timeout())
	defer cancel()

	taskCtx, cleanup := t.newBrowserContext(runCtx)
	defer cleanup()

	tc.Progress("browser: " + input.Action + " " + input.URL)

	switch input.Action {
	case "navigate":
		return t.navigate(taskCtx, input.URL)
	case "text":
		selector := input.Selector
		if selector == "" {
			selector = "body"
		}
		return t.text(taskCtx, input.URL, selector)
	case "screenshot":
		return t.screenshot(taskCtx, tc, input.URL, input.OutputPath, input.FullPage)
	default:
		return models.ErrorResult(fmt.Sprintf("unknown action %q", input.Action)), nil
	}
}

// newBrowserContext builds a chromedp context, either attached to a
// remote Chrome or backed by a fresh headless launch.
func (t *Tool) newBrowserContext(ctx context.Context) (context.Context, func()) {
	if t.cfg.RemoteURL != "" {
		allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, t.cfg.RemoteURL)
		taskCtx, taskCancel := chromedp.NewContext(allocCtx)
		return taskCtx, func() {
			taskCancel()
			allocCancel()
		}
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if t.cfg.HeadlessOff {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

func (t *Tool) navigate(ctx context.Context, url string) (*models.ToolResult, error) {
	var title, location string
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
		chromedp.Location(&location),
	)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("navigate: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"url":   location,
		"title": title,
	}), nil
}

func (t *Tool) text(ctx context.Context, url, selector string) (*models.ToolResult, error) {
	var content string
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Text(selector, &content, chromedp.ByQuery),
	)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("extract text: %v", err)), nil
	}
	const maxChars = 20000
	truncated := false
	if len(content) > maxChars {
		content = content[:maxChars] + "..."
		truncated = true
	}
	return jsonResult(map[string]interface{}{
		"url":       url,
		"selector":  selector,
		"text":      content,
		"truncated": truncated,
	}), nil
}

func (t *Tool) screenshot(ctx context.Context, tc *agent.ToolContext, url, outputPath string, fullPage bool) (*models.ToolResult, error) {
	if outputPath == "" {
		outputPath = fmt.Sprintf("screenshot-%d.png", time.Now().Unix())
	}
	if tc == nil || tc.Policy == nil {
		return models.ErrorResult("no security policy in tool context"), nil
	}
	decision := tc.Policy.ValidatePath(outputPath, security.OpWrite)
	if !decision.Allowed {
		return models.ErrorResult("output path rejected: " + decision.Reason), nil
	}

	var buf []byte
	var shot chromedp.Action
	if fullPage {
		shot = chromedp.FullScreenshot(&buf, 90)
	} else {
		shot = chromedp.CaptureScreenshot(&buf)
	}
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		shot,
	)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("screenshot: %v", err)), nil
	}
	if err := os.WriteFile(decision.CanonicalPath, buf, 0o644); err != nil {
		return models.ErrorResult(fmt.Sprintf("save screenshot: %v", err)), nil
	}

	return jsonResult(map[string]interface{}{
		"url":       url,
		"path":      outputPath,
		"bytes":     len(buf),
		"full_page": fullPage,
	}), nil
}

func jsonResult(v any) *models.ToolResult {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("encode result: %v", err))
	}
	return models.SuccessResult(string(payload))
}
