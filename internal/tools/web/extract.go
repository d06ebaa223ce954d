package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/net/ssrf"
)

const fetchBodyLimit = 10 << 20

// Extractor fetches a page and reduces it to readable text.
type Extractor struct {
	client       *http.Client
	allowPrivate bool
}

// NewExtractor creates an extractor with SSRF protection enabled.
func NewExtractor() *Extractor {
	return &Extractor{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// NewExtractorUnguarded skips the private-address check so tests can
// target httptest servers on localhost.
func NewExtractorUnguarded() *Extractor {
	return &Extractor{
		client:       &http.Client{Timeout: 15 * time.Second},
		allowPrivate: true,
	}
}

// Extract fetches targetURL and returns title, description, and main
// text content.
func (e *Extractor) Extract(ctx context.Context, targetURL string) (string, error) {
	if !e.allowPrivate {
		if err := ssrf.ValidateURL(targetURL); err != nil {
			return "", fmt.Errorf("URL validation failed: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ConduitBot/1.0)")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") {
		return "", fmt.Errorf("unsupported content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if strings.Contains(contentType, "text/plain") {
		return cleanText(string(body)), nil
	}
	return extractReadable(string(body)), nil
}

var (
	chromeTags = []string{"script", "style", "noscript", "iframe", "nav", "header", "footer", "aside"}

	titleRe   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	h1Re      = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	metaRe    = regexp.MustCompile(`(?i)<meta[^>]*name=["']description["'][^>]*content=["']([^"']*)["']`)
	mainRe    = regexp.MustCompile(`(?is)<(article|main)[^>]*>(.*?)</(article|main)>`)
	bodyRe    = regexp.MustCompile(`(?is)<body[^>]*>(.*?)</body>`)
	tagRe     = regexp.MustCompile(`<[^>]+>`)
	spaceRe   = regexp.MustCompile(`[ \t]+`)
	newlineRe = regexp.MustCompile(`\n{3,}`)
)

// extractReadable is a simplified readability pass: strip chrome, pull
// the title and description, keep article/main (or body) text.
func extractReadable(html string) string {
	for _, tag := range chromeTags {
		re := regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
		html = re.ReplaceAllString(html, "")
	}

	title := ""
	if m := titleRe.FindStringSubmatch(html); len(m) > 1 {
		title = cleanText(m[1])
	} else if m := h1Re.FindStringSubmatch(html); len(m) > 1 {
		title = cleanText(m[1])
	}
	description := ""
	if m := metaRe.FindStringSubmatch(html); len(m) > 1 {
		description = cleanText(m[1])
	}

	content := ""
	if m := mainRe.FindStringSubmatch(html); len(m) > 2 {
		content = m[2]
	} else if m := bodyRe.FindStringSubmatch(html); len(m) > 1 {
		content = m[1]
	} else {
		content = html
	}
	content = cleanText(content)

	var b strings.Builder
	if title != "" {
		b.WriteString("Title: ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	if description != "" {
		b.WriteString("Description: ")
		b.WriteString(description)
		b.WriteString("\n\n")
	}
	b.WriteString(content)
	return b.String()
}

func cleanText(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer(
		"&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'",
	).Replace(s)
	s = spaceRe.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = newlineRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
