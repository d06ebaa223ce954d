package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExtractorReadablePage(t *testing.T) {
	htmlContent := `
<!DOCTYPE html>
<html>
<head>
    <title>Test Page Title</title>
    <meta name="description" content="This is a test page description">
</head>
<body>
    <header><nav>Navigation menu</nav></header>
    <main>
        <article>
            <h1>Main Article Title</h1>
            <p>This is the first paragraph of the article.</p>
            <p>This is the second paragraph with more content.</p>
        </article>
    </main>
    <footer>Footer content</footer>
    <script>console.log("should be removed");</script>
</body>
</html>
`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlContent))
	}))
	defer server.Close()

	extractor := NewExtractorUnguarded()
	content, err := extractor.Extract(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if !strings.Contains(content, "Title: Test Page Title") {
		t.Error("content missing page title")
	}
	if !strings.Contains(content, "Description: This is a test page description") {
		t.Error("content missing meta description")
	}
	if !strings.Contains(content, "first paragraph") {
		t.Error("content missing article text")
	}
	if strings.Contains(content, "console.log") {
		t.Error("script text survived extraction")
	}
	if strings.Contains(content, "Navigation menu") {
		t.Error("nav text survived extraction")
	}
	if strings.Contains(content, "Footer content") {
		t.Error("footer text survived extraction")
	}
}

func TestExtractorPlainText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("  just   text\n\n\n\nmore text  "))
	}))
	defer server.Close()

	extractor := NewExtractorUnguarded()
	content, err := extractor.Extract(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if content != "just text\n\nmore text" {
		t.Errorf("content = %q", content)
	}
}

func TestExtractorRejectsNonText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key": "value"}`))
	}))
	defer server.Close()

	extractor := NewExtractorUnguarded()
	_, err := extractor.Extract(context.Background(), server.URL)
	if err == nil || !strings.Contains(err.Error(), "unsupported content type") {
		t.Errorf("err = %v, want unsupported content type", err)
	}
}

func TestExtractorHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	extractor := NewExtractorUnguarded()
	_, err := extractor.Extract(context.Background(), server.URL)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want HTTP 404", err)
	}
}

func TestExtractorHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte("<html><body>too slow</body></html>"))
	}))
	defer server.Close()

	extractor := NewExtractorUnguarded()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := extractor.Extract(ctx, server.URL); err == nil {
		t.Error("expected context deadline error")
	}
}

func TestExtractorBlocksPrivateTargets(t *testing.T) {
	extractor := NewExtractor()
	for _, raw := range []string{
		"http://127.0.0.1:1/",
		"http://localhost:8080/admin",
		"http://169.254.169.254/latest/meta-data",
	} {
		if _, err := extractor.Extract(context.Background(), raw); err == nil {
			t.Errorf("Extract(%q) expected SSRF rejection", raw)
		}
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"entities", "Test &nbsp; &amp; &lt; &gt; &quot; &#39;", "Test & < > \" '"},
		{"spaces", "Text  with   multiple    spaces", "Text with multiple spaces"},
		{"newlines", "Line1\n\n\n\nLine2", "Line1\n\nLine2"},
		{"trim", "  padded  ", "padded"},
		{"tags", "<b>bold</b> and <i>italic</i>", "bold and italic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanText(tt.input); got != tt.expected {
				t.Errorf("cleanText(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestExtractReadableFallsBackToBody(t *testing.T) {
	html := `<html><head><title>No Main</title></head><body><p>Body text only.</p></body></html>`
	content := extractReadable(html)
	if !strings.Contains(content, "Title: No Main") {
		t.Error("missing title")
	}
	if !strings.Contains(content, "Body text only.") {
		t.Error("missing body text")
	}
}
