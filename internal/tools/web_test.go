package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const searchFixture = `<!DOCTYPE html>
<html><body>
<div class="results">
  <div class="result">
    <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fen.wikipedia.org%2Fwiki%2FCapybara&rut=abc">Capybara - Wikipedia</a>
    <a class="result__snippet">The capybara is the largest living rodent.</a>
  </div>
  <div class="result">
    <a class="result__a" href="https://example.com/direct">Direct Result</a>
    <div class="result__snippet">A snippet
with a newline.</div>
  </div>
  <div class="result">
    <a class="result__a" href="https://example.com/3">Three</a><div class="result__snippet">s3</div>
  </div>
  <div class="result">
    <a class="result__a" href="https://example.com/4">Four</a><div class="result__snippet">s4</div>
  </div>
  <div class="result">
    <a class="result__a" href="https://example.com/5">Five</a><div class="result__snippet">s5</div>
  </div>
  <div class="result">
    <a class="result__a" href="https://example.com/6">Six</a><div class="result__snippet">s6</div>
  </div>
</div>
</body></html>`

func newTestWebTools(srv *httptest.Server) *WebTools {
	w := NewWebTools()
	w.searchURL = srv.URL + "/html/"
	return w
}

func TestWebSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "what is a capybara" {
			t.Errorf("query = %q", got)
		}
		io.WriteString(w, searchFixture)
	}))
	defer srv.Close()

	out, err := newTestWebTools(srv).Search(context.Background(), map[string]any{"query": "what is a capybara"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if !strings.HasPrefix(out, "Search results for 'what is a capybara':") {
		t.Errorf("header missing: %q", out)
	}
	// Redirect links are unwrapped to their target.
	if !strings.Contains(out, "Link: https://en.wikipedia.org/wiki/Capybara") {
		t.Errorf("redirect not unwrapped:\n%s", out)
	}
	if !strings.Contains(out, "1. Capybara - Wikipedia") {
		t.Errorf("first result missing:\n%s", out)
	}
	// Snippets are flattened to one line.
	if !strings.Contains(out, "Snippet: A snippet with a newline.") {
		t.Errorf("snippet not cleaned:\n%s", out)
	}
	// Only the top five results are kept.
	if strings.Contains(out, "Six") {
		t.Errorf("more than five results:\n%s", out)
	}
	if !strings.Contains(out, "5. Five") {
		t.Errorf("fifth result missing:\n%s", out)
	}
}

func TestWebSearchNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><div class='no-results'>nothing</div></body></html>")
	}))
	defer srv.Close()

	out, err := newTestWebTools(srv).Search(context.Background(), map[string]any{"query": "aoinweroin"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !strings.Contains(out, "No results found.") {
		t.Errorf("out = %q", out)
	}
}

func TestWebSearchEmptyQuery(t *testing.T) {
	if _, err := NewWebTools().Search(context.Background(), map[string]any{}); err == nil {
		t.Error("empty query must fail")
	}
}

func TestUnwrapRedirect(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage&rut=x", "https://example.com/page"},
		{"/l/?uddg=https%3A%2F%2Fexample.com", "https://example.com"},
		{"//example.com/relative", "https://example.com/relative"},
		{"/local/path", "https://duckduckgo.com/local/path"},
		{"https://example.com/plain", "https://example.com/plain"},
	}
	for _, tt := range tests {
		if got := unwrapRedirect(tt.in); got != tt.want {
			t.Errorf("unwrapRedirect(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>t</title><script>var x=1;</script></head>
<body><h1>Heading</h1><p>Paragraph   text.</p><style>.a{}</style></body></html>`)
	}))
	defer srv.Close()

	tools := NewWebTools()
	out, err := tools.FetchPage(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if !strings.Contains(out, "Heading") || !strings.Contains(out, "Paragraph text.") {
		t.Errorf("out = %q", out)
	}
	if strings.Contains(out, "var x=1") {
		t.Errorf("script text leaked: %q", out)
	}
}

func TestFetchPageRejectsBadURL(t *testing.T) {
	tools := NewWebTools()
	for _, u := range []string{"", "ftp://example.com", "not a url at all\x00"} {
		if _, err := tools.FetchPage(context.Background(), map[string]any{"url": u}); err == nil {
			t.Errorf("url %q must be rejected", u)
		}
	}
}

func TestFetchPageTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>", strings.Repeat("word ", 5000), "</body></html>")
	}))
	defer srv.Close()

	out, err := NewWebTools().FetchPage(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if !strings.Contains(out, "[content truncated]") {
		t.Error("long pages must be truncated")
	}
	if len(out) > maxPageTextLength+64 {
		t.Errorf("out length = %d", len(out))
	}
}
