package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	searchBaseURL     = "https://duckduckgo.com/html/"
	searchUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	maxSearchResults  = 5
	maxFetchedBody    = 1 << 20
	maxPageTextLength = 8000
)

// WebTools bundles the network-bound handlers. They run without the worker
// pool since they spend their time waiting on sockets.
type WebTools struct {
	client    *http.Client
	searchURL string
}

func NewWebTools() *WebTools {
	return &WebTools{
		client:    &http.Client{Timeout: 10 * time.Second},
		searchURL: searchBaseURL,
	}
}

type searchResult struct {
	title   string
	link    string
	snippet string
}

// Search scrapes the DuckDuckGo HTML endpoint and formats the top results.
func (w *WebTools) Search(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("query must not be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.searchURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach search engine: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search engine returned %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxFetchedBody))
	if err != nil {
		return "", fmt.Errorf("failed to parse search results: %w", err)
	}

	results := parseSearchResults(doc)
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for '%s':\n\n", query)
	if len(results) == 0 {
		b.WriteString("No results found.")
		return b.String(), nil
	}
	if len(results) > maxSearchResults {
		results = results[:maxSearchResults]
	}
	for i, res := range results {
		fmt.Fprintf(&b, "%d. %s\n   Link: %s\n   Snippet: %s\n\n", i+1, res.title, res.link, res.snippet)
	}
	return strings.TrimSpace(b.String()), nil
}

func parseSearchResults(doc *html.Node) []searchResult {
	var results []searchResult
	for _, item := range findAllByClass(doc, "result") {
		anchor := findFirstByClass(item, "result__a")
		snippet := findFirstByClass(item, "result__snippet")
		if anchor == nil || snippet == nil {
			continue
		}
		link := unwrapRedirect(attrValue(anchor, "href"))
		results = append(results, searchResult{
			title:   strings.TrimSpace(nodeText(anchor)),
			link:    link,
			snippet: cleanSnippet(nodeText(snippet)),
		})
	}
	return results
}

// unwrapRedirect extracts the target URL from the search engine's redirect
// links (`/l/?uddg=<escaped>` and the older `/uddg=` form).
func unwrapRedirect(link string) string {
	if idx := strings.Index(link, "uddg="); idx != -1 {
		rest := link[idx+len("uddg="):]
		if amp := strings.IndexByte(rest, '&'); amp != -1 {
			rest = rest[:amp]
		}
		if target, err := url.QueryUnescape(rest); err == nil && target != "" {
			return target
		}
	}
	if strings.HasPrefix(link, "//") {
		return "https:" + link
	}
	if strings.HasPrefix(link, "/") {
		return "https://duckduckgo.com" + link
	}
	return link
}

func cleanSnippet(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	return strings.TrimSpace(s)
}

// FetchPage downloads a URL and reduces it to readable text.
func (w *WebTools) FetchPage(ctx context.Context, args map[string]any) (string, error) {
	target, _ := args["url"].(string)
	if target == "" {
		return "", fmt.Errorf("url must not be empty")
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("url must be http or https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxFetchedBody))
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}

	text := collapseWhitespace(visibleText(doc))
	if len(text) > maxPageTextLength {
		text = text[:maxPageTextLength] + "\n[content truncated]"
	}
	if text == "" {
		return "[page contains no readable text]", nil
	}
	return text, nil
}

// visibleText walks the tree skipping script/style/head subtrees.
func visibleText(n *html.Node) string {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "head", "iframe":
			return ""
		}
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(visibleText(c))
		b.WriteString(" ")
	}
	return b.String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrValue(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func findAllByClass(n *html.Node, class string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && hasClass(node, class) {
			out = append(out, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func findFirstByClass(n *html.Node, class string) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if found != nil {
			return
		}
		if node.Type == html.ElementNode && hasClass(node, class) {
			found = node
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return found
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
