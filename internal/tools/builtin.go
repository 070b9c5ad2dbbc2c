package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomchat/loom/internal/engine"
)

// ChatSearcher finds persisted messages matching a query within one chat.
type ChatSearcher interface {
	SearchChat(ctx context.Context, chatID, query string, limit int) ([]SearchHit, error)
}

// SearchHit is one recall result.
type SearchHit struct {
	MessageID string
	Role      string
	Snippet   string
}

// CodeRunner executes a snippet in isolation.
type CodeRunner interface {
	Run(ctx context.Context, language, code string) (RunResult, error)
}

// RunResult is the outcome of a sandboxed execution.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// BuiltinDeps carries the optional backends for the built-in tools. Tools
// whose backend is nil are not registered.
type BuiltinDeps struct {
	Recall  ChatSearcher
	Sandbox CodeRunner
}

// RegisterBuiltins installs the standard tool set.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	web := NewWebTools()

	defs := []Definition{
		{
			Name:        "add",
			Description: "Adds two numbers together and returns the sum.",
			Parameters: map[string]Param{
				"a": {Type: "number", Description: "The first number."},
				"b": {Type: "number", Description: "The second number."},
			},
			Blocking: true,
			Handler:  addHandler,
		},
		{
			Name:        "web_search",
			Description: "Performs a web search and returns the top results with titles, links and snippets.",
			Parameters: map[string]Param{
				"query": {Type: "string", Description: "The search query."},
			},
			Handler: web.Search,
		},
		{
			Name:        "fetch_page",
			Description: "Fetches a web page and returns its readable text content.",
			Parameters: map[string]Param{
				"url": {Type: "string", Description: "The http(s) URL to fetch."},
			},
			Handler: web.FetchPage,
		},
	}

	if deps.Recall != nil {
		defs = append(defs, Definition{
			Name:        "recall_chat",
			Description: "Searches earlier messages of the current conversation for a phrase or topic.",
			Parameters: map[string]Param{
				"query": {Type: "string", Description: "What to look for in the conversation history."},
			},
			Blocking: true,
			Handler:  recallHandler(deps.Recall),
		})
	}
	if deps.Sandbox != nil {
		defs = append(defs, Definition{
			Name:        "run_code",
			Description: "Executes a code snippet in an isolated container and returns its output.",
			Parameters: map[string]Param{
				"language": {Type: "string", Description: "The snippet language, e.g. python or go."},
				"code":     {Type: "string", Description: "The code to execute."},
			},
			Blocking: true,
			Handler:  runCodeHandler(deps.Sandbox),
		})
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func addHandler(_ context.Context, args map[string]any) (string, error) {
	a, okA := toFloat(args["a"])
	b, okB := toFloat(args["b"])
	if !okA || !okB {
		return "", fmt.Errorf("a and b must be numbers")
	}
	return fmt.Sprintf("The sum of %.1f and %.1f is %.1f.", a, b, a+b), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func recallHandler(searcher ChatSearcher) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("query must not be empty")
		}
		chatID, ok := engine.ChatIDFrom(ctx)
		if !ok {
			return "", fmt.Errorf("no conversation in scope")
		}
		hits, err := searcher.SearchChat(ctx, chatID, query, 5)
		if err != nil {
			return "", fmt.Errorf("failed to search conversation: %w", err)
		}
		if len(hits) == 0 {
			return fmt.Sprintf("No earlier messages match '%s'.", query), nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Messages matching '%s':\n\n", query)
		for i, hit := range hits {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, hit.Role, hit.Snippet)
		}
		return strings.TrimSpace(b.String()), nil
	}
}

func runCodeHandler(runner CodeRunner) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (string, error) {
		language, _ := args["language"].(string)
		code, _ := args["code"].(string)
		if language == "" || code == "" {
			return "", fmt.Errorf("language and code must not be empty")
		}
		res, err := runner.Run(ctx, language, code)
		if err != nil {
			return "", fmt.Errorf("failed to run code: %w", err)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
		if res.Stdout != "" {
			fmt.Fprintf(&b, "stdout:\n%s\n", res.Stdout)
		}
		if res.Stderr != "" {
			fmt.Fprintf(&b, "stderr:\n%s\n", res.Stderr)
		}
		return strings.TrimSpace(b.String()), nil
	}
}
