package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/loomchat/loom/internal/engine"
)

func TestAddHandler(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"integers", map[string]any{"a": 7.0, "b": 5.0}, "The sum of 7.0 and 5.0 is 12.0."},
		{"fractions", map[string]any{"a": 1.5, "b": 2.25}, "The sum of 1.5 and 2.2 is 3.8."},
		{"negative", map[string]any{"a": -1.0, "b": 1.0}, "The sum of -1.0 and 1.0 is 0.0."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := addHandler(context.Background(), tt.args)
			if err != nil {
				t.Fatalf("addHandler failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := addHandler(context.Background(), map[string]any{"a": "x", "b": 1.0}); err == nil {
		t.Error("non-numeric arguments must fail")
	}
}

type fakeSearcher struct {
	gotChat  string
	gotQuery string
	hits     []SearchHit
}

func (f *fakeSearcher) SearchChat(_ context.Context, chatID, query string, _ int) ([]SearchHit, error) {
	f.gotChat = chatID
	f.gotQuery = query
	return f.hits, nil
}

func TestRecallHandler(t *testing.T) {
	searcher := &fakeSearcher{hits: []SearchHit{
		{MessageID: "m1", Role: "user", Snippet: "we talked about capybaras"},
	}}
	handler := recallHandler(searcher)

	ctx := engine.WithChatID(context.Background(), "chat-9")
	out, err := handler(ctx, map[string]any{"query": "capybara"})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if searcher.gotChat != "chat-9" || searcher.gotQuery != "capybara" {
		t.Errorf("searcher got chat=%q query=%q", searcher.gotChat, searcher.gotQuery)
	}
	if !strings.Contains(out, "capybaras") {
		t.Errorf("out = %q", out)
	}

	// Without a chat in scope the handler refuses.
	if _, err := handler(context.Background(), map[string]any{"query": "x"}); err == nil {
		t.Error("expected error without chat scope")
	}
}

func TestRecallHandlerNoHits(t *testing.T) {
	handler := recallHandler(&fakeSearcher{})
	ctx := engine.WithChatID(context.Background(), "chat-1")
	out, err := handler(ctx, map[string]any{"query": "ghost"})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if !strings.Contains(out, "No earlier messages match") {
		t.Errorf("out = %q", out)
	}
}

type fakeRunner struct {
	res RunResult
	err error
}

func (f *fakeRunner) Run(context.Context, string, string) (RunResult, error) {
	return f.res, f.err
}

func TestRunCodeHandler(t *testing.T) {
	handler := runCodeHandler(&fakeRunner{res: RunResult{Stdout: "12\n", ExitCode: 0}})
	out, err := handler(context.Background(), map[string]any{"language": "python", "code": "print(7+5)"})
	if err != nil {
		t.Fatalf("run_code failed: %v", err)
	}
	if !strings.Contains(out, "exit code: 0") || !strings.Contains(out, "12") {
		t.Errorf("out = %q", out)
	}

	failing := runCodeHandler(&fakeRunner{err: fmt.Errorf("no docker")})
	if _, err := failing(context.Background(), map[string]any{"language": "python", "code": "x"}); err == nil {
		t.Error("runner errors must propagate")
	}
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry(2, nil)
	defer reg.Close()
	err := RegisterBuiltins(reg, BuiltinDeps{Recall: &fakeSearcher{}, Sandbox: &fakeRunner{}})
	if err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}

	names := make(map[string]bool)
	for _, def := range reg.Definitions() {
		names[def.Name] = true
	}
	for _, want := range []string{"add", "web_search", "fetch_page", "recall_chat", "run_code"} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}
}

func TestRegisterBuiltinsWithoutOptionalBackends(t *testing.T) {
	reg := NewRegistry(2, nil)
	defer reg.Close()
	if err := RegisterBuiltins(reg, BuiltinDeps{}); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	for _, def := range reg.Definitions() {
		if def.Name == "recall_chat" || def.Name == "run_code" {
			t.Errorf("tool %s must not be registered without its backend", def.Name)
		}
	}
}
