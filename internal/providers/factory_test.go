package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/fault"
	"github.com/loomchat/loom/internal/store"
)

func testResolver(t *testing.T, keysYAML string) *Resolver {
	t.Helper()
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model_config.yaml")
	keysPath := filepath.Join(dir, "api_keys.yaml")
	models := `models:
  - name: gpt-4o
    provider: openrouter
    model_identifier: openai/gpt-4o
    supports_images: true
  - name: flash
    provider: google
    model_identifier: gemini-2.0-flash
  - name: claude
    provider: anthropic
    model_identifier: claude-sonnet-4-20250514
`
	if err := os.WriteFile(modelPath, []byte(models), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keysPath, []byte(keysYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	mgr := config.NewManager(modelPath, keysPath, nil)
	if err := mgr.Load(); err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return NewResolver(mgr, nil)
}

func TestResolverStaticTable(t *testing.T) {
	r := testResolver(t, "openrouter_api_key: sk-x\ngoogle_api_key: g-x\nanthropic_api_key: a-x\n")

	tests := []struct {
		name       string
		provider   string
		identifier string
	}{
		{"gpt-4o", "openrouter", "openai/gpt-4o"},
		{"flash", "google", "gemini-2.0-flash"},
		{"claude", "anthropic", "claude-sonnet-4-20250514"},
	}
	for _, tt := range tests {
		client, resolved, err := r.Resolve(context.Background(), tt.name, nil, false)
		if err != nil {
			t.Errorf("Resolve(%s) failed: %v", tt.name, err)
			continue
		}
		if client == nil {
			t.Errorf("Resolve(%s) returned no client", tt.name)
		}
		if resolved.Provider != tt.provider || resolved.Identifier != tt.identifier {
			t.Errorf("Resolve(%s) = %+v", tt.name, resolved)
		}
	}
}

func TestResolverCharacterBinding(t *testing.T) {
	r := testResolver(t, "openrouter_api_key: sk-x\n")

	binding := &store.ModelBinding{
		Name:       "persona-model",
		Provider:   "openrouter",
		Identifier: "mistralai/mixtral-8x7b",
	}
	_, resolved, err := r.Resolve(context.Background(), "persona-model", binding, false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Identifier != "mistralai/mixtral-8x7b" {
		t.Errorf("resolved = %+v", resolved)
	}

	// The binding only applies to its own model name.
	if _, _, err := r.Resolve(context.Background(), "other-model", binding, false); fault.KindOf(err) != fault.KindBadRequest {
		t.Errorf("expected bad_request for foreign name, got %v", err)
	}
}

func TestResolverLocalSynthesis(t *testing.T) {
	r := testResolver(t, "")

	_, resolved, err := r.Resolve(context.Background(), "models/llama-3.1-8b.Q4.gguf", nil, false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Provider != "local" || resolved.Identifier != "models/llama-3.1-8b.Q4.gguf" {
		t.Errorf("resolved = %+v", resolved)
	}
}

func TestResolverUnknownModel(t *testing.T) {
	r := testResolver(t, "")
	if _, _, err := r.Resolve(context.Background(), "nope", nil, false); fault.KindOf(err) != fault.KindBadRequest {
		t.Errorf("expected bad_request, got %v", err)
	}
}

func TestResolverMissingKey(t *testing.T) {
	r := testResolver(t, "")
	if _, _, err := r.Resolve(context.Background(), "gpt-4o", nil, false); fault.KindOf(err) != fault.KindBadRequest {
		t.Errorf("expected bad_request for missing key, got %v", err)
	}
}

func TestResolverLocalRuntimeModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"loaded-model.gguf"},{"id":"other"}]}`))
	}))
	defer srv.Close()
	t.Setenv("LOCAL_BASE_URL", srv.URL)

	r := testResolver(t, "")
	_, resolved, err := r.Resolve(context.Background(), "whatever/weights.gguf", nil, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Identifier != "loaded-model.gguf" {
		t.Errorf("identifier = %q, want the server's first listed model", resolved.Identifier)
	}
}

func TestResolverLocalRuntimeModelUnreachable(t *testing.T) {
	t.Setenv("LOCAL_BASE_URL", "http://127.0.0.1:1")

	r := testResolver(t, "")
	_, resolved, err := r.Resolve(context.Background(), "weights.gguf", nil, true)
	if err != nil {
		t.Fatalf("an unreachable local server must not fail resolution: %v", err)
	}
	if resolved.Identifier != "weights.gguf" {
		t.Errorf("identifier = %q, want configured fallback", resolved.Identifier)
	}
}
