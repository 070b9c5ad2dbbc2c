package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const sampleModels = `models:
  - name: gpt-4o
    provider: openrouter
    model_identifier: openai/gpt-4o
    supports_images: true
  - name: flash
    provider: google
    model_identifier: gemini-2.0-flash
`

func TestManagerLoad(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model_config.yaml")
	keysPath := filepath.Join(dir, "api_keys.yaml")
	writeFile(t, modelPath, sampleModels)
	writeFile(t, keysPath, "openrouter_api_key: sk-file\nlocal_base_url: http://localhost:9999\n")

	m := NewManager(modelPath, keysPath, nil)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	entry, ok := m.Lookup("gpt-4o")
	if !ok || entry.Provider != ProviderOpenRouter || !entry.SupportsImages {
		t.Errorf("unexpected entry %+v", entry)
	}
	if _, ok := m.Lookup("missing"); ok {
		t.Error("Lookup must miss for unknown names")
	}

	keys := m.Keys()
	if keys.OpenRouterAPIKey != "sk-file" {
		t.Errorf("openrouter key = %q", keys.OpenRouterAPIKey)
	}
	if keys.LocalBaseURL != "http://localhost:9999" {
		t.Errorf("local base = %q", keys.LocalBaseURL)
	}
	if keys.OpenRouterBaseURL != DefaultOpenRouterBaseURL {
		t.Errorf("openrouter base = %q", keys.OpenRouterBaseURL)
	}
}

func TestManagerEnvOverridesKeys(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model_config.yaml")
	keysPath := filepath.Join(dir, "api_keys.yaml")
	writeFile(t, modelPath, sampleModels)
	writeFile(t, keysPath, "google_api_key: from-file\n")
	t.Setenv("GOOGLE_API_KEY", "from-env")

	m := NewManager(modelPath, keysPath, nil)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := m.Keys().GoogleAPIKey; got != "from-env" {
		t.Errorf("google key = %q, want env override", got)
	}
}

func TestManagerMissingKeysFile(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model_config.yaml")
	writeFile(t, modelPath, sampleModels)

	m := NewManager(modelPath, filepath.Join(dir, "absent.yaml"), nil)
	if err := m.Load(); err != nil {
		t.Fatalf("a missing keys file must not fail Load: %v", err)
	}
	if m.Keys().LocalBaseURL != DefaultLocalBaseURL {
		t.Errorf("local base = %q", m.Keys().LocalBaseURL)
	}
}

func TestManagerIdentifierDefaultsToName(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model_config.yaml")
	writeFile(t, modelPath, "models:\n  - name: plain\n    provider: local\n")

	m := NewManager(modelPath, "", nil)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	entry, _ := m.Lookup("plain")
	if entry.Identifier != "plain" {
		t.Errorf("identifier = %q, want name fallback", entry.Identifier)
	}
}

func TestManagerWatchReloads(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model_config.yaml")
	writeFile(t, modelPath, sampleModels)

	m := NewManager(modelPath, "", nil)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer m.Close()

	writeFile(t, modelPath, sampleModels+"  - name: added\n    provider: local\n")

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := m.Lookup("added"); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("model table was not reloaded after file change")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestIsLocalModelName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"models/llama-3.1-8b.Q4.gguf", true},
		{"llama.gguf", true},
		{"/opt/models/weights", true},
		{"gpt-4o", false},
	}
	for _, tt := range tests {
		if got := IsLocalModelName(tt.name); got != tt.want {
			t.Errorf("IsLocalModelName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
