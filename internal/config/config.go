package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultGoogleBaseURL     = "https://generativelanguage.googleapis.com"
	DefaultLocalBaseURL      = "http://localhost:8080"
)

// Provider names accepted in the model table.
const (
	ProviderOpenRouter = "openrouter"
	ProviderGoogle     = "google"
	ProviderAnthropic  = "anthropic"
	ProviderLocal      = "local"
)

// ModelEntry is one row of the static model table.
type ModelEntry struct {
	Name           string `yaml:"name" json:"name"`
	Provider       string `yaml:"provider" json:"provider"`
	Identifier     string `yaml:"model_identifier" json:"model_identifier"`
	SupportsImages bool   `yaml:"supports_images" json:"supports_images"`
}

// Keys holds provider credentials and base URL overrides. Environment
// variables take precedence over the YAML file.
type Keys struct {
	OpenRouterAPIKey  string `yaml:"openrouter_api_key"`
	GoogleAPIKey      string `yaml:"google_api_key"`
	AnthropicAPIKey   string `yaml:"anthropic_api_key"`
	LocalAPIKey       string `yaml:"local_api_key"`
	OpenRouterBaseURL string `yaml:"openrouter_base_url"`
	GoogleBaseURL     string `yaml:"google_base_url"`
	LocalBaseURL      string `yaml:"local_base_url"`
}

type modelFile struct {
	Models []ModelEntry `yaml:"models"`
}

func loadModelTable(path string) ([]ModelEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	var f modelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	for i, m := range f.Models {
		if m.Name == "" {
			return nil, fmt.Errorf("model entry %d has no name", i)
		}
		if m.Identifier == "" {
			f.Models[i].Identifier = m.Name
		}
	}
	return f.Models, nil
}

func loadKeys(path string) (Keys, error) {
	var k Keys
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return k, fmt.Errorf("failed to read api keys: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &k); err != nil {
				return k, fmt.Errorf("failed to parse api keys: %w", err)
			}
		}
	}
	overlay := func(dst *string, env string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	overlay(&k.OpenRouterAPIKey, "OPENROUTER_API_KEY")
	overlay(&k.GoogleAPIKey, "GOOGLE_API_KEY")
	overlay(&k.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	overlay(&k.LocalAPIKey, "LOCAL_API_KEY")
	overlay(&k.OpenRouterBaseURL, "OPENROUTER_BASE_URL")
	overlay(&k.GoogleBaseURL, "GOOGLE_BASE_URL")
	overlay(&k.LocalBaseURL, "LOCAL_BASE_URL")

	if k.OpenRouterBaseURL == "" {
		k.OpenRouterBaseURL = DefaultOpenRouterBaseURL
	}
	if k.GoogleBaseURL == "" {
		k.GoogleBaseURL = DefaultGoogleBaseURL
	}
	if k.LocalBaseURL == "" {
		k.LocalBaseURL = DefaultLocalBaseURL
	}
	return k, nil
}

// IsLocalModelName reports whether a model name that is absent from the
// static table should be treated as a local weights file.
func IsLocalModelName(name string) bool {
	if strings.HasSuffix(strings.ToLower(name), ".gguf") {
		return true
	}
	return strings.ContainsRune(name, '/') || strings.ContainsRune(name, filepath.Separator)
}
