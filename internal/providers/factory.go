package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/internal/fault"
	"github.com/loomchat/loom/internal/store"
)

// Resolver turns a requested model name into a provider client. Resolution
// order: static model table, then the character's embedded binding, then a
// synthesized local entry when the name looks like a weights path.
type Resolver struct {
	cfg        *config.Manager
	httpClient *http.Client
	logger     *slog.Logger
}

func NewResolver(cfg *config.Manager, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Resolve implements engine.ProviderResolver.
func (r *Resolver) Resolve(ctx context.Context, modelName string, binding *store.ModelBinding, resolveLocal bool) (engine.LLMClient, engine.ResolvedModel, error) {
	entry, ok := r.cfg.Lookup(modelName)
	if !ok && binding != nil && binding.Name == modelName && binding.Provider != "" {
		entry = config.ModelEntry{
			Name:           binding.Name,
			Provider:       binding.Provider,
			Identifier:     binding.Identifier,
			SupportsImages: binding.SupportsImages,
		}
		if entry.Identifier == "" {
			entry.Identifier = entry.Name
		}
		ok = true
	}
	if !ok && config.IsLocalModelName(modelName) {
		entry = config.ModelEntry{
			Name:       modelName,
			Provider:   config.ProviderLocal,
			Identifier: modelName,
		}
		ok = true
	}
	if !ok {
		return nil, engine.ResolvedModel{}, fault.New(fault.KindBadRequest, "model %q is not configured", modelName)
	}

	resolved := engine.ResolvedModel{
		Name:           entry.Name,
		Provider:       entry.Provider,
		Identifier:     entry.Identifier,
		SupportsImages: entry.SupportsImages,
	}
	keys := r.cfg.Keys()

	switch entry.Provider {
	case config.ProviderOpenRouter:
		if keys.OpenRouterAPIKey == "" {
			return nil, resolved, fault.New(fault.KindBadRequest, "openrouter api key is not configured")
		}
		return NewOpenAIClient(keys.OpenRouterAPIKey, keys.OpenRouterBaseURL, entry.SupportsImages, r.logger), resolved, nil

	case config.ProviderLocal:
		if resolveLocal {
			id, err := r.localRuntimeModel(ctx, keys.LocalBaseURL)
			if err != nil {
				r.logger.Warn("local runtime model lookup failed", "base_url", keys.LocalBaseURL, "error", err)
			} else {
				resolved.Identifier = id
			}
		}
		apiKey := keys.LocalAPIKey
		if apiKey == "" {
			apiKey = "local"
		}
		return NewOpenAIClient(apiKey, strings.TrimSuffix(keys.LocalBaseURL, "/")+"/v1", entry.SupportsImages, r.logger), resolved, nil

	case config.ProviderGoogle:
		if keys.GoogleAPIKey == "" {
			return nil, resolved, fault.New(fault.KindBadRequest, "google api key is not configured")
		}
		return NewGoogleClient(keys.GoogleAPIKey, keys.GoogleBaseURL, r.logger), resolved, nil

	case config.ProviderAnthropic:
		if keys.AnthropicAPIKey == "" {
			return nil, resolved, fault.New(fault.KindBadRequest, "anthropic api key is not configured")
		}
		return NewAnthropicClient(keys.AnthropicAPIKey, entry.SupportsImages, r.logger), resolved, nil

	default:
		return nil, resolved, fault.New(fault.KindBadRequest, "unknown provider %q for model %q", entry.Provider, modelName)
	}
}

type localModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// localRuntimeModel asks the local server which model it actually has loaded
// and uses the first listed id as the runtime identifier.
func (r *Resolver) localRuntimeModel(ctx context.Context, baseURL string) (string, error) {
	endpoint := strings.TrimSuffix(baseURL, "/") + "/v1/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach local server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("local server returned %d", resp.StatusCode)
	}
	var list localModelList
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&list); err != nil {
		return "", fmt.Errorf("failed to parse model list: %w", err)
	}
	if len(list.Data) == 0 {
		return "", fmt.Errorf("local server lists no models")
	}
	return list.Data[0].ID, nil
}
