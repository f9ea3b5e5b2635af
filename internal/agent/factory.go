package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentbridge/runtime/internal/agent/providers"
)

// CustomEndpoint is a registered OpenAI-compatible endpoint (Azure,
// OpenRouter, a self-hosted proxy, or any other service that speaks the
// OpenAI chat completions wire format under a different base URL).
type CustomEndpoint struct {
	Name         string
	BaseURL      string
	APIKey       string
	DefaultModel string
}

// FactoryConfig supplies the credentials and registrations the factory
// needs to build adapters on demand.
type FactoryConfig struct {
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	CerebrasAPIKey  string

	// CustomEndpoints maps a provider id (as referenced by callers) to a
	// registered OpenAI-compatible endpoint.
	CustomEndpoints map[string]CustomEndpoint

	Logger *slog.Logger
}

// Factory selects and lazily constructs the adapter for a (provider,
// model) pair, caching constructed adapters for reuse.
type Factory struct {
	cfg   FactoryConfig
	cache map[string]Adapter
}

// NewFactory returns a Factory configured with cfg.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Factory{cfg: cfg, cache: make(map[string]Adapter)}
}

// responsesModelPrefixes are the model-id patterns routed to the OpenAI
// Responses API rather than chat completions.
var responsesModelPrefixes = []string{"gpt-5", "o1", "o3", "o4"}

func isResponsesModel(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range responsesModelPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Get returns the adapter for provider/model, constructing and caching it
// on first use.
func (f *Factory) Get(ctx context.Context, provider, model string) (Adapter, error) {
	key := provider
	if provider == "openai" && isResponsesModel(model) {
		key = "openai-responses"
	}

	if cached, ok := f.cache[key]; ok {
		return cached, nil
	}

	adapter, err := f.build(ctx, key, model)
	if err != nil {
		return nil, err
	}
	f.cache[key] = adapter
	return adapter, nil
}

func (f *Factory) build(ctx context.Context, key, model string) (Adapter, error) {
	switch key {
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey: f.cfg.OpenAIAPIKey, DefaultModel: model, Logger: f.cfg.Logger,
		}), nil

	case "openai-responses":
		return providers.NewOpenAIResponsesProvider(providers.OpenAIResponsesConfig{
			APIKey: f.cfg.OpenAIAPIKey, DefaultModel: model, Logger: f.cfg.Logger,
		}), nil

	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey: f.cfg.AnthropicAPIKey, DefaultModel: model, Logger: f.cfg.Logger,
		}), nil

	case "gemini":
		return providers.NewGeminiProvider(ctx, providers.GeminiConfig{
			APIKey: f.cfg.GeminiAPIKey, DefaultModel: model, Logger: f.cfg.Logger,
		})

	case "cerebras":
		return providers.NewCerebrasProvider(providers.CerebrasConfig{
			APIKey: f.cfg.CerebrasAPIKey, DefaultModel: model, Logger: f.cfg.Logger,
		}), nil

	default:
		if endpoint, ok := f.cfg.CustomEndpoints[key]; ok {
			defaultModel := model
			if defaultModel == "" {
				defaultModel = endpoint.DefaultModel
			}
			return providers.NewOpenAIProvider(providers.OpenAIConfig{
				APIKey: endpoint.APIKey, BaseURL: endpoint.BaseURL, DefaultModel: defaultModel, Logger: f.cfg.Logger,
			}), nil
		}
		return nil, fmt.Errorf("agent: unknown provider %q", key)
	}
}
