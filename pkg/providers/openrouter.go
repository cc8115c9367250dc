package providers

import (
	"strings"

	"github.com/dotsetgreg/tiermem/pkg/config"
	"github.com/dotsetgreg/tiermem/pkg/memory"
)

const (
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "openai/gpt-4o-mini"
)

func init() {
	RegisterFactory(ProviderOpenRouter, newOpenRouterBackendFromConfig, validateOpenRouterConfig, openRouterCredentialStatus)
}

func validateOpenRouterConfig(cfg *config.Config) error {
	_, _, err := resolveCredential(cfg, "OpenRouter", true)
	return err
}

func openRouterCredentialStatus(cfg *config.Config) (bool, string) {
	return credentialStatus(cfg, true)
}

func newOpenRouterBackendFromConfig(cfg *config.Config) (memory.Backend, error) {
	auth, _, err := resolveCredential(cfg, "OpenRouter", true)
	if err != nil {
		return nil, err
	}
	apiBase := strings.TrimSpace(cfg.Provider.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenRouterAPIBase
	}
	return buildBackend(cfg, clientOptions{
		provider: ProviderOpenRouter,
		apiBase:  apiBase,
		auth:     auth,
		headers:  map[string]string{"X-Title": "tiermem"},
	}, defaultOpenRouterModel)
}
