package providers

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/tiermem/pkg/config"
	"github.com/dotsetgreg/tiermem/pkg/memory"
)

// openai-compatible covers self-hosted servers (llama.cpp, vLLM, KoboldCpp,
// Ollama) that speak the OpenAI wire format. The key is optional.

func init() {
	RegisterFactory(ProviderOpenAICompatible, newCompatibleBackendFromConfig, validateCompatibleConfig, compatibleCredentialStatus)
}

func validateCompatibleConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.Provider.APIBase) == "" {
		return fmt.Errorf("provider.api_base is required for %s (set provider.api_base or TIERMEM_PROVIDER_API_BASE)", ProviderOpenAICompatible)
	}
	if strings.TrimSpace(cfg.Provider.Model) == "" {
		return fmt.Errorf("provider.model is required for %s", ProviderOpenAICompatible)
	}
	_, _, err := resolveCredential(cfg, "openai-compatible", false)
	return err
}

func compatibleCredentialStatus(cfg *config.Config) (bool, string) {
	return credentialStatus(cfg, false)
}

func newCompatibleBackendFromConfig(cfg *config.Config) (memory.Backend, error) {
	if err := validateCompatibleConfig(cfg); err != nil {
		return nil, err
	}
	auth, _, err := resolveCredential(cfg, "openai-compatible", false)
	if err != nil {
		return nil, err
	}
	return buildBackend(cfg, clientOptions{
		provider: ProviderOpenAICompatible,
		apiBase:  strings.TrimSpace(cfg.Provider.APIBase),
		auth:     auth,
	}, "")
}
