package providers

import (
	"strings"

	"github.com/dotsetgreg/tiermem/pkg/config"
	"github.com/dotsetgreg/tiermem/pkg/memory"
)

const (
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
)

func init() {
	RegisterFactory(ProviderOpenAI, newOpenAIBackendFromConfig, validateOpenAIConfig, openAICredentialStatus)
}

func validateOpenAIConfig(cfg *config.Config) error {
	_, _, err := resolveCredential(cfg, "OpenAI", true)
	return err
}

func openAICredentialStatus(cfg *config.Config) (bool, string) {
	return credentialStatus(cfg, true)
}

func newOpenAIBackendFromConfig(cfg *config.Config) (memory.Backend, error) {
	auth, _, err := resolveCredential(cfg, "OpenAI", true)
	if err != nil {
		return nil, err
	}
	apiBase := strings.TrimSpace(cfg.Provider.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenAIAPIBase
	}
	return buildBackend(cfg, clientOptions{
		provider: ProviderOpenAI,
		apiBase:  apiBase,
		auth:     auth,
	}, defaultOpenAIModel)
}
