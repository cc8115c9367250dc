package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dotsetgreg/tiermem/pkg/config"
)

const (
	credentialAPIKey     = "api_key"
	credentialAPIKeyFile = "api_key_file"
)

type credentialCandidate struct {
	mode   string
	source string
	field  string
}

func selectSingleCredential(
	candidates []credentialCandidate,
	missingMessage string,
	multiPrefix string,
) (mode string, source string, err error) {
	switch len(candidates) {
	case 0:
		return "", "", fmt.Errorf("%s", strings.TrimSpace(missingMessage))
	case 1:
		chosen := candidates[0]
		return chosen.mode, chosen.source, nil
	default:
		fields := make([]string, 0, len(candidates))
		for _, item := range candidates {
			fields = append(fields, item.field)
		}
		sort.Strings(fields)
		return "", "", fmt.Errorf(
			"%s (%s); set exactly one",
			strings.TrimSpace(multiPrefix),
			strings.Join(fields, ", "),
		)
	}
}

func credentialCandidates(p config.ProviderConfig) []credentialCandidate {
	candidates := make([]credentialCandidate, 0, 2)
	if key := strings.TrimSpace(p.APIKey); key != "" {
		candidates = append(candidates, credentialCandidate{
			mode:   credentialAPIKey,
			source: key,
			field:  "provider.api_key",
		})
	}
	if file := strings.TrimSpace(p.APIKeyFile); file != "" {
		candidates = append(candidates, credentialCandidate{
			mode:   credentialAPIKeyFile,
			source: file,
			field:  "provider.api_key_file",
		})
	}
	return candidates
}

// resolveCredential picks the single configured credential. An optional
// credential that is absent yields a nil source.
func resolveCredential(cfg *config.Config, label string, required bool) (TokenSource, string, error) {
	if cfg == nil {
		return nil, "", fmt.Errorf("config is required")
	}
	candidates := credentialCandidates(cfg.Provider)
	if len(candidates) == 0 && !required {
		return nil, "", nil
	}
	mode, source, err := selectSingleCredential(
		candidates,
		fmt.Sprintf("%s API key is required (set provider.api_key, provider.api_key_file, or TIERMEM_PROVIDER_API_KEY)", label),
		fmt.Sprintf("multiple %s credential sources configured", label),
	)
	if err != nil {
		return nil, "", err
	}
	switch mode {
	case credentialAPIKey:
		return NewStaticTokenSource(source, "provider.api_key"), mode, nil
	case credentialAPIKeyFile:
		if err := validateKeyFileSource(source, label); err != nil {
			return nil, "", err
		}
		return NewFileTokenSource(source), mode, nil
	default:
		return nil, "", fmt.Errorf("unsupported %s credential mode %q", label, mode)
	}
}

func validateKeyFileSource(source, providerLabel string) error {
	resolved := expandHome(strings.TrimSpace(source))
	if _, err := os.Stat(resolved); err != nil {
		label := strings.TrimSpace(providerLabel)
		if label == "" {
			label = "Provider"
		}
		return fmt.Errorf("%s API key file not accessible at %s: %w", label, resolved, err)
	}
	return nil
}

func credentialStatus(cfg *config.Config, required bool) (bool, string) {
	if cfg == nil {
		return false, ""
	}
	_, mode, err := resolveCredential(cfg, "provider", required)
	if err != nil {
		return false, ""
	}
	if mode == "" {
		return true, "none"
	}
	return true, mode
}
