package providers

import "strings"

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	if strings.Contains(lower, "maximum context length") || strings.Contains(lower, "context_length_exceeded") {
		return msg + " Hint: lower memory.context_size or memory.max_response_tokens so the summary prompt fits the model."
	}

	switch NormalizeProviderName(providerName) {
	case ProviderOpenAI:
		if strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: provider openai expects a Platform API key in provider.api_key or provider.api_key_file."
		}
		if strings.Contains(lower, "not a chat model") || strings.Contains(lower, "not supported in the v1/completions") {
			return msg + " Hint: the model does not match provider.kind; use kind chat for chat models and kind text for completion models."
		}
	case ProviderOpenRouter:
		if strings.Contains(lower, "no endpoints found") {
			return msg + " Hint: check provider.model against the OpenRouter model list (format vendor/model)."
		}
		if strings.Contains(lower, "no auth credentials found") || strings.Contains(lower, "user not found") {
			return msg + " Hint: OpenRouter rejected the key; set provider.api_key to an OpenRouter key."
		}
	case ProviderOpenAICompatible:
		if strings.Contains(lower, "not found") {
			return msg + " Hint: provider.api_base usually ends in /v1 for OpenAI-compatible servers."
		}
	}

	return msg
}
