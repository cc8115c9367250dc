package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dotsetgreg/tiermem/pkg/config"
	"github.com/dotsetgreg/tiermem/pkg/logger"
	"github.com/dotsetgreg/tiermem/pkg/memory"
)

type clientOptions struct {
	provider     string
	apiBase      string
	organization string
	proxy        string
	timeout      time.Duration
	auth         TokenSource
	headers      map[string]string
}

func newClient(opts clientOptions) (*openai.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.proxy != "" {
		proxyURL, err := url.Parse(opts.proxy)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid proxy %q: %w", opts.provider, opts.proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	cc := openai.DefaultConfig("")
	cc.BaseURL = strings.TrimRight(opts.apiBase, "/")
	cc.OrgID = opts.organization
	cc.HTTPClient = &http.Client{
		Timeout:   opts.timeout,
		Transport: &authTransport{base: transport, source: opts.auth, headers: opts.headers},
	}
	return openai.NewClientWithConfig(cc), nil
}

func buildBackend(cfg *config.Config, opts clientOptions, defaultModel string) (memory.Backend, error) {
	opts.timeout = time.Duration(cfg.Provider.TimeoutSeconds) * time.Second
	if opts.proxy == "" {
		opts.proxy = strings.TrimSpace(cfg.Provider.Proxy)
	}
	if opts.organization == "" {
		opts.organization = strings.TrimSpace(cfg.Provider.Organization)
	}
	client, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(cfg.Provider.Model)
	if model == "" {
		model = defaultModel
	}
	logger.DebugCF("providers", "Backend created", map[string]interface{}{
		"provider": opts.provider,
		"api_base": opts.apiBase,
		"model":    model,
		"chat":     cfg.ChatStyle(),
	})
	if cfg.ChatStyle() {
		return &ChatBackend{provider: opts.provider, client: client, model: model}, nil
	}
	return &TextBackend{provider: opts.provider, client: client, model: model}, nil
}

// ChatBackend summarizes through the chat completions endpoint.
type ChatBackend struct {
	provider string
	client   *openai.Client
	model    string
}

func (b *ChatBackend) ChatStyle() bool { return true }

func (b *ChatBackend) Generate(ctx context.Context, req memory.GenerateRequest) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Segments))
	for _, seg := range req.Segments {
		role := seg.Role
		if role == "" {
			role = openai.ChatMessageRoleSystem
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Name:    participantName(seg.Name),
			Content: seg.Content,
		})
	}
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     b.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
	})
	if err != nil {
		return "", wrapAPIError(b.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// TextBackend summarizes through the legacy completions endpoint with a
// prompt already rendered in an instruct format.
type TextBackend struct {
	provider string
	client   *openai.Client
	model    string
}

func (b *TextBackend) ChatStyle() bool { return false }

func (b *TextBackend) Generate(ctx context.Context, req memory.GenerateRequest) (string, error) {
	resp, err := b.client.CreateCompletion(ctx, openai.CompletionRequest{
		Model:     b.model,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
	})
	if err != nil {
		return "", wrapAPIError(b.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Text, nil
}

// participantName fits a speaker name to the ^[a-zA-Z0-9_-]{1,64}$ shape
// the chat API accepts.
func participantName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
	if len(clean) > 64 {
		clean = clean[:64]
	}
	return clean
}

func wrapAPIError(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: HTTP %d: %s: %w", provider, apiErr.HTTPStatusCode, augmentProviderError(provider, apiErr.Message), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%s: HTTP %d: %w", provider, reqErr.HTTPStatusCode, err)
	}
	return fmt.Errorf("%s: %w", provider, err)
}
