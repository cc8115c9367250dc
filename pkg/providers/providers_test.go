package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotsetgreg/tiermem/pkg/config"
	"github.com/dotsetgreg/tiermem/pkg/memory"
	"github.com/dotsetgreg/tiermem/pkg/prompt"
)

func TestCreateBackend_OpenRouter_DefaultSelection(t *testing.T) {
	var seenAuth, seenPath, seenTitle string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		seenTitle = r.Header.Get("X-Title")
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got := req["model"]; got != defaultOpenRouterModel {
			t.Errorf("expected default model %q, got %v", defaultOpenRouterModel, got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Provider.Name = ""
	cfg.Provider.Model = ""
	cfg.Provider.APIKey = "or-key"
	cfg.Provider.APIBase = server.URL

	backend, err := CreateBackend(cfg)
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	if !backend.ChatStyle() {
		t.Fatal("expected chat-style backend")
	}
	out, err := backend.Generate(context.Background(), memory.GenerateRequest{
		Segments:  []prompt.Segment{{Role: "user", Content: "hi"}},
		MaxTokens: 50,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "ok" {
		t.Fatalf("expected response content ok, got %q", out)
	}
	if seenAuth != "Bearer or-key" {
		t.Fatalf("expected openrouter auth bearer, got %q", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("expected /chat/completions path, got %q", seenPath)
	}
	if seenTitle != "tiermem" {
		t.Fatalf("expected X-Title header, got %q", seenTitle)
	}
}

func TestCreateBackend_OpenAI_SendsSegmentsAndOrganization(t *testing.T) {
	var seenOrg string
	var req struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string `json:"role"`
			Name    string `json:"name"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenOrg = r.Header.Get("OpenAI-Organization")
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"summary"}}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Provider.Name = ProviderOpenAI
	cfg.Provider.Model = "gpt-4o"
	cfg.Provider.APIKey = "sk-test"
	cfg.Provider.APIBase = server.URL
	cfg.Provider.Organization = "org-123"

	backend, err := CreateBackend(cfg)
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	_, err = backend.Generate(context.Background(), memory.GenerateRequest{
		Segments: []prompt.Segment{
			{Content: "Summarize."},
			{Role: "user", Name: "Jane Doe", Content: "hello"},
			{Role: "assistant", Content: "Summary:"},
		},
		MaxTokens: 120,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if seenOrg != "org-123" {
		t.Fatalf("expected organization header, got %q", seenOrg)
	}
	if req.Model != "gpt-4o" || req.MaxTokens != 120 {
		t.Fatalf("unexpected request model/max_tokens: %q %d", req.Model, req.MaxTokens)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != "system" {
		t.Fatalf("expected empty role to default to system, got %q", req.Messages[0].Role)
	}
	if req.Messages[1].Name != "Jane_Doe" {
		t.Fatalf("expected sanitized participant name, got %q", req.Messages[1].Name)
	}
	if req.Messages[2].Content != "Summary:" {
		t.Fatalf("expected prefill as last message, got %q", req.Messages[2].Content)
	}
}

func TestCreateBackend_TextKindUsesCompletions(t *testing.T) {
	var seenPath, seenAuth string
	var req struct {
		Prompt string   `json:"prompt"`
		Stop   []string `json:"stop"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		seenAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":" a short summary","index":0}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Provider.Name = ProviderOpenAICompatible
	cfg.Provider.Kind = config.KindText
	cfg.Provider.Model = "local-model"
	cfg.Provider.APIBase = server.URL + "/"

	backend, err := CreateBackend(cfg)
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	if backend.ChatStyle() {
		t.Fatal("expected text backend")
	}
	out, err := backend.Generate(context.Background(), memory.GenerateRequest{
		Prompt: "<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n",
		Stop:   []string{"<|im_end|>"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != " a short summary" {
		t.Fatalf("unexpected completion text %q", out)
	}
	if seenPath != "/completions" {
		t.Fatalf("expected /completions path, got %q", seenPath)
	}
	if seenAuth != "" {
		t.Fatalf("expected no auth header without a key, got %q", seenAuth)
	}
	if !strings.HasPrefix(req.Prompt, "<|im_start|>") || len(req.Stop) != 1 {
		t.Fatalf("unexpected completion request %+v", req)
	}
}

func TestCreateBackend_APIErrorIncludesHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Provider.Name = ProviderOpenAI
	cfg.Provider.APIKey = "sk-bad"
	cfg.Provider.APIBase = server.URL

	backend, err := CreateBackend(cfg)
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	_, err = backend.Generate(context.Background(), memory.GenerateRequest{
		Segments: []prompt.Segment{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected API error")
	}
	if !strings.Contains(err.Error(), "HTTP 401") || !strings.Contains(err.Error(), "Hint:") {
		t.Fatalf("expected status and hint in error, got %v", err)
	}
}

func TestCreateBackend_APIKeyFile(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(keyFile, []byte("file-key\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	var seenAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Provider.APIKeyFile = keyFile
	cfg.Provider.APIBase = server.URL

	backend, err := CreateBackend(cfg)
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	if _, err := backend.Generate(context.Background(), memory.GenerateRequest{
		Segments: []prompt.Segment{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if seenAuth != "Bearer file-key" {
		t.Fatalf("expected key from file, got %q", seenAuth)
	}
}

func TestValidateProviderConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := ValidateProviderConfig(cfg); err == nil {
		t.Fatal("expected missing key error for openrouter")
	}

	cfg.Provider.APIKey = "k"
	cfg.Provider.APIKeyFile = "/tmp/k"
	err := ValidateProviderConfig(cfg)
	if err == nil || !strings.Contains(err.Error(), "set exactly one") {
		t.Fatalf("expected multiple credential error, got %v", err)
	}

	cfg = config.DefaultConfig()
	cfg.Provider.Name = ProviderOpenAICompatible
	if err := ValidateProviderConfig(cfg); err == nil {
		t.Fatal("expected missing api_base error")
	}
	cfg.Provider.APIBase = "http://127.0.0.1:8080/v1"
	if err := ValidateProviderConfig(cfg); err != nil {
		t.Fatalf("expected compatible provider without key to validate, got %v", err)
	}

	cfg.Provider.Name = "nope"
	if err := ValidateProviderConfig(cfg); err == nil || !strings.Contains(err.Error(), "supported providers") {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
}

func TestProviderCredentialStatus(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "k"
	name, configured, mode, err := ProviderCredentialStatus(cfg)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if name != ProviderOpenRouter || !configured || mode != credentialAPIKey {
		t.Fatalf("unexpected status %q %v %q", name, configured, mode)
	}

	cfg = config.DefaultConfig()
	cfg.Provider.Name = ProviderOpenAICompatible
	cfg.Provider.APIBase = "http://127.0.0.1:8080/v1"
	_, configured, mode, err = ProviderCredentialStatus(cfg)
	if err != nil || !configured || mode != "none" {
		t.Fatalf("expected keyless compatible provider to be configured, got %v %q %v", configured, mode, err)
	}
}

func TestSupportedProviders(t *testing.T) {
	got := strings.Join(SupportedProviders(), ",")
	if got != "openai,openai-compatible,openrouter" {
		t.Fatalf("unexpected providers %q", got)
	}
}

func TestParticipantName(t *testing.T) {
	cases := map[string]string{
		"":              "",
		"Seraphina":     "Seraphina",
		"Jane Doe":      "Jane_Doe",
		"Zoë":           "Zo_",
		strings.Repeat("a", 80): strings.Repeat("a", 64),
	}
	for in, want := range cases {
		if got := participantName(in); got != want {
			t.Errorf("participantName(%q) = %q, want %q", in, got, want)
		}
	}
}
