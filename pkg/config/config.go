package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"

	"github.com/dotsetgreg/tiermem/pkg/logger"
	"github.com/dotsetgreg/tiermem/pkg/memory"
	"github.com/dotsetgreg/tiermem/pkg/prompt"
)

type Config struct {
	Workspace   string          `json:"workspace" env:"TIERMEM_WORKSPACE"`
	ScriptsFile string          `json:"scripts_file" env:"TIERMEM_SCRIPTS_FILE"`
	Provider    ProviderConfig  `json:"provider"`
	Memory      memory.Settings `json:"memory"`
	Logging     LoggingConfig   `json:"logging"`
	Service     ServiceConfig   `json:"service"`
	mu          sync.RWMutex
}

// ProviderConfig selects and configures the summarization backend.
type ProviderConfig struct {
	Name              string `json:"name" env:"TIERMEM_PROVIDER_NAME"`
	Kind              string `json:"kind" env:"TIERMEM_PROVIDER_KIND"` // chat | text
	APIKey            string `json:"api_key" env:"TIERMEM_PROVIDER_API_KEY"`
	APIKeyFile        string `json:"api_key_file,omitempty" env:"TIERMEM_PROVIDER_API_KEY_FILE"`
	APIBase           string `json:"api_base" env:"TIERMEM_PROVIDER_API_BASE"`
	Model             string `json:"model" env:"TIERMEM_PROVIDER_MODEL"`
	Organization      string `json:"organization,omitempty" env:"TIERMEM_PROVIDER_ORGANIZATION"`
	Proxy             string `json:"proxy,omitempty" env:"TIERMEM_PROVIDER_PROXY"`
	TimeoutSeconds    int    `json:"timeout_seconds" env:"TIERMEM_PROVIDER_TIMEOUT_SECONDS"`
	RequestsPerMinute int    `json:"requests_per_minute" env:"TIERMEM_PROVIDER_REQUESTS_PER_MINUTE"`
	Burst             int    `json:"burst" env:"TIERMEM_PROVIDER_BURST"`
	Instruct          string `json:"instruct" env:"TIERMEM_PROVIDER_INSTRUCT"`
	Tokenizer         string `json:"tokenizer" env:"TIERMEM_PROVIDER_TOKENIZER"` // tiktoken | heuristic
}

const (
	KindChat = "chat"
	KindText = "text"
)

type LoggingConfig struct {
	Level  string `json:"level" env:"TIERMEM_LOGGING_LEVEL"`
	Format string `json:"format" env:"TIERMEM_LOGGING_FORMAT"` // console | json
	Output string `json:"output,omitempty" env:"TIERMEM_LOGGING_OUTPUT"`
}

type ServiceConfig struct {
	SweepCron   string `json:"sweep_cron" env:"TIERMEM_SERVICE_SWEEP_CRON"`
	ListenAddr  string `json:"listen_addr" env:"TIERMEM_SERVICE_LISTEN_ADDR"`
	SlotsDir    string `json:"slots_dir" env:"TIERMEM_SERVICE_SLOTS_DIR"`
	EventBuffer int    `json:"event_buffer" env:"TIERMEM_SERVICE_EVENT_BUFFER"`
	Parallelism int    `json:"parallelism" env:"TIERMEM_SERVICE_PARALLELISM"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace:   "~/.tiermem/workspace",
		ScriptsFile: "scripts.yaml",
		Provider: ProviderConfig{
			Name:              "openrouter",
			Kind:              KindChat,
			Model:             "openai/gpt-4o-mini",
			TimeoutSeconds:    120,
			RequestsPerMinute: 0,
			Burst:             1,
			Instruct:          "chatml",
			Tokenizer:         "tiktoken",
		},
		Memory: memory.DefaultSettings(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Service: ServiceConfig{
			SweepCron:   "*/15 * * * *",
			ListenAddr:  "127.0.0.1:9464",
			SlotsDir:    "slots",
			EventBuffer: 100,
			Parallelism: 2,
		},
	}
}

// LoadConfig layers the file at path and TIERMEM_* environment variables
// over the defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	for _, note := range cfg.Memory.Normalize() {
		logger.WarnCF("config", "Adjusted memory setting", map[string]interface{}{"note": note})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch strings.ToLower(strings.TrimSpace(c.Provider.Kind)) {
	case KindChat, KindText, "":
	default:
		return fmt.Errorf("provider.kind must be %q or %q, got %q", KindChat, KindText, c.Provider.Kind)
	}
	if c.Provider.Instruct != "" {
		if _, err := prompt.LookupInstruct(c.Provider.Instruct); err != nil {
			return fmt.Errorf("provider.instruct: %w", err)
		}
	}
	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !strings.EqualFold(logger.ParseLevel(lvl).String(), lvl) {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	return nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

// ScriptsPath resolves the script file against the workspace.
func (c *Config) ScriptsPath() string {
	c.mu.RLock()
	file := expandHome(c.ScriptsFile)
	c.mu.RUnlock()
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(c.WorkspacePath(), file)
}

// SlotsPath resolves the file sink directory against the workspace.
func (c *Config) SlotsPath() string {
	c.mu.RLock()
	dir := expandHome(c.Service.SlotsDir)
	c.mu.RUnlock()
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.WorkspacePath(), dir)
}

// ChatStyle reports whether the provider takes role-tagged messages.
func (c *Config) ChatStyle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !strings.EqualFold(strings.TrimSpace(c.Provider.Kind), KindText)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
