package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/dotsetgreg/tiermem/pkg/memory"
)

func TestDefaultConfig_Workspace(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Workspace == "" {
		t.Error("Workspace should not be empty")
	}
	if got := cfg.WorkspacePath(); got == cfg.Workspace {
		t.Errorf("WorkspacePath should expand ~, got %q", got)
	}
}

func TestDefaultConfig_Provider(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Provider.APIKey != "" {
		t.Error("API key should be empty by default")
	}
	if cfg.Provider.Kind != KindChat {
		t.Errorf("expected chat provider kind, got %q", cfg.Provider.Kind)
	}
	if !cfg.ChatStyle() {
		t.Error("default provider should be chat style")
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		t.Error("TimeoutSeconds should have default value")
	}
}

func TestDefaultConfig_Memory(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Memory.Prompt == "" {
		t.Error("summary prompt should have default value")
	}
	if cfg.Memory.Capacity.Mode != memory.CapacityTokens {
		t.Errorf("expected token capacity mode, got %q", cfg.Memory.Capacity.Mode)
	}
	if notes := cfg.Memory.Normalize(); len(notes) != 0 {
		t.Errorf("default memory settings should already be normal, got %v", notes)
	}
}

func TestDefaultConfig_Service(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Service.SweepCron == "" {
		t.Error("SweepCron should have default value")
	}
	if cfg.Service.EventBuffer == 0 {
		t.Error("EventBuffer should not be zero")
	}
	if cfg.Service.Parallelism == 0 {
		t.Error("Parallelism should not be zero")
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestSaveLoadConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Workspace = "/tmp/tiermem-ws"
	cfg.Provider.Model = "local/model"
	cfg.Memory.Separator = "\n- "
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Provider.Model != "local/model" {
		t.Fatalf("expected model to survive round trip, got %q", loaded.Provider.Model)
	}
	if loaded.Memory.Separator != "\n- " {
		t.Fatalf("expected separator to survive round trip, got %q", loaded.Memory.Separator)
	}
	if got := loaded.ScriptsPath(); got != filepath.Join("/tmp/tiermem-ws", "scripts.yaml") {
		t.Fatalf("expected scripts path inside workspace, got %q", got)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("TIERMEM_PROVIDER_MODEL", "env/model")
	t.Setenv("TIERMEM_MEMORY_AUTO_SUMMARIZE", "false")
	t.Setenv("TIERMEM_MEMORY_DISABLED_CHARACTERS", "Narrator,Guide")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Provider.Model; got != "env/model" {
		t.Fatalf("expected env override model, got %q", got)
	}
	if cfg.Memory.AutoSummarize {
		t.Fatal("expected auto summarize disabled from env")
	}
	if got := cfg.Memory.DisabledCharacters; len(got) != 2 || got[1] != "Guide" {
		t.Fatalf("expected disabled characters from env, got %v", got)
	}
}

func TestLoadConfig_NormalizesMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"memory": {"auto_summarize_batch_size": 0, "capacity": {"mode": "vibes"}}}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Memory.BatchSize != 1 {
		t.Fatalf("expected batch size raised to 1, got %d", cfg.Memory.BatchSize)
	}
	if cfg.Memory.Capacity.Mode != memory.CapacityTokens {
		t.Fatalf("expected unknown capacity mode to fall back to tokens, got %q", cfg.Memory.Capacity.Mode)
	}
}

func TestLoadConfig_RejectsBadProviderKind(t *testing.T) {
	t.Setenv("TIERMEM_PROVIDER_KIND", "telepathy")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
}

func TestLoadConfig_RejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}
