// tiermem - tiered conversation memory for long-running chats
// License: MIT

package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dotsetgreg/tiermem/pkg/bus"
	"github.com/dotsetgreg/tiermem/pkg/config"
	"github.com/dotsetgreg/tiermem/pkg/injection"
	"github.com/dotsetgreg/tiermem/pkg/logger"
	"github.com/dotsetgreg/tiermem/pkg/memory"
	"github.com/dotsetgreg/tiermem/pkg/prompt"
	"github.com/dotsetgreg/tiermem/pkg/providers"
	"github.com/dotsetgreg/tiermem/pkg/tokens"
)

//go:embed workspace
var embeddedFiles embed.FS

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "tiermem"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("TIERMEM_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tiermem", "config.json")
}

// cliApp carries state shared by every command of one CLI invocation.
type cliApp struct {
	configPath string
	debug      bool
}

func (a *cliApp) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", a.configPath, err)
	}
	level := cfg.Logging.Level
	if a.debug {
		level = logger.DEBUG.String()
	}
	if err := logger.Configure(logger.Options{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

type runtimeOptions struct {
	requireBackend bool
	bus            *bus.MessageBus
	registry       prometheus.Registerer
}

// appRuntime is the wired memory stack of one command.
type appRuntime struct {
	cfg     *config.Config
	manager *memory.Manager
}

func (a *cliApp) openRuntime(ctx context.Context, opts runtimeOptions) (*appRuntime, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}

	counter, err := tokens.New(cfg.Provider.Tokenizer, cfg.Provider.Model)
	if err != nil {
		if counter == nil {
			return nil, err
		}
		logger.WarnCF("cli", "Falling back to heuristic token counting", map[string]interface{}{"error": err.Error()})
	}

	scripts, err := prompt.LoadScripts(cfg.ScriptsPath())
	if err != nil {
		return nil, err
	}

	var instruct *prompt.InstructFormat
	if name := strings.TrimSpace(cfg.Provider.Instruct); name != "" {
		f, err := prompt.LookupInstruct(name)
		if err != nil {
			return nil, err
		}
		instruct = &f
	}

	backend, err := providers.CreateBackend(cfg)
	if err != nil {
		if opts.requireBackend {
			return nil, fmt.Errorf("create backend: %w", err)
		}
		logger.DebugCF("cli", "Summarization backend unavailable", map[string]interface{}{"error": err.Error()})
		backend = nil
	}

	var metrics *memory.Metrics
	if opts.registry != nil {
		metrics = memory.NewMetrics(opts.registry)
	}

	slotsDir := cfg.SlotsPath()
	mb := opts.bus
	manager, err := memory.NewManager(ctx, memory.Config{
		Workspace:   cfg.WorkspacePath(),
		Settings:    cfg.Memory,
		Backend:     backend,
		Counter:     counter,
		Scripts:     scripts,
		Instruct:    instruct,
		Metrics:     metrics,
		EventBuffer: cfg.Service.EventBuffer,
		Parallelism: cfg.Service.Parallelism,
		Sink: func(id string) injection.Sink {
			var sinks []injection.Sink
			if slotsDir != "" {
				sinks = append(sinks, injection.NewFileSink(slotsDir, id))
			}
			if mb != nil {
				sinks = append(sinks, injection.NewBusSink(mb, id))
			}
			return injection.Tee(sinks...)
		},
	})
	if err != nil {
		return nil, err
	}
	return &appRuntime{cfg: cfg, manager: manager}, nil
}

func (r *appRuntime) conversation(ctx context.Context, id string) (*memory.Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("--conversation is required")
	}
	return r.manager.Conversation(ctx, id)
}

func (r *appRuntime) Close() {
	if err := r.manager.Close(); err != nil {
		logger.WarnCF("cli", "Close failed", map[string]interface{}{"error": err.Error()})
	}
}

func copyEmbeddedToTarget(targetDir string) error {
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	return fs.WalkDir(embeddedFiles, "workspace", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		data, err := embeddedFiles.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read embedded file %s: %w", path, err)
		}
		rel, err := filepath.Rel("workspace", path)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", path, err)
		}

		targetPath := filepath.Join(targetDir, rel)
		if _, err := os.Stat(targetPath); err == nil {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", filepath.Dir(targetPath), err)
		}
		return os.WriteFile(targetPath, data, 0644)
	})
}
