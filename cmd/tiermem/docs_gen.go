package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/tiermem/pkg/config"
	"github.com/dotsetgreg/tiermem/pkg/prompt"
	"github.com/dotsetgreg/tiermem/pkg/providers"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)

	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate reference docs from command, config, provider and prompt sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	files, err := renderReferences(rootFactory)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(files))
	for rel := range files {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		target := filepath.Join(outputDir, rel)
		if checkOnly {
			have, err := os.ReadFile(target)
			if err != nil {
				return fmt.Errorf("docs out of date: missing %s", rel)
			}
			if !bytes.Equal(have, files[rel]) {
				return fmt.Errorf("docs out of date: %s differs; run `tiermem docs generate`", rel)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, files[rel], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// renderReferences returns every generated reference page keyed by its path
// under the docs root.
func renderReferences(rootFactory func() *cobra.Command) (map[string][]byte, error) {
	root := rootFactory()
	root.DisableAutoGenTag = true
	files := map[string][]byte{}

	var walk func(cmd *cobra.Command) error
	walk = func(cmd *cobra.Command) error {
		if !cmd.IsAvailableCommand() && cmd != root {
			return nil
		}
		cmd.DisableAutoGenTag = true
		base := strings.ReplaceAll(cmd.CommandPath(), " ", "_")

		var md bytes.Buffer
		fmt.Fprintf(&md, "# %s\n\n", strings.ReplaceAll(base, "_", " "))
		if err := cobraDoc.GenMarkdownCustom(cmd, &md, func(name string) string { return name }); err != nil {
			return fmt.Errorf("generate cli markdown for %s: %w", base, err)
		}
		files[filepath.Join("reference", "cli", base+".md")] = md.Bytes()

		var man bytes.Buffer
		header := &cobraDoc.GenManHeader{Title: "TIERMEM", Section: "1", Source: "tiermem"}
		if err := cobraDoc.GenMan(cmd, header, &man); err != nil {
			return fmt.Errorf("generate man page for %s: %w", base, err)
		}
		files[filepath.Join("reference", "man", strings.ReplaceAll(cmd.CommandPath(), " ", "-")+".1")] = man.Bytes()

		for _, child := range cmd.Commands() {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}

	refs := map[string]func() (string, error){
		"config.md":    buildConfigReferenceMarkdown,
		"providers.md": buildProvidersReferenceMarkdown,
		"prompts.md":   buildPromptReferenceMarkdown,
	}
	for name, build := range refs {
		text, err := build()
		if err != nil {
			return nil, err
		}
		files[filepath.Join("reference", name)] = []byte(text)
	}
	return files, nil
}

type configFieldRow struct {
	Path    string
	Type    string
	Env     string
	Default string
}

func buildConfigReferenceMarkdown() (string, error) {
	rows := configRows(reflect.ValueOf(*config.DefaultConfig()), "")
	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`.\n\n")
	writeFieldTable(&b, rows)
	return b.String(), nil
}

// configRows walks a config value and lists its leaf fields by JSON path,
// sorted, with the value found in v as the default.
func configRows(v reflect.Value, prefix string) []configFieldRow {
	var rows []configFieldRow
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			rows = append(rows, configRows(v.Field(i), name)...)
			continue
		}
		def, _ := json.Marshal(v.Field(i).Interface())
		rows = append(rows, configFieldRow{
			Path:    name,
			Type:    f.Type.String(),
			Env:     f.Tag.Get("env"),
			Default: string(def),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
	return rows
}

type providerReferenceSpec struct {
	Name        string
	Summary     string
	AuthModel   string
	DefaultBase string
	Model       string
}

func buildProvidersReferenceMarkdown() (string, error) {
	specs := map[string]providerReferenceSpec{
		providers.ProviderOpenRouter: {
			Summary:     "OpenRouter chat and text completions.",
			AuthModel:   "Requires exactly one of `provider.api_key` or `provider.api_key_file`.",
			DefaultBase: "https://openrouter.ai/api/v1",
			Model:       "openai/gpt-4o-mini",
		},
		providers.ProviderOpenAI: {
			Summary:     "OpenAI Platform chat and legacy completions.",
			AuthModel:   "Requires exactly one of `provider.api_key` or `provider.api_key_file`; `provider.organization` is optional.",
			DefaultBase: "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
		},
		providers.ProviderOpenAICompatible: {
			Summary:   "Any server speaking the OpenAI wire format, such as a local llama.cpp, vLLM or Ollama endpoint.",
			AuthModel: "Credentials are optional; `provider.api_base` and `provider.model` are required.",
		},
	}

	var b strings.Builder
	b.WriteString("# Provider Reference\n\n")
	b.WriteString("Generated from the provider registry and `config.ProviderConfig`.\n\n")
	b.WriteString("Select a provider with `provider.name` and a request shape with `provider.kind` (`chat` or `text`).\n\n")
	for _, name := range providers.SupportedProviders() {
		spec := specs[name]
		b.WriteString("## `" + name + "`\n\n")
		if spec.Summary != "" {
			b.WriteString(spec.Summary + "\n\n")
		}
		if spec.AuthModel != "" {
			b.WriteString("- Auth: " + spec.AuthModel + "\n")
		}
		if spec.DefaultBase != "" {
			b.WriteString("- Default API base: `" + spec.DefaultBase + "`\n")
		}
		if spec.Model != "" {
			b.WriteString("- Default model: `" + spec.Model + "`\n")
		}
		b.WriteString("\n")
	}

	rows := configRows(reflect.ValueOf(config.DefaultConfig().Provider), "provider")
	b.WriteString("## Settings\n\n")
	writeFieldTable(&b, rows)
	return b.String(), nil
}

func buildPromptReferenceMarkdown() (string, error) {
	var b strings.Builder
	b.WriteString("# Prompt Reference\n\n")
	b.WriteString("Generated from the prompt composer defaults.\n\n")

	b.WriteString("## Instruct Presets\n\n")
	b.WriteString("Used by `provider.instruct` for text completion backends and for `instruct_template` macros.\n\n")
	for _, name := range prompt.InstructPresets() {
		b.WriteString("- `" + name + "`\n")
	}

	macros := prompt.DefaultMacros()
	b.WriteString("\n## Built-In Macros\n\n")
	b.WriteString("| Macro | Type | Enabled | Range |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, name := range prompt.MacroNames(macros) {
		m := macros[name]
		span := "-"
		if m.Type == prompt.MacroRange {
			span = fmt.Sprintf("%d..%d", m.Start, m.End)
		}
		b.WriteString(fmt.Sprintf("| `{{%s}}` | `%s` | `%t` | `%s` |\n", escapePipes(name), m.Type, m.Enabled, span))
	}

	b.WriteString("\n## Default Template\n\n")
	b.WriteString("```text\n" + strings.TrimRight(prompt.DefaultTemplate, "\n") + "\n```\n")
	return b.String(), nil
}

func writeFieldTable(b *strings.Builder, rows []configFieldRow) {
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, row := range rows {
		b.WriteString("| `" + escapePipes(row.Path) + "` | `" + escapePipes(row.Type) + "` | `" + escapePipes(valueOr(row.Env, "-")) + "` | `" + escapePipes(valueOr(row.Default, "-")) + "` |\n")
	}
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
