package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/tiermem/pkg/bus"
	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/dotsetgreg/tiermem/pkg/config"
	"github.com/dotsetgreg/tiermem/pkg/memory"
	"github.com/dotsetgreg/tiermem/pkg/providers"
)

func executeCLI() error {
	root := buildRootCommand(true)
	return root.Execute()
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool
	app := &cliApp{}

	root := &cobra.Command{
		Use:   "tiermem",
		Short: "Tiered summary memory for long-running chats",
		Long: strings.TrimSpace(`tiermem keeps per-message summaries of a conversation and sorts them into
short-term and long-term memory tiers that fit a token budget.

Use CLI commands to import chats, drive a conversation interactively,
summarize and inspect messages, and run the event-driven memory service.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd)
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVar(&app.configPath, "config", defaultConfigPath(), "Config file path (env TIERMEM_CONFIG)")
	root.PersistentFlags().BoolVarP(&app.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newOnboardCommand(app))
	root.AddCommand(newChatCommand(app))
	root.AddCommand(newImportCommand(app))
	root.AddCommand(newExportCommand(app))
	root.AddCommand(newListCommand(app))
	root.AddCommand(newSummarizeCommand(app))
	root.AddCommand(newStopCommand(app))
	root.AddCommand(newClassifyCommand(app))
	root.AddCommand(newPreviewCommand(app))
	root.AddCommand(newFlagCommand(app, "remember", "Toggle remember (always long-term) on messages"))
	root.AddCommand(newFlagCommand(app, "exclude", "Toggle exclude (never injected) on messages"))
	root.AddCommand(newGetCommand(app))
	root.AddCommand(newSetCommand(app))
	root.AddCommand(newEnableCommand(app))
	root.AddCommand(newServeCommand(app))
	root.AddCommand(newStatusCommand(app))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(out, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(out, "  Go: %s\n", goVer)
	}
}

// withConversation opens the runtime and the conversation named by the
// --conversation flag, runs fn, then closes everything.
func withConversation(cmd *cobra.Command, app *cliApp, id string, fn func(ctx context.Context, conv *memory.Conversation) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	rt, err := app.openRuntime(ctx, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()
	conv, err := rt.conversation(ctx, id)
	if err != nil {
		return err
	}
	return fn(ctx, conv)
}

func addConversationFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "conversation", "c", "", "Conversation ID")
}

func newOnboardCommand(app *cliApp) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.tiermem config and workspace",
		Long:    "Create the default configuration, the workspace directory and an example regex script file.",
		Example: "  tiermem onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if _, err := os.Stat(app.configPath); err == nil && !force {
				fmt.Fprintf(out, "Config already exists at %s\n", app.configPath)
				fmt.Fprint(out, "Overwrite? (y/n): ")
				reader := bufio.NewReader(cmd.InOrStdin())
				response, readErr := reader.ReadString('\n')
				if readErr != nil {
					fmt.Fprintln(out, "Aborted.")
					return nil
				}
				response = strings.ToLower(strings.TrimSpace(response))
				if response != "y" && response != "yes" {
					fmt.Fprintln(out, "Aborted.")
					return nil
				}
			}

			cfg := config.DefaultConfig()
			if err := config.SaveConfig(app.configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			if err := copyEmbeddedToTarget(cfg.WorkspacePath()); err != nil {
				return fmt.Errorf("create workspace: %w", err)
			}

			fmt.Fprintf(out, "%s is ready!\n", appName)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  1. Set provider.api_key in", app.configPath)
			fmt.Fprintln(out, "     or point provider.api_base at a local OpenAI-compatible server")
			fmt.Fprintln(out, "  2. Import a chat: tiermem import chat.jsonl -c my-chat")
			fmt.Fprintln(out, "  3. Talk to it: tiermem chat -c my-chat")
			fmt.Fprintln(out, "  4. Check readiness: tiermem status")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config without asking")
	return cmd
}

func newChatCommand(app *cliApp) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Drive a conversation interactively",
		Long:  "Append messages and run memory commands against one conversation. Type /help inside the session.",
		Example: strings.Join([]string{
			"  tiermem chat -c my-chat",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if conversation == "" {
				conversation = chat.NewConversationID()
			}
			return withConversation(cmd, app, conversation, func(ctx context.Context, conv *memory.Conversation) error {
				fmt.Fprintf(cmd.OutOrStdout(), "%s conversation %s (/help for commands, Ctrl+D to exit)\n\n", appName, conv.ID())
				return interactiveMode(ctx, &session{conv: conv, out: cmd.OutOrStdout()})
			})
		},
	}
	addConversationFlag(cmd, &conversation)
	return cmd
}

func newImportCommand(app *cliApp) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:     "import <file.jsonl>",
		Short:   "Import a JSONL chat export into a conversation",
		Args:    cobra.ExactArgs(1),
		Example: "  tiermem import ~/chats/seraphina.jsonl -c seraphina",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if conversation == "" {
				conversation = chat.NewConversationID()
			}
			return withConversation(cmd, app, conversation, func(ctx context.Context, conv *memory.Conversation) error {
				n, err := chat.ImportJSONL(ctx, f, conv.Store())
				if err != nil {
					return err
				}
				if _, err := conv.Refresh(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d messages into %s\n", n, conv.ID())
				return nil
			})
		},
	}
	addConversationFlag(cmd, &conversation)
	return cmd
}

func newExportCommand(app *cliApp) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:     "export [file.jsonl]",
		Short:   "Export a conversation with its memory records as JSONL",
		Args:    cobra.MaximumNArgs(1),
		Example: "  tiermem export -c seraphina seraphina.jsonl",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversation(cmd, app, conversation, func(ctx context.Context, conv *memory.Conversation) error {
				if len(args) == 0 || args[0] == "-" {
					return chat.ExportJSONL(ctx, cmd.OutOrStdout(), conv.Store())
				}
				var buf bytes.Buffer
				if err := chat.ExportJSONL(ctx, &buf, conv.Store()); err != nil {
					return err
				}
				return os.WriteFile(args[0], buf.Bytes(), 0o644)
			})
		},
	}
	addConversationFlag(cmd, &conversation)
	return cmd
}

func newListCommand(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored conversations",
		Example: "  tiermem list",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.openRuntime(cmd.Context(), runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			metas, err := rt.manager.DB().ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(metas) == 0 {
				fmt.Fprintln(out, "No conversations.")
				return nil
			}
			for _, m := range metas {
				state := "enabled"
				if m.Enabled != nil && !*m.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", m.ID, state, m.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newSummarizeCommand(app *cliApp) *cobra.Command {
	var (
		conversation string
		force        bool
		auto         bool
	)
	cmd := &cobra.Command{
		Use:   "summarize [index...]",
		Short: "Summarize messages of a conversation",
		Long: strings.TrimSpace(`Summarize the given message indices (default: the last message).
Negative indices count from the end and a..b selects an inclusive range.
Messages whose text has not changed since their last summary are skipped
unless --force is given. --auto runs the auto-summarize policy instead.`),
		Example: strings.Join([]string{
			"  tiermem summarize -c seraphina 0..20",
			"  tiermem summarize -c seraphina --force -- -1",
			"  tiermem summarize -c seraphina --auto",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversation(cmd, app, conversation, func(ctx context.Context, conv *memory.Conversation) error {
				s := &session{conv: conv, out: cmd.OutOrStdout()}
				if auto {
					res, err := conv.AutoSummarize(ctx)
					return s.report(res, err)
				}
				indices, err := s.indices(ctx, args)
				if err != nil {
					return err
				}
				res, err := conv.Summarize(ctx, indices, memory.RunOptions{ShowProgress: true, SkipInitialDelay: true, Force: force})
				return s.report(res, err)
			})
		},
	}
	addConversationFlag(cmd, &conversation)
	cmd.Flags().BoolVar(&force, "force", false, "Re-summarize messages that are already up to date")
	cmd.Flags().BoolVar(&auto, "auto", false, "Run the auto-summarize policy")
	return cmd
}

func newStopCommand(app *cliApp) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:     "stop",
		Short:   "Stop the running summarization of a conversation in the service",
		Example: "  tiermem stop -c seraphina",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(conversation) == "" {
				return fmt.Errorf("--conversation is required")
			}
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			body, err := json.Marshal(bus.ChatEvent{ConversationID: conversation, Kind: bus.EventStop})
			if err != nil {
				return err
			}
			url := "http://" + cfg.Service.ListenAddr + "/events"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("reach service at %s: %w", cfg.Service.ListenAddr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("service rejected stop: %s", resp.Status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for %s\n", conversation)
			return nil
		},
	}
	addConversationFlag(cmd, &conversation)
	return cmd
}

func newClassifyCommand(app *cliApp) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:     "classify",
		Short:   "Recompute memory tiers and list every message with its tier",
		Example: "  tiermem classify -c seraphina",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversation(cmd, app, conversation, func(ctx context.Context, conv *memory.Conversation) error {
				return printHistory(ctx, cmd.OutOrStdout(), conv)
			})
		},
	}
	addConversationFlag(cmd, &conversation)
	return cmd
}

func newPreviewCommand(app *cliApp) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:     "preview",
		Short:   "Print the long-term and short-term injection text",
		Example: "  tiermem preview -c seraphina",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversation(cmd, app, conversation, func(ctx context.Context, conv *memory.Conversation) error {
				return printPreview(ctx, cmd.OutOrStdout(), conv)
			})
		},
	}
	addConversationFlag(cmd, &conversation)
	return cmd
}

// newFlagCommand builds the remember and exclude commands.
func newFlagCommand(app *cliApp, name, short string) *cobra.Command {
	var (
		conversation string
		on, off      bool
	)
	cmd := &cobra.Command{
		Use:     name + " <index...>",
		Short:   short,
		Long:    short + ". Without --on or --off the flag is set unless every message already has it.",
		Args:    cobra.MinimumNArgs(1),
		Example: fmt.Sprintf("  tiermem %s -c seraphina 3 7..9", name),
		RunE: func(cmd *cobra.Command, args []string) error {
			if on && off {
				return fmt.Errorf("--on and --off are mutually exclusive")
			}
			var value *bool
			if on || off {
				value = &on
			}
			return withConversation(cmd, app, conversation, func(ctx context.Context, conv *memory.Conversation) error {
				s := &session{conv: conv, out: cmd.OutOrStdout()}
				indices, err := s.indices(ctx, args)
				if err != nil {
					return err
				}
				if name == "remember" {
					err = conv.Remember(ctx, indices, value)
				} else {
					err = conv.Exclude(ctx, indices, value)
				}
				if err != nil {
					return err
				}
				_, err = conv.Refresh(ctx)
				return err
			})
		},
	}
	addConversationFlag(cmd, &conversation)
	cmd.Flags().BoolVar(&on, "on", false, "Set the flag")
	cmd.Flags().BoolVar(&off, "off", false, "Clear the flag")
	return cmd
}

func newGetCommand(app *cliApp) *cobra.Command {
	var (
		conversation string
		separator    string
	)
	cmd := &cobra.Command{
		Use:   "get [start] [end]",
		Short: "Print the summaries of a message range",
		Long:  "Print summaries of messages start..end inclusive. Negative bounds count from the end; the default is the whole conversation.",
		Args:  cobra.MaximumNArgs(2),
		Example: strings.Join([]string{
			"  tiermem get -c seraphina",
			"  tiermem get -c seraphina -- -10 -1",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := parseRange(args)
			if err != nil {
				return err
			}
			return withConversation(cmd, app, conversation, func(ctx context.Context, conv *memory.Conversation) error {
				text, err := conv.Memories(ctx, start, end, separator)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
	addConversationFlag(cmd, &conversation)
	cmd.Flags().StringVar(&separator, "separator", "\n", "Text placed between summaries")
	return cmd
}

func newSetCommand(app *cliApp) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "set <index> [summary]",
		Short: "Set the summary of a message by hand (empty deletes it)",
		Args:  cobra.RangeArgs(1, 2),
		Example: strings.Join([]string{
			"  tiermem set -c seraphina 4 \"The traveler wakes in the glade.\"",
			"  tiermem set -c seraphina 4",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversation(cmd, app, conversation, func(ctx context.Context, conv *memory.Conversation) error {
				s := &session{conv: conv, out: cmd.OutOrStdout()}
				indices, err := s.indices(ctx, args[:1])
				if err != nil {
					return err
				}
				text := ""
				if len(args) > 1 {
					text = args[1]
				}
				if err := conv.EditSummary(ctx, indices[0], text); err != nil {
					return err
				}
				_, err = conv.Refresh(ctx)
				return err
			})
		},
	}
	addConversationFlag(cmd, &conversation)
	return cmd
}

func newEnableCommand(app *cliApp) *cobra.Command {
	var (
		conversation string
		off          bool
		character    string
	)
	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Enable or disable memory for a conversation or one of its characters",
		Example: strings.Join([]string{
			"  tiermem enable -c seraphina --off",
			"  tiermem enable -c group-chat --character narrator.png --off",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversation(cmd, app, conversation, func(ctx context.Context, conv *memory.Conversation) error {
				var err error
				if character != "" {
					err = conv.SetCharacterEnabled(ctx, character, !off)
				} else {
					err = conv.SetEnabled(ctx, !off)
				}
				if err != nil {
					return err
				}
				_, err = conv.Refresh(ctx)
				return err
			})
		},
	}
	addConversationFlag(cmd, &conversation)
	cmd.Flags().BoolVar(&off, "off", false, "Disable instead of enable")
	cmd.Flags().StringVar(&character, "character", "", "Character key to toggle instead of the whole conversation")
	return cmd
}

func newServeCommand(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the event-driven memory service",
		Long: strings.TrimSpace(`Accept chat events over HTTP (POST /events), summarize conversations as
events arrive, sweep every conversation on the configured cron schedule,
write injection slots to the slots directory and expose Prometheus
metrics on /metrics.`),
		Example: "  tiermem serve --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), app, cmd.OutOrStdout())
		},
	}
}

func newStatusCommand(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, provider, and storage readiness",
		Example: "  tiermem status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			mark := func(ok bool) string {
				if ok {
					return "✓"
				}
				return "✗"
			}

			fmt.Fprintf(out, "%s Status\n", appName)
			fmt.Fprintf(out, "Version: %s\n\n", formatVersion())

			_, statErr := os.Stat(app.configPath)
			fmt.Fprintln(out, "Config:", app.configPath, mark(statErr == nil))
			workspace := cfg.WorkspacePath()
			_, statErr = os.Stat(workspace)
			fmt.Fprintln(out, "Workspace:", workspace, mark(statErr == nil))
			dbPath := filepath.Join(workspace, "state", "tiermem.db")
			if _, err := os.Stat(dbPath); err == nil {
				fmt.Fprintln(out, "Memory DB:", dbPath, "✓")
			} else {
				fmt.Fprintln(out, "Memory DB:", dbPath, "not initialized")
			}

			name, configured, mode, err := providers.ProviderCredentialStatus(cfg)
			if err != nil {
				fmt.Fprintln(out, "Provider:", err)
				return nil
			}
			fmt.Fprintf(out, "Provider: %s (%s, model %s)\n", name, cfg.Provider.Kind, valueOr(cfg.Provider.Model, "default"))
			fmt.Fprintf(out, "Credentials: %s %s\n", mark(configured), mode)
			validateErr := providers.ValidateProviderConfig(cfg)
			fmt.Fprintln(out, "Summarizer ready:", mark(validateErr == nil))
			if validateErr != nil {
				fmt.Fprintln(out, "  ", validateErr)
			}
			fmt.Fprintf(out, "Capacity: %s (short %d tokens, long %d tokens)\n",
				cfg.Memory.Capacity.Mode, cfg.Memory.ShortBudgetTokens(), cfg.Memory.LongBudgetTokens())
			fmt.Fprintln(out, "Sweep schedule:", valueOr(cfg.Service.SweepCron, "off"))
			fmt.Fprintln(out, "Service address:", cfg.Service.ListenAddr)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  tiermem version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd)
			return nil
		},
	}
}
