// Package main provides the CLI entry point for metagen-core, the
// core agent-execution runtime for the personal-assistant platform.
//
// # Basic Usage
//
// Run an interactive chat session against the Meta-agent:
//
//	metagenctl chat --config metagen.yaml
//
// List registered tasks:
//
//	metagenctl tasks list --config metagen.yaml
//
// # Environment Variables
//
//   - METAGEN_CONFIG: path to the configuration file (default: metagen.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/metagen-run/metagen-core/internal/config"
	"github.com/metagen-run/metagen-core/internal/llmclient/anthropic"
	"github.com/metagen-run/metagen-core/internal/memory"
	"github.com/metagen-run/metagen-core/internal/router"
	"github.com/metagen-run/metagen-core/internal/stream"
	"github.com/metagen-run/metagen-core/internal/tooling"
	"github.com/metagen-run/metagen-core/internal/toolloop"
	"github.com/metagen-run/metagen-core/internal/toolserver"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "metagenctl",
		Short:        "metagenctl - the metagen-core agent-execution runtime",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildChatCmd(),
		buildTasksCmd(),
		buildToolServersCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("METAGEN_CONFIG")); env != "" {
		return env
	}
	return "metagen.yaml"
}

// runtime bundles the components a Router needs, brought up together
// so every command shares the same bootstrap order spec §4.7
// describes: Memory Store (with recovery) -> Tool Registry ->
// subprocess tool servers -> LLM Client -> Router/Meta-agent.
type runtime struct {
	cfg    *config.Config
	supv   *toolserver.Supervisor
	router *router.Router
}

func bootstrap(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, err := memory.Open(memory.Config{Path: cfg.Memory.Path}, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	supv := toolserver.NewSupervisor(slog.Default())
	tools := tooling.New(supv)

	for _, ts := range cfg.ToolServers {
		env := ts.Env
		if env == nil {
			env = map[string]string{}
		}
		env["METAGEN_DB_PATH"] = cfg.Memory.Path
		if err := supv.Start(ctx, toolserver.Config{
			ID:      ts.ID,
			Command: ts.Command,
			Args:    ts.Args,
			Env:     env,
			WorkDir: ts.WorkDir,
			Timeout: ts.Timeout,
		}); err != nil {
			store.Close()
			return nil, fmt.Errorf("start tool server %s: %w", ts.ID, err)
		}
	}

	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	llm, err := anthropic.New(anthropic.Config{
		APIKey:       apiKey,
		BaseURL:      cfg.LLM.BaseURL,
		DefaultModel: cfg.LLM.DefaultModel,
	})
	if err != nil {
		supv.StopAll()
		store.Close()
		return nil, fmt.Errorf("construct llm client: %w", err)
	}

	loopCfg := toolloop.Config{
		MaxIterations:    cfg.Loop.MaxIterations,
		MaxToolsPerTurn:  cfg.Loop.MaxToolsPerTurn,
		MaxRepeatedCalls: cfg.Loop.MaxRepeatedCalls,
		MaxTokenBudget:   cfg.Loop.MaxTokenBudget,
		ExcludedTools:    config.ExcludedToolSet(cfg.Loop.DisabledTools),
	}

	rt := router.New(store, tools, llm, router.Config{
		Model:        cfg.LLM.DefaultModel,
		SystemPrompt: cfg.Router.SystemPrompt,
		Loop:         loopCfg,
	})

	return &runtime{cfg: cfg, supv: supv, router: rt}, nil
}

func (r *runtime) Close() {
	r.supv.StopAll()
	r.router.Close()
}

func buildChatCmd() *cobra.Command {
	var configPath, sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session with the Meta-agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := bootstrap(ctx, configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if sessionID == "" {
				sessionID = "cli-session"
			}

			out := cmd.OutOrStdout()
			scanner := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprintln(out, "metagenctl chat — type a message, Ctrl-D to exit")
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					return nil
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				for msg := range rt.router.ChatStream(ctx, sessionID, line) {
					printMessage(out, msg)
				}
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to scope conversation turns under")
	return cmd
}

func printMessage(out io.Writer, msg stream.Message) {
	switch msg.Kind {
	case stream.KindAgent:
		fmt.Fprintf(out, "%s\n", msg.Content)
	case stream.KindThinking:
		fmt.Fprintf(out, "[thinking] %s\n", msg.Content)
	case stream.KindToolCall:
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(out, "[tool call] %s\n", tc.ToolName)
		}
	case stream.KindToolResult:
		fmt.Fprintf(out, "[tool result: %s] %s\n", msg.ToolName, msg.Result)
	case stream.KindToolError:
		fmt.Fprintf(out, "[tool error: %s] %s (%s)\n", msg.ToolName, msg.Error, msg.ErrorType)
	case stream.KindError:
		fmt.Fprintf(out, "[error] %s\n", msg.Error)
	}
}

func buildTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect task definitions stored in the Memory Store",
	}
	cmd.AddCommand(buildTasksListCmd())
	return cmd
}

func buildTasksListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored task configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			store, err := memory.Open(memory.Config{Path: cfg.Memory.Path}, slog.Default())
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.ListTaskConfigs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks configured.")
				return nil
			}
			for _, t := range tasks {
				fmt.Fprintf(out, "%s\t%s\t%s\n", t.ID, t.Name, t.Definition.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate metagen-core configuration files",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for the configuration file format",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a configuration file, applying the same defaulting, version, and validation checks the runtime uses, without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config OK: version %d, %d tool server(s) configured\n", cfg.Version, len(cfg.ToolServers))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	return cmd
}

func buildToolServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolservers",
		Short: "Manage subprocess tool servers",
	}
	cmd.AddCommand(buildToolServersStatusCmd())
	return cmd
}

func buildToolServersStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the lifecycle state of configured tool servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := bootstrap(ctx, configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			for _, ts := range rt.cfg.ToolServers {
				state, ok := rt.supv.State(ts.ID)
				if !ok {
					state = "unknown"
				}
				fmt.Fprintf(out, "%s\t%s\n", ts.ID, state)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	return cmd
}
