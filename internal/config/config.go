// Package config loads the YAML-driven configuration for metagen-core:
// env var expansion and $include resolution (loader.go), strict
// decoding into the Config struct (decoder.KnownFields(true)), then
// applyDefaults and validateConfig.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version pins the config file to a schema generation; see
	// checkConfigVersion in version.go. Zero means "unset", accepted
	// for files written before this field existed.
	Version     int                `yaml:"version"`
	Memory      MemoryConfig       `yaml:"memory"`
	ToolServers []ToolServerConfig `yaml:"toolservers"`
	LLM         LLMConfig          `yaml:"llm"`
	Loop        LoopConfig         `yaml:"loop"`
	Router      RouterConfig       `yaml:"router"`
	Log         LogConfig          `yaml:"log"`
}

// MemoryConfig configures the sqlite-backed Memory Store.
type MemoryConfig struct {
	// Path is the sqlite database file path. ":memory:" opens an
	// in-process, non-persisted database (used by tests).
	Path string `yaml:"path"`
}

// ToolServerConfig configures one subprocess tool server, mirroring
// internal/mcp.ServerConfig's stdio transport fields.
type ToolServerConfig struct {
	ID      string            `yaml:"id"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"workdir"`
	Timeout time.Duration     `yaml:"timeout"`
}

// LLMConfig selects and configures the LLM Client provider. There is
// no retry knob here: the client performs no retries of its own,
// leaving that decision to the Agentic Tool Loop.
type LLMConfig struct {
	Provider     string `yaml:"provider"`
	APIKeyEnv    string `yaml:"api_key_env"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// LoopConfig carries the configuration knobs for the Agentic Tool Loop
// and the Subprocess Tool-Server Supervisor.
type LoopConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	MaxToolsPerTurn  int           `yaml:"max_tools_per_turn"`
	MaxRepeatedCalls int           `yaml:"max_repeated_calls"`
	MaxTokenBudget   int64         `yaml:"max_token_budget"`
	HealthIntervalS  int           `yaml:"health_interval_s"`
	MaxRestarts      int           `yaml:"max_restarts"`
	DisabledTools    []string      `yaml:"disabled_tools"`
}

// RouterConfig configures the Agent Manager/Router's Meta-agent.
type RouterConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML (or JSON5) config file at path, resolving
// "$include" directives and expanding environment variables
// (loader.go's LoadRaw), checks its declared version, then decodes,
// defaults, and validates it.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	version := 0
	switch v := raw["version"].(type) {
	case int:
		version = v
	case float64:
		version = int(v)
	}
	if err := checkConfigVersion(version); err != nil {
		return nil, err
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Memory.Path == "" {
		cfg.Memory.Path = "metagen.db"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.APIKeyEnv == "" {
		cfg.LLM.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "claude-sonnet-4-20250514"
	}

	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = 50
	}
	if cfg.Loop.MaxToolsPerTurn == 0 {
		cfg.Loop.MaxToolsPerTurn = 100
	}
	if cfg.Loop.MaxRepeatedCalls == 0 {
		cfg.Loop.MaxRepeatedCalls = 5
	}
	if cfg.Loop.MaxTokenBudget == 0 {
		cfg.Loop.MaxTokenBudget = 1_000_000
	}
	if cfg.Loop.HealthIntervalS == 0 {
		cfg.Loop.HealthIntervalS = 30
	}
	if cfg.Loop.MaxRestarts == 0 {
		cfg.Loop.MaxRestarts = 5
	}

	if cfg.Router.SystemPrompt == "" {
		cfg.Router.SystemPrompt = defaultMetaSystemPrompt
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// ConfigValidationError aggregates every validation failure found
// during validateConfig, so a misconfigured file is reported in full
// rather than one field at a time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if strings.TrimSpace(cfg.Memory.Path) == "" {
		issues = append(issues, "memory.path must not be empty")
	}
	for i, ts := range cfg.ToolServers {
		if strings.TrimSpace(ts.ID) == "" {
			issues = append(issues, fmt.Sprintf("toolservers[%d].id is required", i))
		}
		if strings.TrimSpace(ts.Command) == "" {
			issues = append(issues, fmt.Sprintf("toolservers[%d].command is required", i))
		}
	}
	if cfg.Loop.MaxIterations <= 0 {
		issues = append(issues, "loop.max_iterations must be > 0")
	}
	if cfg.Loop.MaxTokenBudget <= 0 {
		issues = append(issues, "loop.max_token_budget must be > 0")
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		issues = append(issues, "log.format must be \"json\" or \"text\"")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

const defaultMetaSystemPrompt = `You are METAGEN, the meta-agent at the center of this assistant platform.
You see every user message. You can create reusable tasks, list them, and
execute them by delegating to an ephemeral task agent. Use the tools
available to you; when a task is the right fit for a request, prefer
creating or running one over improvising from scratch.`

// ExcludedToolSet converts a DisabledTools list into the map shape
// internal/toolloop.Config and internal/tooling.Registry expect.
func ExcludedToolSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
