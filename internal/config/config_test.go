package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
memory:
  path: test.db
extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
memory:
  path: test.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Fatalf("expected default llm.provider anthropic, got %q", cfg.LLM.Provider)
	}
	if cfg.Loop.MaxIterations != 50 {
		t.Fatalf("expected default loop.max_iterations 50, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.MaxTokenBudget != 1_000_000 {
		t.Fatalf("expected default loop.max_token_budget 1000000, got %d", cfg.Loop.MaxTokenBudget)
	}
	if cfg.Router.SystemPrompt == "" {
		t.Fatalf("expected a default router.system_prompt")
	}
}

func TestLoadValidatesToolServers(t *testing.T) {
	path := writeConfig(t, `
memory:
  path: test.db
toolservers:
  - id: ""
    command: ""
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "toolservers[0].id") {
		t.Fatalf("expected toolservers[0].id error, got %v", err)
	}
}

func TestLoadValidatesLogFormat(t *testing.T) {
	path := writeConfig(t, `
memory:
  path: test.db
log:
  format: xml
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "log.format") {
		t.Fatalf("expected log.format error, got %v", err)
	}
}

func TestLoadRejectsNewerConfigVersion(t *testing.T) {
	path := writeConfig(t, `
version: 99
memory:
  path: test.db
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected an error for a config version newer than this build understands")
	}
	if !strings.Contains(err.Error(), "version") {
		t.Fatalf("expected error to mention version, got %v", err)
	}
}

func TestLoadAcceptsOlderNonzeroConfigVersion(t *testing.T) {
	path := writeConfig(t, `
version: 1
memory:
  path: test.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v, expected an older version to be accepted without a migration", err)
	}
	if cfg.Version != 1 {
		t.Fatalf("expected Version 1, got %d", cfg.Version)
	}
}

func TestExcludedToolSet(t *testing.T) {
	if set := ExcludedToolSet(nil); set != nil {
		t.Fatalf("expected nil set for empty input, got %v", set)
	}
	set := ExcludedToolSet([]string{"a", "b"})
	if !set["a"] || !set["b"] {
		t.Fatalf("expected set to contain a and b, got %v", set)
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "metagen.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
