package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	writeFile(t, path, `
agent:
  model: claude-sonnet-4-20250514
  provider: anthropic
  max_iterations: 10
providers:
  anthropic:
    api_key: sk-ant-test
breaker:
  max_consecutive_failures: 7
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Breaker.MaxConsecutiveFailures != 7 {
		t.Errorf("MaxConsecutiveFailures = %d, want 7", cfg.Breaker.MaxConsecutiveFailures)
	}
	// Unset fields pick up defaults.
	if cfg.Agent.MaxOutputTokens != 4096 {
		t.Errorf("MaxOutputTokens = %d, want default 4096", cfg.Agent.MaxOutputTokens)
	}
	if cfg.Detector.ReadOnlyHardLimit != 15 {
		t.Errorf("ReadOnlyHardLimit = %d, want default 15", cfg.Detector.ReadOnlyHardLimit)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.json5")
	writeFile(t, path, `{
  // comments are allowed
  agent: {provider: "openai", model: "gpt-4o"},
  providers: {openai: {api_key: "sk-test"}},
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", cfg.Agent.Provider)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_KEY", "sk-ant-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	writeFile(t, path, `
providers:
  anthropic:
    api_key: ${CONDUCTOR_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-ant-from-env" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.Providers.Anthropic.APIKey)
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), `
agent:
  max_iterations: 30
detector:
  exploring_limit: 4
`)
	path := filepath.Join(dir, "conductor.yaml")
	writeFile(t, path, `
$include: base.yaml
agent:
  max_iterations: 12
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Including file wins on conflict; non-conflicting keys merge.
	if cfg.Agent.MaxIterations != 12 {
		t.Errorf("MaxIterations = %d, want 12", cfg.Agent.MaxIterations)
	}
	if cfg.Detector.ExploringLimit != 4 {
		t.Errorf("ExploringLimit = %d, want 4 from include", cfg.Detector.ExploringLimit)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	writeFile(t, a, "$include: b.yaml\n")
	writeFile(t, b, "$include: a.yaml\n")

	if _, err := Load(a); err == nil {
		t.Error("expected include cycle error")
	}
}

func TestLoadUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	writeFile(t, path, "agant:\n  model: x\n")

	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown top-level field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"bad provider", func(c *Config) { c.Agent.Provider = "mystery" }, false},
		{"negative iterations", func(c *Config) { c.Agent.MaxIterations = -1 }, false},
		{"target above threshold", func(c *Config) {
			c.Compression.TargetTokens = 9000
			c.Compression.ThresholdTokens = 8000
		}, false},
		{"vision model without provider", func(c *Config) { c.Fallback.VisionModel = "gpt-4o" }, false},
		{"vision model with provider", func(c *Config) {
			c.Fallback.VisionModel = "gpt-4o"
			c.Fallback.VisionProvider = "openai"
		}, true},
		{"bad sampling rate", func(c *Config) { c.Observability.Tracing.SamplingRate = 2 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default() should validate: %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty schema")
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	writeFile(t, path, "agent:\n  max_iterations: 5\n")

	reloaded := make(chan *Config, 4)
	w := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	writeFile(t, path, "agent:\n  max_iterations: 9\n")

	select {
	case cfg := <-reloaded:
		if cfg.Agent.MaxIterations != 9 {
			t.Errorf("MaxIterations = %d, want 9", cfg.Agent.MaxIterations)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherKeepsPreviousOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	writeFile(t, path, "agent:\n  max_iterations: 5\n")

	reloaded := make(chan *Config, 4)
	w := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	writeFile(t, path, "agent: [broken\n")

	select {
	case cfg := <-reloaded:
		t.Errorf("broken config should not produce a snapshot, got %+v", cfg)
	case <-time.After(1 * time.Second):
	}
}
