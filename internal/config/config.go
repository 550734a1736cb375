// Package config loads and validates conductor's configuration.
//
// Configuration files are YAML or JSON5 with $include composition and
// environment-variable expansion. Policy numbers for the loop, detector,
// breaker, and fallback all live here so deployments can tune them without
// code changes.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration for a conductor process.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Detector      DetectorConfig      `yaml:"detector"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Fallback      FallbackConfig      `yaml:"fallback"`
	Compression   CompressionConfig   `yaml:"compression"`
	Hooks         HooksConfig         `yaml:"hooks"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// AgentConfig holds the loop's execution parameters.
type AgentConfig struct {
	// Model is the default model for inference.
	Model string `yaml:"model"`

	// Provider selects the LLM backend ("anthropic" or "openai").
	Provider string `yaml:"provider"`

	// WorkingDir is the directory tools operate in. Defaults to the
	// process working directory.
	WorkingDir string `yaml:"working_dir"`

	// MaxIterations caps loop iterations per run.
	MaxIterations int `yaml:"max_iterations"`

	// MaxOutputTokens is the initial per-inference output budget.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// ContextWindow is the token window used for proactive compaction.
	// Zero means use the model's advertised window.
	ContextWindow int `yaml:"context_window"`

	// TokenBudget caps total token spend per run. Zero disables the cap.
	TokenBudget int `yaml:"token_budget"`

	// GoalCheckpointEvery injects a goal reminder every N iterations.
	GoalCheckpointEvery int `yaml:"goal_checkpoint_every"`

	// MaxToolResultChars truncates tool output stored in history.
	MaxToolResultChars int `yaml:"max_tool_result_chars"`

	// PostActionThinking injects a reflection prompt after tool batches.
	PostActionThinking bool `yaml:"post_action_thinking"`
}

// ProvidersConfig holds credentials and endpoints for LLM backends.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

// ProviderConfig configures one LLM backend.
type ProviderConfig struct {
	// APIKey authenticates with the provider. Supports ${ENV} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// DefaultModel is used when no model is named on the request.
	DefaultModel string `yaml:"default_model"`

	// MaxRetries bounds transient-failure retries.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base backoff delay.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DetectorConfig tunes the anti-pattern detector thresholds.
type DetectorConfig struct {
	ReadOnlyWarnBeforeWrite int `yaml:"read_only_warn_before_write"`
	ReadOnlyWarnAfterWrite  int `yaml:"read_only_warn_after_write"`
	ReadOnlyHardLimit       int `yaml:"read_only_hard_limit"`
	EscalateAfterStrikes    int `yaml:"escalate_after_strikes"`
	ExactRepeatCap          int `yaml:"exact_repeat_cap"`
	DuplicateLoopAt         int `yaml:"duplicate_loop_at"`
	ExploringLimit          int `yaml:"exploring_limit"`
}

// BreakerConfig tunes the tool-failure circuit breaker.
type BreakerConfig struct {
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	Cooldown               time.Duration `yaml:"cooldown"`
}

// FallbackConfig names the model used when the active model lacks a
// required capability.
type FallbackConfig struct {
	VisionModel    string `yaml:"vision_model"`
	VisionProvider string `yaml:"vision_provider"`
}

// CompressionConfig tunes history compression.
type CompressionConfig struct {
	ThresholdTokens int `yaml:"threshold_tokens"`
	TargetTokens    int `yaml:"target_tokens"`
	PreserveRecent  int `yaml:"preserve_recent"`
}

// HooksConfig controls lifecycle hook dispatch.
type HooksConfig struct {
	// Enabled toggles all user hooks; planning hooks always run.
	Enabled bool `yaml:"enabled"`
}

// ObservabilityConfig configures logging, metrics, and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`

	// Redact enables secret redaction in log output.
	Redact bool `yaml:"redact"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Load reads the configuration file at path, resolving includes and
// expanding environment variables, then applies defaults and validates.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "anthropic"
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 25
	}
	if cfg.Agent.MaxOutputTokens == 0 {
		cfg.Agent.MaxOutputTokens = 4096
	}
	if cfg.Agent.ContextWindow == 0 {
		cfg.Agent.ContextWindow = 64000
	}
	if cfg.Agent.GoalCheckpointEvery == 0 {
		cfg.Agent.GoalCheckpointEvery = 5
	}
	if cfg.Agent.MaxToolResultChars == 0 {
		cfg.Agent.MaxToolResultChars = 6000
	}

	for _, pc := range []*ProviderConfig{&cfg.Providers.Anthropic, &cfg.Providers.OpenAI} {
		if pc.MaxRetries == 0 {
			pc.MaxRetries = 3
		}
		if pc.RetryDelay == 0 {
			pc.RetryDelay = time.Second
		}
	}
	if cfg.Providers.Anthropic.DefaultModel == "" {
		cfg.Providers.Anthropic.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.Providers.OpenAI.DefaultModel == "" {
		cfg.Providers.OpenAI.DefaultModel = "gpt-4o"
	}

	if cfg.Detector.ReadOnlyWarnBeforeWrite == 0 {
		cfg.Detector.ReadOnlyWarnBeforeWrite = 5
	}
	if cfg.Detector.ReadOnlyWarnAfterWrite == 0 {
		cfg.Detector.ReadOnlyWarnAfterWrite = 10
	}
	if cfg.Detector.ReadOnlyHardLimit == 0 {
		cfg.Detector.ReadOnlyHardLimit = 15
	}
	if cfg.Detector.EscalateAfterStrikes == 0 {
		cfg.Detector.EscalateAfterStrikes = 4
	}
	if cfg.Detector.ExactRepeatCap == 0 {
		cfg.Detector.ExactRepeatCap = 3
	}
	if cfg.Detector.DuplicateLoopAt == 0 {
		cfg.Detector.DuplicateLoopAt = 3
	}
	if cfg.Detector.ExploringLimit == 0 {
		cfg.Detector.ExploringLimit = 3
	}

	if cfg.Breaker.MaxConsecutiveFailures == 0 {
		cfg.Breaker.MaxConsecutiveFailures = 5
	}

	if cfg.Compression.ThresholdTokens == 0 {
		cfg.Compression.ThresholdTokens = 8000
	}
	if cfg.Compression.TargetTokens == 0 {
		cfg.Compression.TargetTokens = 4000
	}
	if cfg.Compression.PreserveRecent == 0 {
		cfg.Compression.PreserveRecent = 6
	}

	if cfg.Observability.Logging.Level == "" {
		cfg.Observability.Logging.Level = "info"
	}
	if cfg.Observability.Logging.Format == "" {
		cfg.Observability.Logging.Format = "json"
	}
	if cfg.Observability.Metrics.Listen == "" {
		cfg.Observability.Metrics.Listen = ":9090"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "conductor"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Agent.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider %q", c.Agent.Provider)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.MaxOutputTokens < 1 {
		return fmt.Errorf("agent.max_output_tokens must be positive, got %d", c.Agent.MaxOutputTokens)
	}
	if c.Compression.TargetTokens > c.Compression.ThresholdTokens {
		return fmt.Errorf("compression.target_tokens (%d) must not exceed threshold_tokens (%d)",
			c.Compression.TargetTokens, c.Compression.ThresholdTokens)
	}
	if c.Fallback.VisionModel != "" && c.Fallback.VisionProvider == "" {
		return fmt.Errorf("fallback.vision_provider is required when vision_model is set")
	}
	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		return fmt.Errorf("observability.tracing.sampling_rate must be in [0,1], got %v", rate)
	}
	return nil
}
