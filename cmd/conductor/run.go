package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/agent"
	agentctx "github.com/haasonsaas/conductor/internal/agent/context"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/hooks"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/providers"
	"github.com/haasonsaas/conductor/pkg/models"
)

const defaultBasePrompt = `You are a capable coding agent. You work in iterations:
reason about the task, call tools when you need to act or observe, and finish
with a clear summary of what you did. Prefer small verifiable steps. When a
tool fails, read the error and adjust rather than repeating the same call.`

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		model      string
		provider   string
		jsonOut    bool
		workingDir string
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a one-shot agent task",
		Long: `Run starts a single agent run for the given prompt and streams progress
to the terminal. The prompt is read from the arguments, or from stdin when
no arguments are given.

The first interrupt (Ctrl-C) asks the run to stop at the next safe point;
a second one aborts immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, configPath != "")
			if err != nil {
				return err
			}
			if model != "" {
				cfg.Agent.Model = model
			}
			if provider != "" {
				cfg.Agent.Provider = provider
			}
			if workingDir != "" {
				cfg.Agent.WorkingDir = workingDir
			}

			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				data, err := readAllStdin()
				if err != nil {
					return err
				}
				prompt = strings.TrimSpace(data)
			}
			if prompt == "" {
				return errors.New("a prompt is required (argument or stdin)")
			}

			return runTask(cmd.Context(), cfg, configPath, prompt, jsonOut)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Override the configured model")
	cmd.Flags().StringVar(&provider, "provider", "", "Override the configured provider")
	cmd.Flags().StringVarP(&workingDir, "dir", "d", "", "Working directory for tools")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit events as NDJSON instead of rendered text")
	return cmd
}

func readAllStdin() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}
	if stat.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	data, err := os.ReadFile("/dev/stdin")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func runTask(ctx context.Context, cfg *config.Config, configPath, prompt string, jsonOut bool) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: os.Stderr,
	})
	defer func() { _ = logger.Sync() }()
	log := logger.Slog()

	var tracer *observability.Tracer
	if cfg.Observability.Tracing.Enabled {
		var shutdown func(context.Context) error
		tracer, shutdown = observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Observability.Tracing.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetrics()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Observability.Metrics.Listen, mux); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}

	workingDir := cfg.Agent.WorkingDir
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}

	loopCfg := &agent.LoopConfig{
		Model:               cfg.Agent.Model,
		Provider:            cfg.Agent.Provider,
		MaxIterations:       cfg.Agent.MaxIterations,
		MaxOutputTokens:     cfg.Agent.MaxOutputTokens,
		ContextWindow:       cfg.Agent.ContextWindow,
		GoalCheckpointEvery: cfg.Agent.GoalCheckpointEvery,
		MaxToolResultChars:  cfg.Agent.MaxToolResultChars,
		TokenBudget:         cfg.Agent.TokenBudget,
		PostActionThinking:  cfg.Agent.PostActionThinking,
	}

	estimator := agentctx.NewTokenEstimator()
	deps := &agent.LoopDeps{
		Client: client,
		PromptBuilder: agentctx.NewPromptBuilder(&agentctx.PromptConfig{
			BasePrompt:   defaultBasePrompt,
			WorkingDir:   workingDir,
			IsProjectDir: cfg.Agent.WorkingDir != "",
		}, nil, nil),
		Compressor:     agentctx.NewCompressor(compressionPolicy(cfg), estimator),
		Logger:         log,
		Metrics:        metrics,
		Tracer:         tracer,
		DetectorConfig: detectorPolicy(cfg),
		BreakerConfig:  breakerPolicy(cfg),
		FallbackConfig: &agent.FallbackConfig{
			VisionModel:    cfg.Fallback.VisionModel,
			VisionProvider: cfg.Fallback.VisionProvider,
		},
		Credentials: credentialResolver(cfg),
	}
	if cfg.Hooks.Enabled {
		deps.UserHooks = hooks.NewDispatcher(log)
	}

	loop := agent.NewLoop(loopCfg, deps)

	userMsg := &models.Message{
		Role:      models.RoleUser,
		Content:   prompt,
		Timestamp: time.Now(),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Edits to the config file apply to the running loop at its next
	// iteration boundary.
	if configPath != "" {
		watcher := config.NewWatcher(configPath, func(updated *config.Config) {
			loop.UpdatePolicy(&agent.RuntimePolicy{
				Detector:    detectorPolicy(updated),
				Breaker:     breakerPolicy(updated),
				Compression: compressionPolicy(updated),
			})
		}, log)
		if err := watcher.Start(runCtx); err != nil {
			log.Warn("config hot reload unavailable", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	events, err := loop.Run(runCtx, userMsg)
	if err != nil {
		return err
	}

	// First signal requests a graceful stop; the second aborts.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nstopping at next safe point (Ctrl-C again to abort)")
		loop.Controls().Cancel()
		<-sigCh
		cancel()
	}()

	renderer := newRenderer(os.Stdout, jsonOut)
	timeline := observability.NewTimeline(0)
	var runErr error
	for event := range events {
		timeline.Record(event)
		renderer.Render(event)
		if event.Type == models.EventError && event.Error != nil {
			runErr = fmt.Errorf("%s: %s", event.Error.Code, event.Error.Message)
		}
	}
	if runErr != nil {
		// Keep a short trail of what led up to the failure in the debug log.
		entries := timeline.Entries()
		if len(entries) > 8 {
			entries = entries[len(entries)-8:]
		}
		for _, entry := range entries {
			log.Debug("event before failure",
				"sequence", entry.Event.Sequence,
				"type", string(entry.Event.Type))
		}
	}
	return runErr
}

// detectorPolicy maps the configuration's detector section onto the loop's
// anti-pattern thresholds.
func detectorPolicy(cfg *config.Config) *agent.DetectorConfig {
	return &agent.DetectorConfig{
		ReadOnlyWarnBeforeWrite: cfg.Detector.ReadOnlyWarnBeforeWrite,
		ReadOnlyWarnAfterWrite:  cfg.Detector.ReadOnlyWarnAfterWrite,
		ReadOnlyHardLimit:       cfg.Detector.ReadOnlyHardLimit,
		EscalateAfterStrikes:    cfg.Detector.EscalateAfterStrikes,
		ExactRepeatCap:          cfg.Detector.ExactRepeatCap,
		DuplicateLoopAt:         cfg.Detector.DuplicateLoopAt,
		ExploringLimit:          cfg.Detector.ExploringLimit,
	}
}

func breakerPolicy(cfg *config.Config) *agent.BreakerConfig {
	return &agent.BreakerConfig{
		MaxConsecutiveFailures: cfg.Breaker.MaxConsecutiveFailures,
		Cooldown:               cfg.Breaker.Cooldown,
	}
}

func compressionPolicy(cfg *config.Config) *agentctx.CompressorConfig {
	return &agentctx.CompressorConfig{
		ThresholdTokens: cfg.Compression.ThresholdTokens,
		TargetTokens:    cfg.Compression.TargetTokens,
		PreserveRecent:  cfg.Compression.PreserveRecent,
	}
}

func buildClient(cfg *config.Config) (agent.LLMClient, error) {
	switch cfg.Agent.Provider {
	case "anthropic":
		key := cfg.Providers.Anthropic.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicClient(providers.AnthropicConfig{
			APIKey:       key,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			MaxRetries:   cfg.Providers.Anthropic.MaxRetries,
			RetryDelay:   cfg.Providers.Anthropic.RetryDelay,
			DefaultModel: cfg.Providers.Anthropic.DefaultModel,
		})
	case "openai":
		key := cfg.Providers.OpenAI.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return providers.NewOpenAIClient(providers.OpenAIConfig{
			APIKey:       key,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			MaxRetries:   cfg.Providers.OpenAI.MaxRetries,
			RetryDelay:   cfg.Providers.OpenAI.RetryDelay,
			DefaultModel: cfg.Providers.OpenAI.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Agent.Provider)
	}
}

// credentialResolver serves fallback credential lookups from the loaded
// configuration, falling back to conventional environment variables.
func credentialResolver(cfg *config.Config) agent.CredentialResolver {
	return agent.CredentialResolverFunc(func(ctx context.Context, provider, model string) (string, error) {
		var key, env string
		switch provider {
		case "anthropic":
			key, env = cfg.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY"
		case "openai":
			key, env = cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY"
		default:
			return "", fmt.Errorf("no credentials configured for provider %q", provider)
		}
		if key != "" {
			return key, nil
		}
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
		return "", agent.ErrNoCredential
	})
}
