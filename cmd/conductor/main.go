// Package main provides the CLI entry point for conductor, an agentic
// execution engine that drives an LLM reason-act loop with parallel tool
// scheduling, anti-pattern detection, and context management.
//
// # Basic Usage
//
// Run a one-shot task:
//
//	conductor run --config conductor.yaml "summarize the README"
//
// Print the config JSON schema:
//
//	conductor schema
//
// # Environment Variables
//
//   - CONDUCTOR_CONFIG: Path to configuration file (default: conductor.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - agentic LLM execution engine",
		Long: `Conductor drives an LLM reason-act loop: inference, parallel tool
scheduling, anti-pattern detection, context compression, and capability
fallback, streaming structured events to the caller.

Supported providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildSchemaCmd(),
		buildCheckCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the CONDUCTOR_CONFIG fallback.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("CONDUCTOR_CONFIG"); env != "" {
		return env
	}
	return "conductor.yaml"
}

// loadConfig loads the file at path, or returns defaults when the default
// path does not exist and the user did not name one explicitly.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	resolved := resolveConfigPath(path)
	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) && !explicit {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("config %s: %w", resolved, err)
	}
	return config.Load(resolved)
}

func buildSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func buildCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved := resolveConfigPath(configPath)
			cfg, err := config.Load(resolved)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (provider=%s model=%s)\n",
				resolved, cfg.Agent.Provider, cfg.Agent.Model)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
