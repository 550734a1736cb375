// Package context provides context management for agent conversations.
//
// This package handles:
//   - System-prompt assembly: generation-tiered base prompts plus augmentation
//   - Model-message synthesis: converting history into provider-facing messages
//   - History compression and proactive compaction
//   - Token accounting and budget tracking
package context

import (
	stdctx "context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// TaskComplexity selects the base-prompt variant.
type TaskComplexity string

const (
	// TaskSimple selects the short fast-path prompt.
	TaskSimple TaskComplexity = "simple"

	// TaskFull selects the full prompt.
	TaskFull TaskComplexity = "full"
)

// Generation tier thresholds for prompt augmentation.
const (
	// RAGTier is the minimum generation tier that receives retrieved
	// project knowledge and user preferences.
	RAGTier = 3

	// ProactiveTier is the minimum generation tier that receives proactive
	// and cloud-sourced context.
	ProactiveTier = 5
)

// ContextSource supplies retrieved context strings for prompt augmentation.
// Sources are opaque collaborators; a failing source contributes nothing.
type ContextSource interface {
	// Retrieve returns context text relevant to the query, or empty.
	Retrieve(ctx stdctx.Context, query string) (string, error)
}

// ContextSourceFunc adapts a function to ContextSource.
type ContextSourceFunc func(ctx stdctx.Context, query string) (string, error)

// Retrieve implements ContextSource.
func (f ContextSourceFunc) Retrieve(ctx stdctx.Context, query string) (string, error) {
	return f(ctx, query)
}

// PromptConfig configures system-prompt assembly.
type PromptConfig struct {
	// BasePrompt is the full base system prompt.
	BasePrompt string

	// SimplePrompt is the fast-path prompt for simple tasks. Falls back to
	// BasePrompt when empty.
	SimplePrompt string

	// GenerationTier controls which augmentation stages apply.
	GenerationTier int

	// WorkingDir is injected as the working-directory block.
	WorkingDir string

	// IsProjectDir distinguishes a user-selected project from the default
	// scratch area.
	IsProjectDir bool
}

// PromptBuilder assembles the per-turn system prompt.
type PromptBuilder struct {
	config *PromptConfig

	// rag supplies project knowledge and user preferences (tier >= 3).
	rag ContextSource

	// proactive supplies proactive and cloud-sourced context (tier >= 5).
	proactive ContextSource
}

// NewPromptBuilder creates a prompt builder. Either source may be nil.
func NewPromptBuilder(config *PromptConfig, rag, proactive ContextSource) *PromptBuilder {
	if config == nil {
		config = &PromptConfig{}
	}
	return &PromptBuilder{config: config, rag: rag, proactive: proactive}
}

// Build assembles the system prompt for one turn and returns it with its
// telemetry hash.
func (b *PromptBuilder) Build(ctx stdctx.Context, complexity TaskComplexity, userQuery string) (string, string) {
	var sb strings.Builder

	base := b.config.BasePrompt
	if complexity == TaskSimple && b.config.SimplePrompt != "" {
		base = b.config.SimplePrompt
	}
	sb.WriteString(base)

	if b.config.GenerationTier >= RAGTier && b.rag != nil {
		if text, err := b.rag.Retrieve(ctx, userQuery); err == nil && text != "" {
			sb.WriteString("\n\n# Project context\n")
			sb.WriteString(text)
		}
	}
	if b.config.GenerationTier >= ProactiveTier && b.proactive != nil {
		if text, err := b.proactive.Retrieve(ctx, userQuery); err == nil && text != "" {
			sb.WriteString("\n\n# Additional context\n")
			sb.WriteString(text)
		}
	}

	sb.WriteString("\n\n")
	sb.WriteString(workingDirBlock(b.config.WorkingDir, b.config.IsProjectDir))

	prompt := sb.String()
	return prompt, PromptHash(prompt)
}

func workingDirBlock(dir string, isProject bool) string {
	if dir == "" {
		dir = "."
	}
	if isProject {
		return fmt.Sprintf(
			"# Working directory\nYou are working in the user's project at %s. Treat its contents as the authoritative codebase; prefer editing existing files over creating parallel copies.",
			dir)
	}
	return fmt.Sprintf(
		"# Working directory\nYou are working in a scratch area at %s. Files here are ephemeral; create whatever structure the task needs.",
		dir)
}

// PromptHash returns the telemetry hash of a system prompt.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:8])
}
