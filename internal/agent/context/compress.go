package context

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ProactiveCompactionFraction of the context window at which proactive
// compaction fires.
const ProactiveCompactionFraction = 0.75

// OverflowOutputFraction is the output-budget reduction applied on the
// single retry after a hard context-length rejection.
const OverflowOutputFraction = 0.7

// CompressorConfig holds history-compression thresholds.
type CompressorConfig struct {
	// ThresholdTokens is the history size that triggers compression.
	// Default: 8000
	ThresholdTokens int

	// TargetTokens is the size compression aims for. Default: 4000
	TargetTokens int

	// PreserveRecent is how many trailing messages are never compacted.
	// Default: 6
	PreserveRecent int
}

// DefaultCompressorConfig returns the default compression thresholds.
func DefaultCompressorConfig() *CompressorConfig {
	return &CompressorConfig{
		ThresholdTokens: 8000,
		TargetTokens:    4000,
		PreserveRecent:  6,
	}
}

// Compressor compacts old history into summary messages. User messages and
// the most recent messages are always preserved; an assistant tool-call
// message and its tool-result message are always summarized as one entry so
// the pairing invariant survives compression.
type Compressor struct {
	config    *CompressorConfig
	estimator *TokenEstimator
}

// NewCompressor creates a compressor. Nil arguments get defaults.
func NewCompressor(config *CompressorConfig, estimator *TokenEstimator) *Compressor {
	if config == nil {
		config = DefaultCompressorConfig()
	}
	if estimator == nil {
		estimator = NewTokenEstimator()
	}
	return &Compressor{config: config, estimator: estimator}
}

// SetConfig replaces the compression thresholds. Must be called from the
// goroutine that runs compression passes.
func (c *Compressor) SetConfig(config *CompressorConfig) {
	if config == nil {
		config = DefaultCompressorConfig()
	}
	c.config = config
}

// CompressResult reports one compression pass.
type CompressResult struct {
	// History is the post-compression message list. Aliases the input when
	// nothing was compressed.
	History []*models.Message

	Compressed        bool
	MessagesBefore    int
	MessagesAfter     int
	MessagesCompacted int
	TokensSaved       int
}

// Compress compacts history when it exceeds the threshold.
func (c *Compressor) Compress(history []*models.Message) *CompressResult {
	before := c.estimator.CountHistory(history)
	if before < c.config.ThresholdTokens {
		return &CompressResult{History: history, MessagesBefore: len(history), MessagesAfter: len(history)}
	}
	return c.compact(history, before)
}

// NeedsProactiveCompaction reports whether input size crossed the
// proactive-compaction fraction of the context window.
func (c *Compressor) NeedsProactiveCompaction(inputTokens, contextWindow int) bool {
	if contextWindow <= 0 {
		return false
	}
	return float64(inputTokens) >= float64(contextWindow)*ProactiveCompactionFraction
}

// Compact forces a compaction pass regardless of the threshold. Used by the
// proactive path and by context-overflow recovery.
func (c *Compressor) Compact(history []*models.Message) *CompressResult {
	return c.compact(history, c.estimator.CountHistory(history))
}

func (c *Compressor) compact(history []*models.Message, beforeTokens int) *CompressResult {
	result := &CompressResult{MessagesBefore: len(history)}

	preserveFrom := len(history) - c.config.PreserveRecent
	if preserveFrom < 0 {
		preserveFrom = 0
	}
	// Never split an assistant tool-call message from its tool-result
	// message: if the boundary lands on the result, pull it back one so the
	// pair is preserved together.
	if preserveFrom > 0 && preserveFrom < len(history) &&
		history[preserveFrom].Role == models.RoleTool &&
		history[preserveFrom-1].Role == models.RoleAssistant &&
		len(history[preserveFrom-1].ToolCalls) > 0 {
		preserveFrom--
	}

	var out []*models.Message
	var segment []*models.Message

	flush := func() {
		if len(segment) == 0 {
			return
		}
		summary := c.summarize(segment)
		out = append(out, summary)
		result.MessagesCompacted += len(segment)
		segment = nil
	}

	for i, msg := range history {
		compactable := i < preserveFrom &&
			msg.Role != models.RoleUser &&
			msg.Compaction == nil
		if !compactable {
			flush()
			out = append(out, msg)
			continue
		}
		segment = append(segment, msg)
	}
	flush()

	if result.MessagesCompacted == 0 {
		result.History = history
		result.MessagesAfter = len(history)
		return result
	}

	afterTokens := c.estimator.CountHistory(out)
	result.History = out
	result.Compressed = true
	result.MessagesAfter = len(out)
	result.TokensSaved = beforeTokens - afterTokens
	if result.TokensSaved < 0 {
		result.TokensSaved = 0
	}

	// Fill in per-summary compaction accounting now that savings are known.
	for _, msg := range out {
		if msg.Compaction != nil && msg.Compaction.TokensSaved == 0 && msg.Compaction.MessagesCompacted > 0 {
			msg.Compaction.TokensSaved = result.TokensSaved * msg.Compaction.MessagesCompacted / result.MessagesCompacted
		}
	}
	return result
}

// summarize collapses one contiguous segment into a single summary message.
// The summary keeps the first original message's ID.
func (c *Compressor) summarize(segment []*models.Message) *models.Message {
	var lines []string
	ids := make([]string, 0, len(segment))
	for _, msg := range segment {
		ids = append(ids, msg.ID)
		switch {
		case len(msg.ToolCalls) > 0:
			for _, call := range msg.ToolCalls {
				lines = append(lines, summarizeCall(call))
			}
		case msg.Role == models.RoleTool:
			failed := 0
			for _, r := range msg.ToolResults {
				if !r.Success {
					failed++
				}
			}
			if failed > 0 {
				lines = append(lines, fmt.Sprintf("%d tool result(s), %d failed", len(msg.ToolResults), failed))
			}
		case msg.Content != "":
			lines = append(lines, headTailEllipsis(msg.Content, 160))
		}
	}

	return &models.Message{
		ID:        segment[0].ID,
		Role:      models.RoleSystem,
		Content:   "[Earlier context, compressed]\n" + strings.Join(lines, "\n"),
		Timestamp: time.Now(),
		IsMeta:    true,
		Compaction: &models.CompactionBlock{
			MessagesCompacted: len(segment),
			CompactedAt:       time.Now(),
			ReplacedIDs:       ids,
		},
	}
}

// ReducedOutputBudget returns the output budget for the overflow retry.
func ReducedOutputBudget(maxTokens int) int {
	reduced := int(float64(maxTokens) * OverflowOutputFraction)
	if reduced < 1 {
		reduced = 1
	}
	return reduced
}
