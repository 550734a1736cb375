package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Signal is the detector's verdict accompanying a nudge message.
type Signal int

const (
	// SignalNone means no anti-pattern was detected.
	SignalNone Signal = iota

	// SignalNudge means the returned message should be injected as a
	// corrective system message.
	SignalNudge

	// SignalHardLimit means the controller must convert the current tool
	// into a failure that stops further work.
	SignalHardLimit

	// SignalEscalate means the controller must instruct the model to stop
	// and report to the user.
	SignalEscalate
)

// DetectorConfig holds the anti-pattern policy thresholds.
type DetectorConfig struct {
	// ReadOnlyWarnBeforeWrite warns after this many consecutive read-only
	// operations before any file has been written. Default: 5
	ReadOnlyWarnBeforeWrite int

	// ReadOnlyWarnAfterWrite warns after this many consecutive read-only
	// operations once a write has happened. Default: 10
	ReadOnlyWarnAfterWrite int

	// ReadOnlyHardLimit converts the current tool into a failure. Default: 15
	ReadOnlyHardLimit int

	// EscalateAfterStrikes escalates to the user after this many consecutive
	// failures on the same tool name. Default: 4
	EscalateAfterStrikes int

	// ExactRepeatCap bounds identical-arguments-and-error repetitions.
	// Default: 3
	ExactRepeatCap int

	// DuplicateLoopAt warns about looping on the Nth identical call.
	// Default: 3
	DuplicateLoopAt int

	// ExploringLimit is the consecutive exploring-iteration count that
	// triggers the progress nudge. Default: 3
	ExploringLimit int
}

// DefaultDetectorConfig returns the default anti-pattern thresholds.
func DefaultDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		ReadOnlyWarnBeforeWrite: 5,
		ReadOnlyWarnAfterWrite:  10,
		ReadOnlyHardLimit:       15,
		EscalateAfterStrikes:    4,
		ExactRepeatCap:          3,
		DuplicateLoopAt:         3,
		ExploringLimit:          3,
	}
}

// toolAlternatives maps failing tools to a suggested substitute with a
// rationale, used on the second failure strike.
var toolAlternatives = map[string]struct {
	Name      string
	Rationale string
}{
	"edit_file": {"write_file", "rewrite the whole file instead of patching a stale region"},
	"read_file": {"bash", "use `cat` directly; it bypasses offset bookkeeping"},
	"glob":      {"bash", "use `find` directly; shell globbing handles edge cases the matcher may not"},
	"web_fetch": {"bash", "use `curl` directly; it reports HTTP errors verbatim"},
}

// ProgressState classifies one iteration's tool usage.
type ProgressState string

const (
	// ProgressExploring means only read-only tools ran.
	ProgressExploring ProgressState = "exploring"

	// ProgressModifying means at least one write ran.
	ProgressModifying ProgressState = "modifying"

	// ProgressVerifying means a shell/test/compile ran without writes.
	ProgressVerifying ProgressState = "verifying"
)

// Detector tracks runtime LLM failure modes across a single run and
// produces corrective nudges. State transitions are deterministic with
// respect to the observed sequence of tool names and outcomes.
type Detector struct {
	config *DetectorConfig

	consecutiveReadOps int
	hasWrittenFile     bool

	// Per tool name: consecutive failure strikes. Cleared on any success.
	strikes map[string]int

	// Exact fingerprint (name + args + error) repetition counts.
	exactRepeats map[string]int

	// Call fingerprint (name + args) counts for duplicate detection.
	callCounts map[string]int

	consecutiveExploring int
}

// NewDetector creates a detector with the given thresholds.
// If config is nil, DefaultDetectorConfig is used.
func NewDetector(config *DetectorConfig) *Detector {
	if config == nil {
		config = DefaultDetectorConfig()
	}
	return &Detector{
		config:       config,
		strikes:      make(map[string]int),
		exactRepeats: make(map[string]int),
		callCounts:   make(map[string]int),
	}
}

// SetConfig replaces the detector's thresholds, keeping accumulated state.
// Must be called from the loop goroutine.
func (d *Detector) SetConfig(config *DetectorConfig) {
	if config == nil {
		config = DefaultDetectorConfig()
	}
	d.config = config
}

// HasWrittenFile reports whether any write tool has succeeded this run.
func (d *Detector) HasWrittenFile() bool {
	return d.hasWrittenFile
}

// ObserveCall updates read/write tracking for a dispatched call and returns
// a read-only-stall verdict.
func (d *Detector) ObserveCall(call models.ToolCall) (string, Signal) {
	if IsWriteTool(call.Name) {
		d.consecutiveReadOps = 0
		return "", SignalNone
	}
	if !IsReadOnlyTool(call.Name) {
		// Shell and other mutating tools break a read streak.
		d.consecutiveReadOps = 0
		return "", SignalNone
	}

	d.consecutiveReadOps++
	switch {
	case d.consecutiveReadOps >= d.config.ReadOnlyHardLimit:
		return fmt.Sprintf(
			"You have performed %d consecutive read-only operations. Stop reading and act on what you already know.",
			d.consecutiveReadOps), SignalHardLimit
	case d.hasWrittenFile && d.consecutiveReadOps == d.config.ReadOnlyWarnAfterWrite:
		return fmt.Sprintf(
			"You have read %d times in a row since your last change. Apply the next change now instead of gathering more context.",
			d.consecutiveReadOps), SignalNudge
	case !d.hasWrittenFile && d.consecutiveReadOps == d.config.ReadOnlyWarnBeforeWrite:
		return fmt.Sprintf(
			"You have performed %d read-only operations without writing anything. Start making the requested change.",
			d.consecutiveReadOps), SignalNudge
	}
	return "", SignalNone
}

// ObserveResult updates failure/duplicate tracking for a completed call and
// returns the strongest applicable verdict.
func (d *Detector) ObserveResult(call models.ToolCall, result models.ToolResult) (string, Signal) {
	fingerprint := callFingerprint(call)
	d.callCounts[fingerprint]++
	count := d.callCounts[fingerprint]

	if result.Success {
		if IsWriteTool(call.Name) {
			d.hasWrittenFile = true
		}
		// Any success clears both failure trackers for the tool.
		delete(d.strikes, call.Name)
		for key := range d.exactRepeats {
			if strings.HasPrefix(key, call.Name+"\x00") {
				delete(d.exactRepeats, key)
			}
		}
		return d.duplicateVerdict(call, count)
	}

	d.strikes[call.Name]++
	strikes := d.strikes[call.Name]

	exactKey := fingerprint + "\x00" + result.Error
	d.exactRepeats[exactKey]++
	if d.exactRepeats[exactKey] > d.config.ExactRepeatCap {
		return fmt.Sprintf(
			"You have now run %s with identical arguments and received the identical error %d times. The call will not start working. Change the arguments or the approach.",
			call.Name, d.exactRepeats[exactKey]), SignalNudge
	}

	switch {
	case strikes >= d.config.EscalateAfterStrikes:
		return fmt.Sprintf(
			"%s has failed %d times in a row. Stop. Report what you tried and what failed, and ask the user how to proceed.",
			call.Name, strikes), SignalEscalate
	case strikes == 3:
		return fmt.Sprintf(
			"%s failed a third time. Stop, re-read the current state, question your assumptions, and try a different approach.",
			call.Name), SignalNudge
	case strikes == 2:
		msg := fmt.Sprintf("%s failed again. Switch strategy rather than retrying.", call.Name)
		if alt, ok := toolAlternatives[call.Name]; ok {
			msg += fmt.Sprintf(" Consider %s: %s.", alt.Name, alt.Rationale)
		}
		return msg, SignalNudge
	case strikes == 1:
		return fmt.Sprintf(
			"%s failed: %s. Check the parameters and preconditions before retrying.",
			call.Name, result.Error), SignalNudge
	}
	return "", SignalNone
}

func (d *Detector) duplicateVerdict(call models.ToolCall, count int) (string, Signal) {
	if count >= d.config.DuplicateLoopAt {
		return fmt.Sprintf(
			"You have made this exact %s call %d times. You are looping; the result has not changed.",
			call.Name, count), SignalNudge
	}
	if count == 2 && IsReadOnlyTool(call.Name) {
		return fmt.Sprintf(
			"You already called %s with these arguments; the result is unchanged from the earlier observation.",
			call.Name), SignalNudge
	}
	return "", SignalNone
}

// ObserveIteration classifies the iteration's tool set and returns the
// exploring-streak nudge when the limit is reached. The counter resets when
// it fires or when the state leaves exploring.
func (d *Detector) ObserveIteration(toolNames []string) (ProgressState, string, Signal) {
	state := ClassifyProgress(toolNames)
	if state != ProgressExploring {
		d.consecutiveExploring = 0
		return state, "", SignalNone
	}
	d.consecutiveExploring++
	if d.consecutiveExploring >= d.config.ExploringLimit {
		d.consecutiveExploring = 0
		return state, fmt.Sprintf(
			"IMPORTANT: you have spent %d full iterations exploring without modifying anything. Make a concrete change in your next action.",
			d.config.ExploringLimit), SignalNudge
	}
	return state, "", SignalNone
}

// ClassifyProgress reduces an iteration's tool names to a progress state.
func ClassifyProgress(toolNames []string) ProgressState {
	hasWrite := false
	hasVerify := false
	for _, name := range toolNames {
		if IsWriteTool(name) {
			hasWrite = true
		} else if name == "bash" || strings.Contains(name, "test") || strings.Contains(name, "compile") {
			hasVerify = true
		}
	}
	switch {
	case hasWrite:
		return ProgressModifying
	case hasVerify:
		return ProgressVerifying
	default:
		return ProgressExploring
	}
}

func callFingerprint(call models.ToolCall) string {
	keys := make([]string, 0, len(call.Arguments))
	for k := range call.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(call.Name)
	for _, k := range keys {
		b.WriteString("\x1f")
		b.WriteString(k)
		b.WriteString("=")
		if data, err := json.Marshal(call.Arguments[k]); err == nil {
			b.Write(data)
		}
	}
	return b.String()
}

// Text-described tool call detection.
//
// Models sometimes narrate the action they should have requested as a tool
// call ("Ran: ls"). The matchers below invert the history-formatting used in
// model-message synthesis, plus a few generic shapes.

type textToolPattern struct {
	re      *regexp.Regexp
	tool    string
	argKey  string
	useArgs bool
}

var textToolPatterns = []textToolPattern{
	{regexp.MustCompile(`(?m)^Ran: (.+)$`), "bash", "command", true},
	{regexp.MustCompile(`(?m)^Edited (\S+)`), "edit_file", "path", false},
	{regexp.MustCompile(`(?m)^Read (\S+)`), "read_file", "path", true},
	{regexp.MustCompile(`(?m)^Created (\S+)`), "write_file", "path", false},
	{regexp.MustCompile(`(?m)^Found files matching: (.+)$`), "glob", "pattern", true},
	{regexp.MustCompile(`(?m)^Searched for: (.+)$`), "grep", "pattern", true},
	{regexp.MustCompile(`(?m)^Listed: (\S+)`), "list_directory", "path", true},
	{regexp.MustCompile(`(?m)^Fetched: (\S+)`), "web_fetch", "url", true},
}

var (
	calledToolRe = regexp.MustCompile(`Called (\w+)\((.*)\)`)
	intentRe     = regexp.MustCompile(`(?i)I(?:'| wi)ll (?:call|use|run) the (\w+) tool`)
	jsonCallRe   = regexp.MustCompile(`\{\s*"name"\s*:\s*"(\w+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}`)
)

// TextToolMatch is the result of text-described tool call detection.
type TextToolMatch struct {
	// Call is the synthesized tool call (fresh ID).
	Call models.ToolCall

	// Executable is true when the captured arguments are complete enough to
	// force-execute. Otherwise the controller injects a format correction.
	Executable bool
}

// DetectTextToolCall inspects a pure-text response for a narrated tool
// call. Returns nil when the text does not match any pattern.
func DetectTextToolCall(text string) *TextToolMatch {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	for _, p := range textToolPatterns {
		if m := p.re.FindStringSubmatch(trimmed); m != nil {
			call := models.ToolCall{
				ID:        uuid.NewString(),
				Name:      p.tool,
				Arguments: map[string]any{p.argKey: strings.TrimSpace(m[1])},
			}
			return &TextToolMatch{Call: call, Executable: p.useArgs}
		}
	}

	if m := jsonCallRe.FindStringSubmatch(trimmed); m != nil {
		args := map[string]any{}
		executable := json.Unmarshal([]byte(m[2]), &args) == nil
		return &TextToolMatch{
			Call:       models.ToolCall{ID: uuid.NewString(), Name: m[1], Arguments: args},
			Executable: executable && len(args) > 0,
		}
	}

	if m := calledToolRe.FindStringSubmatch(trimmed); m != nil {
		args := map[string]any{}
		executable := false
		if inner := strings.TrimSpace(m[2]); inner != "" {
			if json.Unmarshal([]byte(inner), &args) == nil && len(args) > 0 {
				executable = true
			}
		}
		return &TextToolMatch{
			Call:       models.ToolCall{ID: uuid.NewString(), Name: m[1], Arguments: args},
			Executable: executable,
		}
	}

	if m := intentRe.FindStringSubmatch(trimmed); m != nil {
		return &TextToolMatch{
			Call:       models.ToolCall{ID: uuid.NewString(), Name: strings.ToLower(m[1]), Arguments: map[string]any{}},
			Executable: false,
		}
	}

	return nil
}

// FormatCorrectionMessage is injected when a narrated call has no usable
// arguments and the model must re-emit it as a structured tool call.
func FormatCorrectionMessage(toolName string) string {
	return fmt.Sprintf(
		"Your last response described calling %s as plain text instead of emitting a tool call. Respond again using the structured tool-call format; do not narrate the action.",
		toolName)
}
